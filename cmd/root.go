// Package cmd defines and implements the CLI commands for the siteaudit executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/app"
	"github.com/JakeFAU/site-audit/internal/config"
	"github.com/JakeFAU/site-audit/internal/logging"
	"github.com/JakeFAU/site-audit/internal/telemetry"
)

// runtime is what PersistentPreRunE hands to every subcommand.
type runtime struct {
	cfg      config.Config
	logger   *zap.Logger
	shutdown func(context.Context) error
}

type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// newApp is the application factory. It's a variable so tests can swap it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile, envFile string
	cmd := &cobra.Command{
		Use:   "siteaudit",
		Short: "Website audit job orchestration service.",
		Long: `siteaudit accepts a URL, discovers the site's pages, picks the most
important ones and audits them for SEO, accessibility and performance.
Jobs run as a chain of broker tasks, one queue per phase.`,
		SilenceUsage: true,

		// Loads .env, config, the logger and tracing before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadDotEnv(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			rt := &runtime{cfg: cfg, logger: logger}
			if cfg.Tracing.Enabled {
				rt.shutdown, err = telemetry.InitTracerProvider(cmd.Context(), telemetry.ServiceName, cfg.Tracing.SampleRatio)
				if err != nil {
					return fmt.Errorf("init tracing: %w", err)
				}
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, rt))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, err := resolveRuntime(cmd.Context()); err == nil {
				if rt.shutdown != nil {
					if err := rt.shutdown(context.WithoutCancel(cmd.Context())); err != nil {
						rt.logger.Warn("tracer shutdown failed", zap.Error(err))
					}
				}
				// Syncing stderr fails on some platforms; nothing useful to do about it.
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before config; ignored when missing")

	cmd.AddCommand(newServeCmd(), newWorkerCmd(), newDiscoverCmd(), newMigrateCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not initialized")
	}
	return rt, nil
}

// buildApp resolves the runtime and constructs the application services.
func buildApp(ctx context.Context) (*app.App, *runtime, error) {
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return nil, nil, err
	}
	a, err := newApp(ctx, rt.cfg, rt.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return a, rt, nil
}

func closeApp(a *app.App, logger *zap.Logger) {
	logger.Info("shutting down application services")
	if err := a.Close(); err != nil {
		logger.Warn("error closing application services", zap.Error(err))
	}
}
