package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var withWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API",
		Long: `Starts the HTTP API. By default every phase worker runs in the same
process, which the in-memory broker requires.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), withWorkers)
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "workers", true, "run every phase worker in-process")
	return cmd
}

func runServe(ctx context.Context, withWorkers bool) error {
	a, rt, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(a, rt.logger)
	logger := rt.logger

	if !withWorkers && rt.cfg.Broker.Provider == "memory" {
		logger.Warn("memory broker without in-process workers; queued jobs will never run")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", rt.cfg.Server.Port),
		Handler:           a.Server().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if withWorkers {
		d, err := a.Dispatcher(nil)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return d.Run(gctx)
		})
	}
	g.Go(func() error {
		logger.Info("http server started", zap.Int("port", rt.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
