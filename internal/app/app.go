// Package app initializes and holds long-lived application services, acting as a
// dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcsstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/analyze"
	"github.com/JakeFAU/site-audit/internal/api"
	"github.com/JakeFAU/site-audit/internal/config"
	"github.com/JakeFAU/site-audit/internal/discovery"
	"github.com/JakeFAU/site-audit/internal/dispatcher"
	"github.com/JakeFAU/site-audit/internal/extract"
	"github.com/JakeFAU/site-audit/internal/fetcher"
	collyfetcher "github.com/JakeFAU/site-audit/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/site-audit/internal/fetcher/headless"
	"github.com/JakeFAU/site-audit/internal/hash/sha256"
	"github.com/JakeFAU/site-audit/internal/headless/detector"
	"github.com/JakeFAU/site-audit/internal/id/uuid"
	"github.com/JakeFAU/site-audit/internal/llm"
	"github.com/JakeFAU/site-audit/internal/pipeline"
	"github.com/JakeFAU/site-audit/internal/policy/ratelimit"
	"github.com/JakeFAU/site-audit/internal/progress"
	"github.com/JakeFAU/site-audit/internal/progress/sinks"
	queueMemory "github.com/JakeFAU/site-audit/internal/queue/memory"
	queuePubSub "github.com/JakeFAU/site-audit/internal/queue/pubsub"
	"github.com/JakeFAU/site-audit/internal/scan"
	"github.com/JakeFAU/site-audit/internal/selection"
	"github.com/JakeFAU/site-audit/internal/storage/gcs"
	"github.com/JakeFAU/site-audit/internal/storage/local"
	"github.com/JakeFAU/site-audit/internal/storage/memory"
	"github.com/JakeFAU/site-audit/internal/storage/postgres"
)

// App holds all the shared, long-lived services for the application.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	store        scan.JobStore
	events       *sinks.Broadcaster
	broker       scan.Broker
	orchestrator *pipeline.Orchestrator
	checks       []api.ReadinessCheck
	closers      []func() error
}

// New builds every service named by cfg. It fails fast if any provider cannot
// be initialized, releasing whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	logger.Info("initializing application services",
		zap.String("store", cfg.Store.Provider),
		zap.String("broker", cfg.Broker.Provider),
		zap.String("blob", cfg.Blob.Provider),
	)
	if err := a.init(ctx); err != nil {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("cleanup after failed init", zap.Error(closeErr))
		}
		return nil, err
	}
	logger.Info("application services initialized")
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	var err error
	store, err := a.newJobStore(ctx)
	if err != nil {
		return err
	}
	a.store = a.trackProgress(store)
	if a.broker, err = a.newBroker(ctx); err != nil {
		return err
	}
	blobs, err := a.newBlobStore(ctx)
	if err != nil {
		return err
	}
	loader, err := a.newLoader()
	if err != nil {
		return err
	}

	cfg := a.cfg
	a.orchestrator, err = pipeline.New(pipeline.Deps{
		Store:      a.store,
		Broker:     a.broker,
		Discoverer: discovery.New(loader, a.logger.Named("discovery")),
		Selector:   selection.New(a.newRanker(), cfg.SelectionTimeout(), a.logger.Named("selection")),
		Scraper:    loader,
		Blobs:      blobs,
		Hasher:     sha256.New(),
		Extractor:  extract.New(),
		Analyzer:   analyze.New(),
		IDs:        uuid.New(),
		Clock:      scan.SystemClock{},
	}, pipeline.Config{
		MaxPages:        cfg.Pipeline.MaxPages,
		TopN:            cfg.Pipeline.TopN,
		PageConcurrency: cfg.Pipeline.PageConcurrency,
		DefaultScanType: scan.ScanType(cfg.Pipeline.DefaultScanType),
		BlobPrefix:      cfg.Blob.Prefix,
		ContentType:     cfg.Blob.ContentType,
	}, a.logger.Named("pipeline"))
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	return nil
}

func (a *App) newJobStore(ctx context.Context) (scan.JobStore, error) {
	switch a.cfg.Store.Provider {
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("init job store: %w", err)
		}
		a.onClose(func() error { store.Close(); return nil })
		a.checks = append(a.checks, api.ReadinessCheck{Name: "postgres", Check: store.Ping})
		return store, nil
	case "memory", "":
		return memory.NewJobStore(), nil
	default:
		return nil, fmt.Errorf("unknown store provider: %s", a.cfg.Store.Provider)
	}
}

func (a *App) newBroker(ctx context.Context) (scan.Broker, error) {
	var (
		broker scan.Broker
		err    error
	)
	switch a.cfg.Broker.Provider {
	case "pubsub":
		broker, err = queuePubSub.New(ctx, queuePubSub.Config{
			ProjectID:          a.cfg.PubSub.ProjectID,
			TopicPrefix:        a.cfg.PubSub.TopicPrefix,
			SubscriptionSuffix: a.cfg.PubSub.SubscriptionSuffix,
			CreateMissing:      a.cfg.PubSub.CreateMissing,
			MaxDeliveries:      a.cfg.Broker.MaxDeliveries,
		}, a.logger.Named("pubsub"))
		if err != nil {
			return nil, fmt.Errorf("init broker: %w", err)
		}
	case "memory", "":
		broker = queueMemory.NewBroker(queueMemory.Config{
			QueueDepth:    a.cfg.Broker.QueueDepth,
			MaxDeliveries: a.cfg.Broker.MaxDeliveries,
			RevokeTTL:     time.Duration(a.cfg.Broker.RevokeTTLSeconds) * time.Second,
		}, a.logger.Named("broker"))
	default:
		return nil, fmt.Errorf("unknown broker provider: %s", a.cfg.Broker.Provider)
	}
	a.onClose(broker.Close)
	return broker, nil
}

func (a *App) newBlobStore(ctx context.Context) (scan.BlobStore, error) {
	switch a.cfg.Blob.Provider {
	case "gcs":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.onClose(client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Blob.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init blob store: %w", err)
		}
		return store, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Blob.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init blob store: %w", err)
		}
		return store, nil
	case "memory", "":
		return memory.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown blob provider: %s", a.cfg.Blob.Provider)
	}
}

func (a *App) newLoader() (*fetcher.Loader, error) {
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.HTTP.UserAgent,
		RespectRobots: a.cfg.HTTP.RespectRobots,
		Timeout:       a.cfg.HTTPTimeout(),
	})
	opts := []fetcher.Option{
		fetcher.WithRateLimiter(ratelimit.New(ratelimit.Config{
			RatePerHost: a.cfg.Discovery.RatePerHost,
			Burst:       a.cfg.Discovery.Burst,
		})),
		fetcher.WithRetryPolicy(fetcher.NewExponentialRetryPolicy(
			a.cfg.HTTP.MaxRetries+1,
			time.Duration(a.cfg.HTTP.BackoffInitialMs)*time.Millisecond,
			time.Duration(a.cfg.HTTP.BackoffMaxMs)*time.Millisecond,
		)),
		fetcher.WithLogger(a.logger.Named("fetcher")),
	}
	if a.cfg.Headless.Enabled {
		headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.HTTP.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSeconds) * time.Second,
			StaleRetries:      a.cfg.Discovery.StaleRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		a.onClose(func() error { headless.Close(); return nil })
		opts = append(opts, fetcher.WithHeadless(headless, detector.NewHeuristic(a.cfg.Headless.PromotionThreshold)))
	}
	return fetcher.NewLoader(static, opts...), nil
}

// newRanker returns nil when no model is configured, which sends selection
// straight to the keyword heuristic.
func (a *App) newRanker() scan.Ranker {
	if !a.cfg.LLM.Enabled {
		return nil
	}
	ranker, err := llm.NewRanker(llm.Config{
		BaseURL:   a.cfg.LLM.BaseURL,
		APIKey:    a.cfg.LLM.APIKey,
		Model:     a.cfg.LLM.Model,
		MaxTokens: a.cfg.LLM.MaxTokens,
	}, &http.Client{Timeout: a.cfg.SelectionTimeout()}, a.logger.Named("llm"))
	if err != nil {
		a.logger.Warn("llm ranker disabled", zap.Error(err))
		return nil
	}
	return ranker
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// trackProgress wraps store so every job write reaches live progress streams.
func (a *App) trackProgress(store scan.JobStore) scan.JobStore {
	logger := a.logger.Named("progress")
	a.events = sinks.NewBroadcaster(0)
	hub := progress.NewHub(progress.Config{Logger: logger}, a.events, sinks.NewLogSink(logger))
	a.onClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hub.Close(ctx)
	})
	return progress.NewStore(store, hub)
}

// Orchestrator returns the pipeline driver.
func (a *App) Orchestrator() *pipeline.Orchestrator {
	return a.orchestrator
}

// Store returns the configured job store.
func (a *App) Store() scan.JobStore {
	return a.store
}

// Broker returns the configured task broker.
func (a *App) Broker() scan.Broker {
	return a.broker
}

// Server builds the HTTP API on top of the pipeline.
func (a *App) Server() *api.Server {
	return api.NewServer(a.orchestrator, a.store, a.events, a.cfg, a.logger.Named("api"), a.checks...)
}

// Dispatcher builds worker pools for phases, or for every queue when phases is empty.
func (a *App) Dispatcher(phases []scan.Phase) (*dispatcher.Dispatcher, error) {
	concurrency := a.cfg.QueueConcurrency()
	if len(phases) > 0 {
		selected := make(map[string]int, len(phases))
		for _, p := range phases {
			selected[p.Queue()] = concurrency[p.Queue()]
		}
		concurrency = selected
	}
	d, err := dispatcher.New(a.broker, a.orchestrator, concurrency, a.cfg.TaskTimeLimit(), a.logger.Named("worker"))
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}
	return d, nil
}

// Close shuts down services in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
