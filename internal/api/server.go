package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/config"
	"github.com/JakeFAU/site-audit/internal/metrics"
	"github.com/JakeFAU/site-audit/internal/pipeline"
	"github.com/JakeFAU/site-audit/internal/progress"
	"github.com/JakeFAU/site-audit/internal/scan"
)

const (
	defaultRequestTimeout  = 60 * time.Second
	defaultStreamHeartbeat = 30 * time.Second
	defaultStreamPoll      = 2 * time.Second
	defaultStreamMax       = 5 * time.Minute
)

// Service is the write side of the API: job submission, cancellation and the
// synchronous discovery run.
type Service interface {
	Submit(ctx context.Context, target scan.Target) (scan.Job, error)
	Cancel(ctx context.Context, jobID string) (scan.Job, error)
	DiscoverAndSelect(ctx context.Context, rawURL string) (pipeline.DiscoveryResult, error)
}

// JobReader is the read side the polling endpoints need.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (scan.Job, error)
	ListPages(ctx context.Context, jobID string) ([]scan.Page, error)
	ListJobs(ctx context.Context, filter scan.JobFilter) ([]scan.Job, error)
}

// ProgressSource feeds live job events to the stream endpoint. Without one the
// stream falls back to polling the store.
type ProgressSource interface {
	Subscribe(jobID string) (<-chan progress.Event, func())
}

type streamConfig struct {
	heartbeat time.Duration
	poll      time.Duration
	max       time.Duration
}

// ReadinessCheck is a named dependency check run by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server wires HTTP handlers to the pipeline and job store.
type Server struct {
	router   chi.Router
	service  Service
	jobs     JobReader
	progress ProgressSource
	stream   streamConfig
	checks   []ReadinessCheck
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	service Service,
	jobs JobReader,
	events ProgressSource,
	cfg config.Config,
	logger *zap.Logger,
	checks ...ReadinessCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service:  service,
		jobs:     jobs,
		progress: events,
		stream: streamConfig{
			heartbeat: secondsOr(cfg.Server.StreamHeartbeatSeconds, defaultStreamHeartbeat),
			poll:      secondsOr(cfg.Server.StreamPollSeconds, defaultStreamPoll),
			max:       secondsOr(cfg.Server.StreamMaxSeconds, defaultStreamMax),
		},
		checks: checks,
		logger: logger,
	}
	timeout := secondsOr(cfg.Server.RequestTimeoutSeconds, defaultRequestTimeout)
	scanAuth := func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(recoverMiddleware(logger))

	// http.TimeoutHandler buffers the response, so streams live outside it.
	r.Group(func(r chi.Router) {
		scanAuth(r)
		r.Get("/scan/{job_id}/stream", s.streamStatus)
	})

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))

		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())

		r.Group(func(r chi.Router) {
			scanAuth(r)
			r.Post("/scan/start-async", s.startScan)
			r.Get("/scan/history", s.listHistory)
			r.Get("/scan/{job_id}/status", s.getStatus)
			r.Get("/scan/{job_id}/results", s.getResults)
			r.Get("/scan/{job_id}/pages", s.listPages)
			r.Post("/scan/{job_id}/cancel", s.cancelScan)
		})
		r.With(apiKeyMiddleware(cfg.Auth.APIKey)).Post("/scan/discovery/discover-urls", s.discoverURLs)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	failing := map[string]string{}
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			failing[c.Name] = err.Error()
		}
	}
	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failing": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func secondsOr(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
