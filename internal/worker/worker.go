// Package worker runs a task handler against one broker queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/metrics"
	"github.com/JakeFAU/site-audit/internal/scan"
)

// Config controls Worker behavior.
type Config struct {
	Queue       string
	Concurrency int
	// TimeLimit bounds a single task. Zero disables the limit.
	TimeLimit time.Duration
}

// Worker consumes one queue and hands each task to the handler.
type Worker struct {
	broker  scan.Broker
	handler scan.TaskHandler
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker.
func New(broker scan.Broker, handler scan.TaskHandler, cfg Config, logger *zap.Logger) (*Worker, error) {
	if broker == nil {
		return nil, errors.New("worker: broker is required")
	}
	if handler == nil {
		return nil, errors.New("worker: handler is required")
	}
	if cfg.Queue == "" {
		return nil, errors.New("worker: queue is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		broker:  broker,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With(zap.String("queue", cfg.Queue)),
	}, nil
}

// Queue returns the queue this worker consumes.
func (w *Worker) Queue() string {
	return w.cfg.Queue
}

// Run blocks, consuming tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", zap.Int("concurrency", w.cfg.Concurrency))
	defer w.logger.Info("worker stopped")
	if err := w.broker.Consume(ctx, w.cfg.Queue, w.cfg.Concurrency, taskHandler{w}); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("consume %s: %w", w.cfg.Queue, err)
	}
	return nil
}

// taskHandler is what the broker sees: handle for every delivery and the
// wrapped handler's dead-letter hook once deliveries run out.
type taskHandler struct{ w *Worker }

func (h taskHandler) HandleTask(ctx context.Context, task scan.Task) error {
	return h.w.handle(ctx, task)
}

func (h taskHandler) HandleDeadLetter(ctx context.Context, task scan.Task, cause error) {
	dl, ok := h.w.handler.(scan.DeadLetterHandler)
	if !ok {
		h.w.logger.Warn("no dead-letter handler, task discarded", zap.String("job_id", task.JobID), zap.Error(cause))
		return
	}
	dl.HandleDeadLetter(ctx, task, cause)
}

func (w *Worker) handle(ctx context.Context, task scan.Task) (err error) {
	metrics.IncActiveWorkers(w.cfg.Queue)
	defer metrics.DecActiveWorkers(w.cfg.Queue)

	start := time.Now()
	logger := w.logger.With(
		zap.String("job_id", task.JobID),
		zap.String("task_id", task.ID),
		zap.String("phase", string(task.Phase)),
		zap.Int("attempt", task.Attempt),
	)

	taskCtx, span := otel.Tracer("siteaudit/worker").Start(ctx, "task "+w.cfg.Queue)
	span.SetAttributes(
		attribute.String("job_id", task.JobID),
		attribute.String("phase", string(task.Phase)),
		attribute.Int("attempt", task.Attempt),
	)
	if w.cfg.TimeLimit > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeoutCause(taskCtx, w.cfg.TimeLimit, scan.ErrTimeLimit)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("task panicked: %v", r)
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.ObserveTask(w.cfg.Queue, outcome, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger.Debug("task received")
	if err = w.handler.HandleTask(taskCtx, task); err != nil {
		logger.Warn("task failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return err
	}
	logger.Debug("task done", zap.Duration("elapsed", time.Since(start)))
	return nil
}
