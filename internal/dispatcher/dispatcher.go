// Package dispatcher runs one worker per queue and manages their lifecycle.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/site-audit/internal/scan"
	"github.com/JakeFAU/site-audit/internal/worker"
)

// Dispatcher fans queue work out to a set of workers.
type Dispatcher struct {
	workers []*worker.Worker
	logger  *zap.Logger
}

// New builds a worker for every queue in concurrency. Queues with a
// non-positive concurrency are skipped.
func New(
	broker scan.Broker,
	handler scan.TaskHandler,
	concurrency map[string]int,
	timeLimit time.Duration,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	queues := make([]string, 0, len(concurrency))
	for q, n := range concurrency {
		if n > 0 {
			queues = append(queues, q)
		}
	}
	if len(queues) == 0 {
		return nil, errors.New("dispatcher: no queues to consume")
	}
	sort.Strings(queues)

	workers := make([]*worker.Worker, 0, len(queues))
	for _, q := range queues {
		w, err := worker.New(broker, handler, worker.Config{
			Queue:       q,
			Concurrency: concurrency[q],
			TimeLimit:   timeLimit,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("build worker for %s: %w", q, err)
		}
		workers = append(workers, w)
	}
	return &Dispatcher{workers: workers, logger: logger}, nil
}

// Queues lists the queues being consumed, sorted.
func (d *Dispatcher) Queues() []string {
	out := make([]string, len(d.workers))
	for i, w := range d.workers {
		out[i] = w.Queue()
	}
	return out
}

// Run starts all workers and blocks until the context finishes or one fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	d.logger.Info("dispatcher running", zap.Strings("queues", d.Queues()))
	if err := g.Wait(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	return nil
}
