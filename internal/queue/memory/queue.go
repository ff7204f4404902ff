// Package memory provides an in-process broker for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/queue"
	"github.com/JakeFAU/site-audit/internal/scan"
)

type envelope struct {
	body       []byte
	deliveries int
}

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan envelope
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan envelope, capacity)}
}

func (q *Queue) enqueue(ctx context.Context, env envelope) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- env:
		return nil
	}
}

func (q *Queue) dequeue(ctx context.Context) (envelope, error) {
	select {
	case <-ctx.Done():
		return envelope{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case env, ok := <-q.ch:
		if !ok {
			return envelope{}, errors.New("queue closed")
		}
		return env, nil
	}
}

// Len reports the number of buffered messages.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}

// Broker routes tasks through named in-memory queues. Failed deliveries are
// retried until maxDeliveries is reached, then handed to the handler's
// dead-letter hook.
type Broker struct {
	mu            sync.Mutex
	queues        map[string]*Queue
	revoked       map[string]time.Time
	revokeTTL     time.Duration
	now           func() time.Time
	depth         int
	maxDeliveries int
	closed        bool
	logger        *zap.Logger
}

// Config controls queue sizing, redelivery and how long revocations are kept.
type Config struct {
	QueueDepth    int
	MaxDeliveries int
	RevokeTTL     time.Duration
}

// DefaultRevokeTTL bounds how long a revoked job id is remembered.
const DefaultRevokeTTL = time.Hour

// NewBroker constructs a Broker.
func NewBroker(cfg Config, logger *zap.Logger) *Broker {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 1
	}
	if cfg.RevokeTTL <= 0 {
		cfg.RevokeTTL = DefaultRevokeTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		queues:        make(map[string]*Queue),
		revoked:       make(map[string]time.Time),
		revokeTTL:     cfg.RevokeTTL,
		now:           time.Now,
		depth:         cfg.QueueDepth,
		maxDeliveries: cfg.MaxDeliveries,
		logger:        logger,
	}
}

func (b *Broker) queue(name string) (*Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, queue.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		q = NewQueue(b.depth)
		b.queues[name] = q
	}
	return q, nil
}

func (b *Broker) isRevoked(jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	at, ok := b.revoked[jobID]
	return ok && b.now().Sub(at) < b.revokeTTL
}

// Publish enqueues task on the named queue. Tasks for revoked jobs are dropped.
func (b *Broker) Publish(ctx context.Context, name string, task scan.Task) error {
	if b.isRevoked(task.JobID) {
		return nil
	}
	body, err := queue.Encode(task)
	if err != nil {
		return err
	}
	q, err := b.queue(name)
	if err != nil {
		return err
	}
	return q.enqueue(ctx, envelope{body: body, deliveries: 0})
}

// Consume runs up to concurrency handlers against the named queue until ctx ends.
func (b *Broker) Consume(ctx context.Context, name string, concurrency int, handler scan.TaskHandler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	q, err := b.queue(name)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.consumeLoop(ctx, name, q, handler)
		}()
	}
	wg.Wait()
	return nil
}

func (b *Broker) consumeLoop(ctx context.Context, name string, q *Queue, handler scan.TaskHandler) {
	for {
		env, err := q.dequeue(ctx)
		if err != nil {
			return
		}
		task, err := queue.Decode(env.body)
		if err != nil {
			b.logger.Warn("dropping undecodable task", zap.String("queue", name), zap.Error(err))
			continue
		}
		if b.isRevoked(task.JobID) {
			b.logger.Debug("dropping revoked task", zap.String("queue", name), zap.String("job_id", task.JobID))
			continue
		}
		env.deliveries++
		task.Attempt = task.Attempt + env.deliveries - 1
		if err := handler.HandleTask(ctx, task); err != nil {
			b.redeliver(ctx, name, q, handler, env, task, err)
		}
	}
}

func (b *Broker) redeliver(ctx context.Context, name string, q *Queue, handler scan.TaskHandler, env envelope, task scan.Task, cause error) {
	fields := []zap.Field{
		zap.String("queue", name),
		zap.String("job_id", task.JobID),
		zap.Int("delivery", env.deliveries),
		zap.Error(cause),
	}
	if ctx.Err() != nil {
		b.logger.Warn("task dropped on shutdown", fields...)
		return
	}
	if env.deliveries >= b.maxDeliveries {
		b.logger.Error("task delivery exhausted", fields...)
		queue.DeadLetter(ctx, handler, task, cause)
		return
	}
	b.logger.Warn("redelivering task", fields...)
	go func() {
		if err := q.enqueue(ctx, env); err != nil {
			b.logger.Warn("redelivery dropped", zap.String("queue", name), zap.Error(err))
		}
	}()
}

// Revoke drops every queued and future task for jobID until the revocation
// expires. Expired revocations are pruned on each call.
func (b *Broker) Revoke(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for id, at := range b.revoked {
		if now.Sub(at) >= b.revokeTTL {
			delete(b.revoked, id)
		}
	}
	b.revoked[jobID] = now
	return nil
}

// Revoked reports how many revocations are currently held.
func (b *Broker) Revoked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.revoked)
}

// Pending reports buffered messages on a queue.
func (b *Broker) Pending(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.Len()
	}
	return 0
}

// Close rejects further publishes. Consumers stop when their context ends.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
