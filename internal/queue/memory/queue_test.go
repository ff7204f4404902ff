package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-audit/internal/queue"
	"github.com/JakeFAU/site-audit/internal/scan"
)

func task(jobID string) scan.Task {
	return scan.Task{ID: "t-" + jobID, JobID: jobID, Phase: scan.PhaseDiscovery, Attempt: 1}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.dequeue(ctx); err == nil || err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	if err := q.enqueue(context.Background(), envelope{}); err != nil {
		t.Fatalf("failed to prime queue: %v", err)
	}
	if err := q.enqueue(ctx, envelope{}); err == nil || err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	q.Close()
	if _, err := q.dequeue(context.Background()); err == nil || err.Error() != "queue closed" {
		t.Fatalf("expected queue closed error, got %v", err)
	}
	q.Close()
}

func TestBrokerPublishConsume(t *testing.T) {
	t.Parallel()

	b := NewBroker(Config{QueueDepth: 4, MaxDeliveries: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, scan.PhaseDiscovery.Queue(), task("job-1")))
	require.Equal(t, 1, b.Pending(scan.PhaseDiscovery.Queue()))

	got := make(chan scan.Task, 1)
	done := make(chan error, 1)
	go func() {
		done <- b.Consume(ctx, scan.PhaseDiscovery.Queue(), 2, scan.TaskHandlerFunc(func(_ context.Context, tk scan.Task) error {
			got <- tk
			return nil
		}))
	}()

	select {
	case tk := <-got:
		require.Equal(t, "job-1", tk.JobID)
		require.Equal(t, 1, tk.Attempt)
	case <-time.After(time.Second):
		t.Fatal("task was not delivered")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestBrokerRedeliversUntilLimit(t *testing.T) {
	t.Parallel()

	b := NewBroker(Config{QueueDepth: 4, MaxDeliveries: 3}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		attempts []int
	)
	var calls atomic.Int32
	go func() {
		_ = b.Consume(ctx, scan.PhaseScraping.Queue(), 1, scan.TaskHandlerFunc(func(_ context.Context, tk scan.Task) error {
			mu.Lock()
			attempts = append(attempts, tk.Attempt)
			mu.Unlock()
			calls.Add(1)
			return errors.New("transient")
		}))
	}()
	require.NoError(t, b.Publish(ctx, scan.PhaseScraping.Queue(), task("job-2")))

	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 3, calls.Load())
	mu.Lock()
	require.Equal(t, []int{1, 2, 3}, attempts)
	mu.Unlock()
}

func TestBrokerRevokeDropsTasks(t *testing.T) {
	t.Parallel()

	b := NewBroker(Config{QueueDepth: 4}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, scan.PhaseSelection.Queue(), task("job-3")))
	require.NoError(t, b.Revoke(ctx, "job-3"))
	require.NoError(t, b.Publish(ctx, scan.PhaseSelection.Queue(), task("job-3")))
	require.Equal(t, 1, b.Pending(scan.PhaseSelection.Queue()))

	var handled atomic.Int32
	go func() {
		_ = b.Consume(ctx, scan.PhaseSelection.Queue(), 1, scan.TaskHandlerFunc(func(context.Context, scan.Task) error {
			handled.Add(1)
			return nil
		}))
	}()
	require.Eventually(t, func() bool { return b.Pending(scan.PhaseSelection.Queue()) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, handled.Load())
}

func TestBrokerClosedRejectsPublish(t *testing.T) {
	t.Parallel()

	b := NewBroker(Config{}, nil)
	require.NoError(t, b.Close())
	err := b.Publish(context.Background(), scan.DefaultQueue, task("job-4"))
	require.ErrorIs(t, err, queue.ErrClosed)
}

type deadLetterRecorder struct {
	dead chan error
}

func (deadLetterRecorder) HandleTask(context.Context, scan.Task) error {
	return errors.New("store unavailable")
}

func (r deadLetterRecorder) HandleDeadLetter(_ context.Context, _ scan.Task, cause error) {
	r.dead <- cause
}

func TestBrokerDeadLettersExhaustedTask(t *testing.T) {
	t.Parallel()

	b := NewBroker(Config{QueueDepth: 4, MaxDeliveries: 2}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := deadLetterRecorder{dead: make(chan error, 2)}
	go func() { _ = b.Consume(ctx, scan.PhaseAnalysis.Queue(), 1, rec) }()
	require.NoError(t, b.Publish(ctx, scan.PhaseAnalysis.Queue(), task("job-5")))

	select {
	case cause := <-rec.dead:
		require.EqualError(t, cause, "store unavailable")
	case <-time.After(time.Second):
		t.Fatal("exhausted task was not dead-lettered")
	}
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, rec.dead)
}

func TestBrokerRevocationsExpire(t *testing.T) {
	t.Parallel()

	b := NewBroker(Config{QueueDepth: 4, RevokeTTL: time.Minute}, nil)
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, b.Revoke(ctx, "job-old"))
	require.True(t, b.isRevoked("job-old"))

	now = now.Add(2 * time.Minute)
	require.False(t, b.isRevoked("job-old"))
	require.NoError(t, b.Publish(ctx, scan.PhaseDiscovery.Queue(), task("job-old")))
	require.Equal(t, 1, b.Pending(scan.PhaseDiscovery.Queue()))

	require.NoError(t, b.Revoke(ctx, "job-new"))
	require.Equal(t, 1, b.Revoked())
	require.True(t, b.isRevoked("job-new"))
}
