package dispatcher

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-audit/internal/queue"
	"github.com/JakeFAU/site-audit/internal/queue/memory"
	"github.com/JakeFAU/site-audit/internal/scan"
)

func noopHandler() scan.TaskHandler {
	return scan.TaskHandlerFunc(func(context.Context, scan.Task) error { return nil })
}

func TestNewSkipsDisabledQueues(t *testing.T) {
	t.Parallel()

	d, err := New(memory.NewBroker(memory.Config{}, nil), noopHandler(), map[string]int{
		"scan.discovery": 2,
		"scan.selection": 0,
		"default":        1,
	}, 0, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"default", "scan.discovery"}, d.Queues())

	_, err = New(memory.NewBroker(memory.Config{}, nil), noopHandler(), map[string]int{"x": 0}, 0, nil)
	require.Error(t, err)
}

func TestRunConsumesEveryQueue(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(memory.Config{QueueDepth: 8}, nil)
	var (
		mu   sync.Mutex
		seen []string
	)
	handler := scan.TaskHandlerFunc(func(_ context.Context, task scan.Task) error {
		mu.Lock()
		seen = append(seen, string(task.Phase))
		mu.Unlock()
		return nil
	})
	d, err := New(broker, handler, map[string]int{
		scan.PhaseDiscovery.Queue(): 1,
		scan.PhaseScraping.Queue():  2,
	}, time.Minute, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.NoError(t, broker.Publish(ctx, scan.PhaseDiscovery.Queue(), scan.Task{JobID: "j", Phase: scan.PhaseDiscovery}))
	require.NoError(t, broker.Publish(ctx, scan.PhaseScraping.Queue(), scan.Task{JobID: "j", Phase: scan.PhaseScraping}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
	mu.Lock()
	sort.Strings(seen)
	require.Equal(t, []string{"discovery", "scraping"}, seen)
	mu.Unlock()
}

func TestRunReturnsWorkerFailure(t *testing.T) {
	t.Parallel()

	broker := &queue.MockBroker{}
	broker.On("Consume", mock.Anything, "default", 1, mock.Anything).Return(queue.ErrClosed)
	d, err := New(broker, noopHandler(), map[string]int{"default": 1}, 0, nil)
	require.NoError(t, err)

	err = d.Run(context.Background())
	require.ErrorIs(t, err, queue.ErrClosed)
}
