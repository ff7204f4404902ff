package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-audit/internal/queue"
	"github.com/JakeFAU/site-audit/internal/scan"
)

// inlineBroker delivers a fixed list of tasks synchronously.
type inlineBroker struct {
	tasks   []scan.Task
	results []error
}

func (b *inlineBroker) Publish(context.Context, string, scan.Task) error { return nil }

func (b *inlineBroker) Consume(ctx context.Context, _ string, _ int, h scan.TaskHandler) error {
	for _, task := range b.tasks {
		b.results = append(b.results, h.HandleTask(ctx, task))
	}
	return nil
}

func (b *inlineBroker) Close() error { return nil }

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	h := scan.TaskHandlerFunc(func(context.Context, scan.Task) error { return nil })
	_, err := New(nil, h, Config{Queue: "q"}, nil)
	require.Error(t, err)
	_, err = New(&inlineBroker{}, nil, Config{Queue: "q"}, nil)
	require.Error(t, err)
	_, err = New(&inlineBroker{}, h, Config{}, nil)
	require.Error(t, err)

	w, err := New(&inlineBroker{}, h, Config{Queue: "scan.discovery"}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, w.cfg.Concurrency)
	require.Equal(t, "scan.discovery", w.Queue())
}

func TestRunPassesHandlerErrorsToBroker(t *testing.T) {
	t.Parallel()

	boom := errors.New("store down")
	broker := &inlineBroker{tasks: []scan.Task{{JobID: "a"}, {JobID: "b"}}}
	h := scan.TaskHandlerFunc(func(_ context.Context, task scan.Task) error {
		if task.JobID == "b" {
			return boom
		}
		return nil
	})
	w, err := New(broker, h, Config{Queue: "scan.selection"}, nil)
	require.NoError(t, err)

	require.NoError(t, w.Run(context.Background()))
	require.Len(t, broker.results, 2)
	require.NoError(t, broker.results[0])
	require.ErrorIs(t, broker.results[1], boom)
}

func TestRunRecoversPanics(t *testing.T) {
	t.Parallel()

	broker := &inlineBroker{tasks: []scan.Task{{JobID: "a"}}}
	h := scan.TaskHandlerFunc(func(context.Context, scan.Task) error { panic("nil map") })
	w, err := New(broker, h, Config{Queue: "scan.extraction"}, nil)
	require.NoError(t, err)

	require.NoError(t, w.Run(context.Background()))
	require.ErrorContains(t, broker.results[0], "task panicked: nil map")
}

func TestRunAppliesTimeLimitCause(t *testing.T) {
	t.Parallel()

	broker := &inlineBroker{tasks: []scan.Task{{JobID: "slow"}}}
	var cause error
	h := scan.TaskHandlerFunc(func(ctx context.Context, _ scan.Task) error {
		<-ctx.Done()
		cause = context.Cause(ctx)
		return nil
	})
	w, err := New(broker, h, Config{Queue: "scan.scraping", TimeLimit: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	require.NoError(t, w.Run(context.Background()))
	require.ErrorIs(t, cause, scan.ErrTimeLimit)
}

func TestRunWrapsConsumeErrors(t *testing.T) {
	t.Parallel()

	broker := &queue.MockBroker{}
	broker.On("Consume", mock.Anything, "scan.analysis", 3, mock.Anything).Return(queue.ErrClosed)
	h := scan.TaskHandlerFunc(func(context.Context, scan.Task) error { return nil })
	w, err := New(broker, h, Config{Queue: "scan.analysis", Concurrency: 3}, nil)
	require.NoError(t, err)

	err = w.Run(context.Background())
	require.ErrorIs(t, err, queue.ErrClosed)
	broker.AssertExpectations(t)
}

func TestRunSwallowsErrorsAfterShutdown(t *testing.T) {
	t.Parallel()

	broker := &queue.MockBroker{}
	broker.On("Consume", mock.Anything, "default", 1, mock.Anything).Return(context.Canceled)
	h := scan.TaskHandlerFunc(func(context.Context, scan.Task) error { return nil })
	w, err := New(broker, h, Config{Queue: "default"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))
}

type deadLetterBroker struct {
	inlineBroker
	cause error
}

func (b *deadLetterBroker) Consume(ctx context.Context, q string, n int, h scan.TaskHandler) error {
	if err := b.inlineBroker.Consume(ctx, q, n, h); err != nil {
		return err
	}
	for i, task := range b.tasks {
		if b.results[i] != nil {
			queue.DeadLetter(ctx, h, task, b.results[i])
		}
	}
	return nil
}

type failingHandler struct {
	dead []string
}

func (*failingHandler) HandleTask(context.Context, scan.Task) error { return errors.New("store down") }

func (h *failingHandler) HandleDeadLetter(_ context.Context, task scan.Task, cause error) {
	h.dead = append(h.dead, task.JobID+": "+cause.Error())
}

func TestRunForwardsDeadLetters(t *testing.T) {
	t.Parallel()

	broker := &deadLetterBroker{inlineBroker: inlineBroker{tasks: []scan.Task{{JobID: "a"}}}}
	h := &failingHandler{}
	w, err := New(broker, h, Config{Queue: "scan.analysis"}, nil)
	require.NoError(t, err)

	require.NoError(t, w.Run(context.Background()))
	require.Equal(t, []string{"a: store down"}, h.dead)

	// Plain handlers have no hook; the wrapper still accepts the dead letter.
	plain := scan.TaskHandlerFunc(func(context.Context, scan.Task) error { return errors.New("boom") })
	w, err = New(&deadLetterBroker{inlineBroker: inlineBroker{tasks: []scan.Task{{JobID: "b"}}}}, plain, Config{Queue: "scan.analysis"}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Run(context.Background()))
}
