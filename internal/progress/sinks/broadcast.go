package sinks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/site-audit/internal/progress"
)

const defaultSubscriberBuffer = 16

// Broadcaster delivers each event to the subscribers of its job. A subscriber
// that falls behind misses events rather than stalling the hub.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[string]map[chan progress.Event]struct{}
	buffer  int
	closed  bool
	dropped atomic.Int64
}

// NewBroadcaster builds a Broadcaster whose subscriber channels hold buffer events.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Broadcaster{subs: make(map[string]map[chan progress.Event]struct{}), buffer: buffer}
}

// Subscribe registers interest in jobID. The returned func ends the
// subscription and closes the channel; Close does the same for every
// subscriber.
func (b *Broadcaster) Subscribe(jobID string) (<-chan progress.Event, func()) {
	ch := make(chan progress.Event, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[chan progress.Event]struct{})
		b.subs[jobID] = set
	}
	set[ch] = struct{}{}
	return ch, func() { b.unsubscribe(jobID, ch) }
}

func (b *Broadcaster) unsubscribe(jobID string, ch chan progress.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[jobID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(b.subs, jobID)
	}
}

// Subscribers reports how many subscriptions jobID has.
func (b *Broadcaster) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// Dropped reports how many events were skipped for slow subscribers.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Consume hands every event to the subscribers of its job without blocking.
func (b *Broadcaster) Consume(_ context.Context, batch []progress.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evt := range batch {
		for ch := range b.subs[evt.JobID] {
			select {
			case ch <- evt:
			default:
				b.dropped.Add(1)
			}
		}
	}
	return nil
}

// Close ends every subscription.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for jobID, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, jobID)
	}
	return nil
}
