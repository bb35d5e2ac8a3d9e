// Package bus provides per-run publish/subscribe for the live status feed.
// Delivery is best-effort: a slow subscriber loses events rather than
// stalling the producer; final persisted state never depends on the feed.
package bus

import (
	"sync"
	"time"
)

const defaultChannelBuffer = 64

// Event is an immutable fact published on the bus.
type Event struct {
	RunID     string         `json:"run_id"`
	ItemID    string         `json:"item_id,omitempty"`
	Type      string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// subscriber holds one receiver's channel.
type subscriber struct {
	ch chan Event
}

// runChannel is the logical channel for one run.
type runChannel struct {
	subs      map[uint64]*subscriber
	completed bool
}

// Bus is an in-memory event bus with one logical channel per run, created
// lazily on first publish or subscribe.
type Bus struct {
	mu      sync.Mutex
	runs    map[string]*runChannel
	nextSub uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{runs: make(map[string]*runChannel)}
}

// Publish delivers the event to all current subscribers of its run.
// Non-blocking: events are dropped for subscribers whose buffers are full.
// Publishing to a completed run is a no-op.
func (b *Bus) Publish(runID string, event Event) {
	event.RunID = runID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rc := b.channel(runID)
	if rc.completed {
		return
	}
	for _, sub := range rc.subs {
		select {
		case sub.ch <- event:
		default:
			// backpressure: drop event for slow subscriber
		}
	}
}

// Subscribe returns a channel of events for the run and a cancel function.
// Subscribing to an already-completed run returns a closed channel.
func (b *Bus) Subscribe(runID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rc := b.channel(runID)
	ch := make(chan Event, defaultChannelBuffer)
	if rc.completed {
		close(ch)
		return ch, func() {}
	}

	b.nextSub++
	id := b.nextSub
	rc.subs[id] = &subscriber{ch: ch}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := rc.subs[id]; ok {
			delete(rc.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel
}

// Complete closes the run's channel: all subscriber channels are closed and
// further publishes are dropped. Safe to call more than once.
func (b *Bus) Complete(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rc := b.channel(runID)
	if rc.completed {
		return
	}
	rc.completed = true
	for id, sub := range rc.subs {
		delete(rc.subs, id)
		close(sub.ch)
	}
}

// channel returns the run's channel, creating it lazily. Caller holds b.mu.
func (b *Bus) channel(runID string) *runChannel {
	rc, ok := b.runs[runID]
	if !ok {
		rc = &runChannel{subs: make(map[uint64]*subscriber)}
		b.runs[runID] = rc
	}
	return rc
}
