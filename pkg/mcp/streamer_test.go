package mcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchlab/punchline/internal/bus"
)

func TestEventStreamerWatchIsIdempotent(t *testing.T) {
	b := bus.New()
	es := NewEventStreamer(b, nil)

	es.Watch("run-1")
	es.Watch("run-1")

	es.mu.Lock()
	watched := len(es.watched)
	es.mu.Unlock()
	assert.Equal(t, 1, watched)

	b.Complete("run-1")

	require.Eventually(t, func() bool {
		es.mu.Lock()
		defer es.mu.Unlock()
		return len(es.watched) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestEventStreamerWithoutServerDropsEvents(t *testing.T) {
	b := bus.New()
	es := NewEventStreamer(b, nil)
	es.Watch("run-1")

	// No panic with no attached server.
	b.Publish("run-1", bus.Event{Type: "joke_generated", Timestamp: time.Now()})
	b.Complete("run-1")

	require.Eventually(t, func() bool {
		es.mu.Lock()
		defer es.mu.Unlock()
		return len(es.watched) == 0
	}, time.Second, 5*time.Millisecond)
}
