package mcp

import (
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/punchlab/punchline/internal/bus"
)

// EventStreamer forwards a run's bus events to connected MCP clients as
// notifications. Delivery is best-effort, same as the bus itself: clients
// that need the complete record read punchline.events instead.
type EventStreamer struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu        sync.Mutex
	mcpServer *server.MCPServer
	watched   map[string]struct{}
}

// NewEventStreamer creates a streamer over the given bus.
func NewEventStreamer(b *bus.Bus, logger *slog.Logger) *EventStreamer {
	return &EventStreamer{
		bus:     b,
		logger:  logger,
		watched: make(map[string]struct{}),
	}
}

// attach binds the streamer to the server it notifies through.
func (es *EventStreamer) attach(mcpServer *server.MCPServer) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.mcpServer = mcpServer
}

// Watch subscribes to a run's feed and forwards each event until the run
// completes. Watching the same run twice is a no-op.
func (es *EventStreamer) Watch(runID string) {
	es.mu.Lock()
	if _, ok := es.watched[runID]; ok {
		es.mu.Unlock()
		return
	}
	es.watched[runID] = struct{}{}
	es.mu.Unlock()

	ch, cancel := es.bus.Subscribe(runID)
	go es.forward(runID, ch, cancel)
}

func (es *EventStreamer) forward(runID string, ch <-chan bus.Event, cancel func()) {
	defer cancel()
	defer func() {
		es.mu.Lock()
		delete(es.watched, runID)
		es.mu.Unlock()
	}()

	for ev := range ch {
		es.notify(ev)
	}
	if es.logger != nil {
		es.logger.Debug("event stream closed", "run_id", runID)
	}
}

func (es *EventStreamer) notify(ev bus.Event) {
	es.mu.Lock()
	srv := es.mcpServer
	es.mu.Unlock()
	if srv == nil {
		return
	}

	payload := map[string]any{
		"run_id":     ev.RunID,
		"event_type": ev.Type,
		"timestamp":  ev.Timestamp,
	}
	if ev.ItemID != "" {
		payload["item_id"] = ev.ItemID
	}
	if len(ev.Payload) > 0 {
		payload["payload"] = ev.Payload
	}

	srv.SendNotificationToAllClients("notifications/message", payload)
}
