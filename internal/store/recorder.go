package store

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/punchlab/punchline/internal/bus"
)

// Recorder mirrors pipeline events into the audit log. Recording is
// best effort: a failed append is logged and never blocks the pipeline.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder backed by the given store.
func NewRecorder(s Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, logger: logger}
}

// Record appends the event to the audit log.
func (r *Recorder) Record(ctx context.Context, ev bus.Event) {
	var payload json.RawMessage
	if len(ev.Payload) > 0 {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			r.logger.WarnContext(ctx, "audit payload marshal failed",
				slog.String("event_type", ev.Type), slog.String("error", err.Error()))
		} else {
			payload = raw
		}
	}

	e := &Event{
		RunID:     ev.RunID,
		ItemID:    ev.ItemID,
		Type:      ev.Type,
		Payload:   payload,
		Timestamp: ev.Timestamp,
	}
	if err := r.store.AppendEvent(ctx, e); err != nil {
		r.logger.WarnContext(ctx, "audit append failed",
			slog.String("event_type", ev.Type), slog.String("error", err.Error()))
	}
}
