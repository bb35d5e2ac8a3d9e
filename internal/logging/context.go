package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	itemIDKey
	decisionIDKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithItemID returns a context with the item ID set.
func WithItemID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, itemIDKey, id)
}

// WithDecisionID returns a context with the decision ID set.
func WithDecisionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, decisionIDKey, id)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// ItemID extracts the item ID from the context, or "" if absent.
func ItemID(ctx context.Context) string {
	v, _ := ctx.Value(itemIDKey).(string)
	return v
}

// DecisionID extracts the decision ID from the context, or "" if absent.
func DecisionID(ctx context.Context) string {
	v, _ := ctx.Value(decisionIDKey).(string)
	return v
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := ItemID(ctx); v != "" {
		r.AddAttrs(slog.String("item_id", v))
	}
	if v := DecisionID(ctx); v != "" {
		r.AddAttrs(slog.String("decision_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
