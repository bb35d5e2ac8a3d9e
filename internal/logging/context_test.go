package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RunID(ctx))
	assert.Empty(t, ItemID(ctx))
	assert.Empty(t, DecisionID(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithItemID(ctx, "run-1-3")
	ctx = WithDecisionID(ctx, "dec-9")

	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "run-1-3", ItemID(ctx))
	assert.Equal(t, "dec-9", DecisionID(ctx))
}

func TestCorrelationHandlerInjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithItemID(WithRunID(context.Background(), "run-7"), "run-7-1")
	logger.InfoContext(ctx, "stored")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "run-7", record["run_id"])
	assert.Equal(t, "run-7-1", record["item_id"])
	_, hasDecision := record["decision_id"]
	assert.False(t, hasDecision)
}

func TestCorrelationHandlerPlainContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.Info("no correlation")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	_, ok := record["run_id"]
	assert.False(t, ok)
}
