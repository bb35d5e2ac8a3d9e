package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchlab/punchline/internal/approval"
	"github.com/punchlab/punchline/internal/checkpoint"
	"github.com/punchlab/punchline/internal/engine"
	"github.com/punchlab/punchline/internal/index"
	"github.com/punchlab/punchline/internal/store"
	"github.com/punchlab/punchline/pkg/schema"
)

// --- Mock engine ---

type mockEngine struct {
	runs    map[string]*engine.Run
	items   map[string][]engine.Item
	stopped []string

	startOpts *engine.RunOptions
	startErr  error
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		runs:  make(map[string]*engine.Run),
		items: make(map[string][]engine.Item),
	}
}

func (m *mockEngine) StartRun(_ context.Context, opts engine.RunOptions) (*engine.Run, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.startOpts = &opts
	run := &engine.Run{
		ID:        "run-1",
		Target:    opts.Target,
		Status:    schema.RunStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	m.runs[run.ID] = run
	return run, nil
}

func (m *mockEngine) RunState(id string) (*engine.Run, bool) {
	run, ok := m.runs[id]
	return run, ok
}

func (m *mockEngine) Items(id string) ([]engine.Item, bool) {
	if _, ok := m.runs[id]; !ok {
		return nil, false
	}
	return m.items[id], true
}

func (m *mockEngine) Runs() []*engine.Run {
	result := make([]*engine.Run, 0, len(m.runs))
	for _, run := range m.runs {
		result = append(result, run)
	}
	return result
}

func (m *mockEngine) StopRun(id string) bool {
	if _, ok := m.runs[id]; !ok {
		return false
	}
	m.stopped = append(m.stopped, id)
	return true
}

// --- Mock checkpoint reader ---

type mockCheckpoints struct {
	snapshots map[string]*checkpoint.Snapshot
}

func (m *mockCheckpoints) Get(_ context.Context, decisionID string) (*checkpoint.Snapshot, error) {
	snap, ok := m.snapshots[decisionID]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "checkpoint not found")
	}
	return snap, nil
}

// --- Mock index ---

type mockIndex struct {
	entries   []index.Entry
	queryOut  []any
	searchErr error
	queryErr  error

	lastQuery      string
	lastExpression string
	lastLimit      int
}

func (m *mockIndex) Search(_ context.Context, query string, limit int) ([]index.Entry, error) {
	m.lastQuery, m.lastLimit = query, limit
	return m.entries, m.searchErr
}

func (m *mockIndex) Query(_ context.Context, expression string) ([]any, error) {
	m.lastExpression = expression
	return m.queryOut, m.queryErr
}

// --- Mock audit reader ---

type mockAudit struct {
	events    []*store.Event
	err       error
	lastSince int64
}

func (m *mockAudit) Events(_ context.Context, runID string, since int64) ([]*store.Event, error) {
	m.lastSince = since
	if m.err != nil {
		return nil, m.err
	}
	result := make([]*store.Event, 0, len(m.events))
	for _, ev := range m.events {
		if ev.RunID == runID && ev.Sequence > since {
			result = append(result, ev)
		}
	}
	return result, nil
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// --- Tests ---

func TestStartTool(t *testing.T) {
	me := newMockEngine()
	s := NewPunchlineServer(PunchlineServerDeps{Engine: me})

	req := buildRequest("punchline.start", map[string]any{
		"target":         float64(3),
		"force_approval": true,
	})

	result, err := s.handleStart(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	require.NotNil(t, me.startOpts)
	assert.Equal(t, 3, me.startOpts.Target)
	assert.True(t, me.startOpts.ForceApproval)

	var run engine.Run
	unmarshalResult(t, result, &run)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, schema.RunStatusRunning, run.Status)
}

func TestStartToolMissingTarget(t *testing.T) {
	s := NewPunchlineServer(PunchlineServerDeps{Engine: newMockEngine()})

	result, err := s.handleStart(context.Background(), buildRequest("punchline.start", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStartToolEngineError(t *testing.T) {
	me := newMockEngine()
	me.startErr = errors.New("too many concurrent runs")
	s := NewPunchlineServer(PunchlineServerDeps{Engine: me})

	result, err := s.handleStart(context.Background(), buildRequest("punchline.start", map[string]any{"target": float64(1)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "too many concurrent runs")
}

func TestStatusTool(t *testing.T) {
	me := newMockEngine()
	me.runs["run-7"] = &engine.Run{ID: "run-7", Target: 2, Status: schema.RunStatusCompleted, Saved: 2}
	s := NewPunchlineServer(PunchlineServerDeps{Engine: me})

	result, err := s.handleStatus(context.Background(), buildRequest("punchline.status", map[string]any{"run_id": "run-7"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var run engine.Run
	unmarshalResult(t, result, &run)
	assert.Equal(t, "run-7", run.ID)
	assert.Equal(t, 2, run.Saved)
}

func TestStatusToolListsAllRuns(t *testing.T) {
	me := newMockEngine()
	me.runs["run-a"] = &engine.Run{ID: "run-a"}
	me.runs["run-b"] = &engine.Run{ID: "run-b"}
	s := NewPunchlineServer(PunchlineServerDeps{Engine: me})

	result, err := s.handleStatus(context.Background(), buildRequest("punchline.status", map[string]any{}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload struct {
		Runs []engine.Run `json:"runs"`
	}
	unmarshalResult(t, result, &payload)
	assert.Len(t, payload.Runs, 2)
}

func TestStatusToolNotFound(t *testing.T) {
	s := NewPunchlineServer(PunchlineServerDeps{Engine: newMockEngine()})

	result, err := s.handleStatus(context.Background(), buildRequest("punchline.status", map[string]any{"run_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestItemsTool(t *testing.T) {
	me := newMockEngine()
	score := 8
	me.runs["run-1"] = &engine.Run{ID: "run-1"}
	me.items["run-1"] = []engine.Item{
		{ID: "run-1-1", Text: "a joke", Score: &score, Status: schema.ItemStatusStored},
	}
	s := NewPunchlineServer(PunchlineServerDeps{Engine: me})

	result, err := s.handleItems(context.Background(), buildRequest("punchline.items", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload struct {
		Items []engine.Item `json:"items"`
	}
	unmarshalResult(t, result, &payload)
	require.Len(t, payload.Items, 1)
	assert.Equal(t, "run-1-1", payload.Items[0].ID)
	assert.Equal(t, schema.ItemStatusStored, payload.Items[0].Status)
}

func TestItemsToolMissingParams(t *testing.T) {
	s := NewPunchlineServer(PunchlineServerDeps{Engine: newMockEngine()})

	result, err := s.handleItems(context.Background(), buildRequest("punchline.items", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleItems(context.Background(), buildRequest("punchline.items", map[string]any{"run_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStopTool(t *testing.T) {
	me := newMockEngine()
	me.runs["run-1"] = &engine.Run{ID: "run-1"}
	s := NewPunchlineServer(PunchlineServerDeps{Engine: me})

	result, err := s.handleStop(context.Background(), buildRequest("punchline.stop", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"run-1"}, me.stopped)

	var payload struct {
		RunID   string `json:"run_id"`
		Stopped bool   `json:"stopped"`
	}
	unmarshalResult(t, result, &payload)
	assert.True(t, payload.Stopped)
}

func TestStopToolUnknownRun(t *testing.T) {
	s := NewPunchlineServer(PunchlineServerDeps{Engine: newMockEngine()})

	result, err := s.handleStop(context.Background(), buildRequest("punchline.stop", map[string]any{"run_id": "missing"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload struct {
		Stopped bool `json:"stopped"`
	}
	unmarshalResult(t, result, &payload)
	assert.False(t, payload.Stopped)
}

func TestPendingToolEnrichesFromCheckpoints(t *testing.T) {
	gate := approval.NewGate()
	decisionID := gate.Create()

	cps := &mockCheckpoints{snapshots: map[string]*checkpoint.Snapshot{
		decisionID: {
			DecisionID: decisionID,
			RunID:      "run-1",
			ItemID:     "run-1-3",
			Text:       "why did the gopher cross the road",
			Score:      7,
			Rationale:  "solid setup",
		},
	}}
	s := NewPunchlineServer(PunchlineServerDeps{Gate: gate, Checkpoints: cps})

	result, err := s.handlePending(context.Background(), buildRequest("punchline.pending", map[string]any{}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload struct {
		Pending []struct {
			DecisionID string `json:"decision_id"`
			RunID      string `json:"run_id"`
			ItemID     string `json:"item_id"`
			Text       string `json:"text"`
			Score      int    `json:"score"`
		} `json:"pending"`
	}
	unmarshalResult(t, result, &payload)
	require.Len(t, payload.Pending, 1)
	assert.Equal(t, decisionID, payload.Pending[0].DecisionID)
	assert.Equal(t, "run-1", payload.Pending[0].RunID)
	assert.Equal(t, "run-1-3", payload.Pending[0].ItemID)
	assert.Equal(t, 7, payload.Pending[0].Score)
}

func TestPendingToolWithoutCheckpoints(t *testing.T) {
	gate := approval.NewGate()
	gate.Create()
	s := NewPunchlineServer(PunchlineServerDeps{Gate: gate})

	result, err := s.handlePending(context.Background(), buildRequest("punchline.pending", map[string]any{}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload struct {
		Pending []map[string]any `json:"pending"`
	}
	unmarshalResult(t, result, &payload)
	assert.Len(t, payload.Pending, 1)
}

func TestApproveTool(t *testing.T) {
	gate := approval.NewGate()
	decisionID := gate.Create()
	s := NewPunchlineServer(PunchlineServerDeps{Gate: gate})

	result, err := s.handleApprove(context.Background(), buildRequest("punchline.approve", map[string]any{"decision_id": decisionID}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload struct {
		OK     bool   `json:"ok"`
		Status string `json:"status"`
	}
	unmarshalResult(t, result, &payload)
	assert.True(t, payload.OK)
	assert.Equal(t, string(schema.DecisionApproved), payload.Status)
}

func TestApproveToolAlreadyResolved(t *testing.T) {
	gate := approval.NewGate()
	decisionID := gate.Create()
	require.True(t, gate.Reject(decisionID, schema.ReasonHuman))
	s := NewPunchlineServer(PunchlineServerDeps{Gate: gate})

	result, err := s.handleApprove(context.Background(), buildRequest("punchline.approve", map[string]any{"decision_id": decisionID}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload struct {
		OK     bool   `json:"ok"`
		Status string `json:"status"`
	}
	unmarshalResult(t, result, &payload)
	assert.False(t, payload.OK)
	assert.Equal(t, string(schema.DecisionRejected), payload.Status)
}

func TestRejectToolDefaultsReason(t *testing.T) {
	gate := approval.NewGate()
	decisionID := gate.Create()
	s := NewPunchlineServer(PunchlineServerDeps{Gate: gate})

	result, err := s.handleReject(context.Background(), buildRequest("punchline.reject", map[string]any{"decision_id": decisionID}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	decision, found := gate.Get(decisionID)
	require.True(t, found)
	assert.Equal(t, schema.DecisionRejected, decision.Status)
	assert.Equal(t, schema.ReasonHuman, decision.Reason)
}

func TestRejectToolCustomReason(t *testing.T) {
	gate := approval.NewGate()
	decisionID := gate.Create()
	s := NewPunchlineServer(PunchlineServerDeps{Gate: gate})

	req := buildRequest("punchline.reject", map[string]any{"decision_id": decisionID, "reason": "too corny"})
	result, err := s.handleReject(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	decision, found := gate.Get(decisionID)
	require.True(t, found)
	assert.Equal(t, "too corny", decision.Reason)
}

func TestDecisionToolsMissingParams(t *testing.T) {
	s := NewPunchlineServer(PunchlineServerDeps{Gate: approval.NewGate()})

	result, err := s.handleApprove(context.Background(), buildRequest("punchline.approve", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleReject(context.Background(), buildRequest("punchline.reject", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSearchToolSubstring(t *testing.T) {
	mi := &mockIndex{entries: []index.Entry{{ItemID: "item-1", Text: "a gopher walks into a bar"}}}
	s := NewPunchlineServer(PunchlineServerDeps{Index: mi})

	req := buildRequest("punchline.search", map[string]any{"query": "gopher", "limit": float64(5)})
	result, err := s.handleSearch(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "gopher", mi.lastQuery)
	assert.Equal(t, 5, mi.lastLimit)

	var payload struct {
		Entries []index.Entry `json:"entries"`
	}
	unmarshalResult(t, result, &payload)
	require.Len(t, payload.Entries, 1)
	assert.Equal(t, "item-1", payload.Entries[0].ItemID)
}

func TestSearchToolExpression(t *testing.T) {
	mi := &mockIndex{queryOut: []any{map[string]any{"item_id": "item-2"}}}
	s := NewPunchlineServer(PunchlineServerDeps{Index: mi})

	req := buildRequest("punchline.search", map[string]any{"expression": ".[] | select(.score > 5)"})
	result, err := s.handleSearch(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, ".[] | select(.score > 5)", mi.lastExpression)
}

func TestSearchToolMissingParams(t *testing.T) {
	s := NewPunchlineServer(PunchlineServerDeps{Index: &mockIndex{}})

	result, err := s.handleSearch(context.Background(), buildRequest("punchline.search", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSearchToolQueryError(t *testing.T) {
	mi := &mockIndex{queryErr: errors.New("compile: unexpected token")}
	s := NewPunchlineServer(PunchlineServerDeps{Index: mi})

	req := buildRequest("punchline.search", map[string]any{"expression": "bogus("})
	result, err := s.handleSearch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestEventsTool(t *testing.T) {
	ma := &mockAudit{events: []*store.Event{
		{RunID: "run-1", Type: schema.EventWorkflowStarted, Sequence: 1},
		{RunID: "run-1", Type: schema.EventJokeGenerated, Sequence: 2},
		{RunID: "other", Type: schema.EventWorkflowStarted, Sequence: 1},
	}}
	s := NewPunchlineServer(PunchlineServerDeps{Audit: ma})

	req := buildRequest("punchline.events", map[string]any{"run_id": "run-1", "since": float64(1)})
	result, err := s.handleEvents(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, int64(1), ma.lastSince)

	var payload struct {
		Events []store.Event `json:"events"`
	}
	unmarshalResult(t, result, &payload)
	require.Len(t, payload.Events, 1)
	assert.Equal(t, schema.EventJokeGenerated, payload.Events[0].Type)
}

func TestEventsToolWithoutAudit(t *testing.T) {
	s := NewPunchlineServer(PunchlineServerDeps{})

	result, err := s.handleEvents(context.Background(), buildRequest("punchline.events", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
