package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/punchlab/punchline/internal/engine"
	"github.com/punchlab/punchline/pkg/schema"
)

// handleStart launches a new pipeline run.
func (s *PunchlineServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, err := req.RequireInt("target")
	if err != nil {
		return mcp.NewToolResultError("target is required"), nil
	}

	run, startErr := s.engine.StartRun(ctx, engine.RunOptions{
		Target:        target,
		ForceApproval: req.GetBool("force_approval", false),
	})
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", startErr)), nil
	}

	if s.streamer != nil {
		s.streamer.Watch(run.ID)
	}
	return marshalResult(run)
}

// handleStatus returns one run's state, or all runs when run_id is omitted.
func (s *PunchlineServer) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := req.GetString("run_id", "")
	if runID == "" {
		return marshalResult(map[string]any{"runs": s.engine.Runs()})
	}

	run, ok := s.engine.RunState(runID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
	}
	return marshalResult(run)
}

// handleItems lists a run's items.
func (s *PunchlineServer) handleItems(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	items, ok := s.engine.Items(runID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
	}
	return marshalResult(map[string]any{"items": items})
}

// handleStop cancels a running pipeline.
func (s *PunchlineServer) handleStop(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	stopped := s.engine.StopRun(runID)
	return marshalResult(map[string]any{"run_id": runID, "stopped": stopped})
}

// handlePending lists decisions waiting on a human, enriched with their
// checkpoint snapshots where available.
func (s *PunchlineServer) handlePending(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type pendingEntry struct {
		DecisionID string `json:"decision_id"`
		CreatedAt  string `json:"created_at"`
		RunID      string `json:"run_id,omitempty"`
		ItemID     string `json:"item_id,omitempty"`
		Text       string `json:"text,omitempty"`
		Score      int    `json:"score,omitempty"`
		Rationale  string `json:"rationale,omitempty"`
	}

	var entries []pendingEntry
	for _, d := range s.gate.Pending() {
		entry := pendingEntry{
			DecisionID: d.ID,
			CreatedAt:  d.CreatedAt.UTC().Format(time.RFC3339),
		}
		if s.checkpoints != nil {
			if snap, err := s.checkpoints.Get(ctx, d.ID); err == nil && snap != nil {
				entry.RunID = snap.RunID
				entry.ItemID = snap.ItemID
				entry.Text = snap.Text
				entry.Score = snap.Score
				entry.Rationale = snap.Rationale
			}
		}
		entries = append(entries, entry)
	}
	return marshalResult(map[string]any{"pending": entries})
}

// handleApprove resolves a decision as approved. Reports ok=false if the
// decision is unknown or already resolved.
func (s *PunchlineServer) handleApprove(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	decisionID, err := req.RequireString("decision_id")
	if err != nil {
		return mcp.NewToolResultError("decision_id is required"), nil
	}

	ok := s.gate.Approve(decisionID)
	return decisionResult(s, decisionID, ok)
}

// handleReject resolves a decision as rejected.
func (s *PunchlineServer) handleReject(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	decisionID, err := req.RequireString("decision_id")
	if err != nil {
		return mcp.NewToolResultError("decision_id is required"), nil
	}
	reason := req.GetString("reason", schema.ReasonHuman)

	ok := s.gate.Reject(decisionID, reason)
	return decisionResult(s, decisionID, ok)
}

func decisionResult(s *PunchlineServer, decisionID string, ok bool) (*mcp.CallToolResult, error) {
	result := map[string]any{"decision_id": decisionID, "ok": ok}
	if d, found := s.gate.Get(decisionID); found {
		result["status"] = d.Status
		if d.Reason != "" {
			result["reason"] = d.Reason
		}
	} else {
		result["status"] = "unknown"
	}
	return marshalResult(result)
}

// handleSearch queries the corpus index by substring or jq expression.
func (s *PunchlineServer) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	expression := req.GetString("expression", "")
	limit := req.GetInt("limit", 20)

	switch {
	case expression != "":
		results, err := s.index.Query(ctx, expression)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"results": results})
	case query != "":
		entries, err := s.index.Search(ctx, query, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"entries": entries})
	default:
		return mcp.NewToolResultError("either query or expression is required"), nil
	}
}

// handleEvents reads a run's audit trail from the durable store.
func (s *PunchlineServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if s.audit == nil {
		return mcp.NewToolResultError("audit log is not configured"), nil
	}

	events, auditErr := s.audit.Events(ctx, runID, int64(req.GetInt("since", 0)))
	if auditErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("audit query failed: %v", auditErr)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
