package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/punchlab/punchline/internal/bus"
	"github.com/punchlab/punchline/internal/checkpoint"
	"github.com/punchlab/punchline/internal/index"
	"github.com/punchlab/punchline/internal/logging"
	"github.com/punchlab/punchline/internal/review"
	"github.com/punchlab/punchline/pkg/schema"
)

// runLoop drives one run to completion. It owns the run's items; nothing
// else mutates them.
func (e *Engine) runLoop(ctx context.Context, rs *runState) {
	runID := rs.run.ID
	defer close(rs.done)
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "run loop panic", slog.Any("panic", r))
			e.publish(ctx, runID, "", schema.EventWorkflowError, map[string]any{
				"error": fmt.Sprint(r),
			})
			e.finishRun(rs, schema.RunStatusFailed)
			e.deps.Bus.Complete(runID)
		}
	}()

	e.publish(ctx, runID, "", schema.EventWorkflowStarted, map[string]any{
		"target":         rs.run.Target,
		"force_approval": rs.force,
	})

	seen := e.seedDedup(ctx)
	maxAttempts := rs.run.Target * e.cfg.AttemptFactor

	for attempts := 0; attempts < maxAttempts && ctx.Err() == nil; attempts++ {
		rs.mu.Lock()
		reached := rs.run.Saved >= rs.run.Target
		rs.mu.Unlock()
		if reached {
			break
		}
		e.processAttempt(ctx, rs, seen)
	}

	status := schema.RunStatusCompleted
	eventType := schema.EventWorkflowCompleted
	if ctx.Err() != nil {
		status = schema.RunStatusStopped
		eventType = schema.EventWorkflowStopped
	}
	// Publish before flipping the status: anyone who observes a terminal
	// run must find its terminal event already recorded.
	final := rs.snapshot()
	e.publish(ctx, runID, "", eventType, map[string]any{
		"generated": final.Generated,
		"saved":     final.Saved,
		"deleted":   final.Deleted,
	})
	e.finishRun(rs, status)
	e.deps.Bus.Complete(runID)
}

func (e *Engine) finishRun(rs *runState, status schema.RunStatus) *Run {
	now := time.Now().UTC()
	rs.mu.Lock()
	if rs.run.CompletedAt == nil {
		rs.run.Status = status
		rs.run.CompletedAt = &now
	}
	cp := rs.run
	rs.mu.Unlock()
	return &cp
}

// seedDedup loads the hashes of every persisted item so a run never
// re-accepts text already in the corpus. A read failure degrades to
// in-run dedup only.
func (e *Engine) seedDedup(ctx context.Context) map[string]struct{} {
	seen := make(map[string]struct{})
	entries, err := e.deps.Index.ReadAll(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "dedup seed failed", slog.String("error", err.Error()))
		return seen
	}
	for _, entry := range entries {
		seen[entry.Hash] = struct{}{}
	}
	return seen
}

// processAttempt runs one item through the pipeline. Backend failures are
// soft: they abandon the attempt, never the run.
func (e *Engine) processAttempt(ctx context.Context, rs *runState, seen map[string]struct{}) {
	runID := rs.run.ID

	genCtx, cancel := context.WithTimeout(ctx, e.cfg.BackendTimeout)
	completion, err := e.deps.Generator.Generate(genCtx, e.cfg.Prompt, e.cfg.Instructions)
	cancel()
	if err != nil {
		e.publish(ctx, runID, "", schema.EventAgentAction, map[string]any{
			"stage": "generate", "error": err.Error(),
		})
		return
	}
	text := strings.TrimSpace(completion.Text)
	if text == "" {
		e.publish(ctx, runID, "", schema.EventAgentAction, map[string]any{
			"stage": "generate", "error": "empty completion",
		})
		return
	}

	rs.mu.Lock()
	rs.run.Generated++
	item := &Item{
		ID:     fmt.Sprintf("%s-%d", runID, rs.run.Generated),
		Text:   text,
		Status: schema.ItemStatusGenerating,
	}
	rs.items = append(rs.items, item)
	rs.mu.Unlock()
	ctx = logging.WithItemID(ctx, item.ID)

	// Dedup before any event announces the item's text.
	hash := index.HashText(text)
	if _, dup := seen[hash]; dup {
		e.rejectItem(ctx, rs, item, schema.ReasonDuplicate)
		return
	}
	seen[hash] = struct{}{}

	payload := map[string]any{"text": text}
	if completion.Usage != nil {
		payload["tokens"] = completion.Usage.TotalTokens
	}
	e.publish(ctx, runID, item.ID, schema.EventJokeGenerated, payload)

	e.transition(ctx, rs, item, schema.ItemStatusScoring)
	scoreCtx, cancel := context.WithTimeout(ctx, e.cfg.BackendTimeout)
	score, rationale, err := e.deps.Scorer.Score(scoreCtx, text)
	cancel()
	if err != nil {
		e.publish(ctx, runID, item.ID, schema.EventAgentAction, map[string]any{
			"stage": "score", "error": err.Error(),
		})
		e.rejectItem(ctx, rs, item, "score_failed")
		return
	}

	rs.mu.Lock()
	item.Score = &score
	item.Rationale = rationale
	rs.mu.Unlock()
	e.publish(ctx, runID, item.ID, schema.EventJokeScored, map[string]any{
		"score": score, "rationale": rationale,
	})

	if score <= e.cfg.ScoreThreshold {
		e.rejectItem(ctx, rs, item, schema.ReasonLowScore)
		return
	}

	e.transition(ctx, rs, item, schema.ItemStatusDeciding)
	outcome := e.deps.Boss.Decide(ctx, review.Review{Text: text, Score: score, Rationale: rationale})

	rs.mu.Lock()
	if rs.force && outcome == review.OutcomeAccept {
		outcome = review.OutcomeEscalate
		rs.force = false
	}
	rs.mu.Unlock()

	switch outcome {
	case review.OutcomeReject:
		e.rejectItem(ctx, rs, item, schema.ReasonLowScore)
		return
	case review.OutcomeEscalate:
		if !e.awaitApproval(ctx, rs, item, score, rationale) {
			return
		}
	}

	e.transition(ctx, rs, item, schema.ItemStatusModerating)
	verdict := e.deps.Moderation.Evaluate(ctx, text)
	if !verdict.Allowed {
		e.publish(ctx, runID, item.ID, schema.EventModerationBlocked, map[string]any{
			"category": verdict.Category, "reason": verdict.Reason,
		})
		e.rejectItem(ctx, rs, item, schema.ReasonModeration)
		return
	}

	e.persistItem(ctx, rs, item, score)
}

// awaitApproval suspends the item on a human checkpoint. Returns true when
// the decision is approved. On rejection or TTL expiry the item is already
// finalized. A run stop while waiting leaves the decision pending for the
// janitor to expire.
func (e *Engine) awaitApproval(ctx context.Context, rs *runState, item *Item, score int, rationale string) bool {
	runID := rs.run.ID
	decisionID := e.deps.Gate.Create()
	ctx = logging.WithDecisionID(ctx, decisionID)

	e.transition(ctx, rs, item, schema.ItemStatusAwaitingApproval)
	rs.mu.Lock()
	item.DecisionID = decisionID
	rs.run.PendingApprovals++
	rs.mu.Unlock()

	e.publish(ctx, runID, item.ID, schema.EventApprovalRequired, map[string]any{
		"decision_id": decisionID, "text": item.Text, "score": score,
	})
	e.publish(ctx, runID, item.ID, schema.EventCheckpointPaused, map[string]any{
		"decision_id": decisionID,
	})

	if err := e.deps.Checkpoints.Save(ctx, &checkpoint.Snapshot{
		DecisionID: decisionID,
		RunID:      runID,
		ItemID:     item.ID,
		Text:       item.Text,
		Score:      score,
		Rationale:  rationale,
		Status:     schema.DecisionPending,
	}); err != nil {
		e.logger.WarnContext(ctx, "checkpoint save failed", slog.String("error", err.Error()))
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ApprovalTTL)
	status := e.deps.Gate.Wait(waitCtx, decisionID)
	cancel()

	if status == schema.DecisionPending {
		if ctx.Err() != nil {
			return false // run stopped mid-wait
		}
		// TTL expiry. Reject may lose to a concurrent approve, so re-read.
		e.deps.Gate.Reject(decisionID, schema.ReasonExpired)
		if d, ok := e.deps.Gate.Get(decisionID); ok {
			status = d.Status
		}
	}

	reason := schema.ReasonHuman
	if d, ok := e.deps.Gate.Get(decisionID); ok && d.Reason != "" {
		reason = d.Reason
	}

	rs.mu.Lock()
	item.DecisionID = ""
	rs.run.PendingApprovals--
	rs.mu.Unlock()

	if err := e.deps.Checkpoints.UpdateStatus(ctx, decisionID, status, reason); err != nil {
		e.logger.WarnContext(ctx, "checkpoint update failed", slog.String("error", err.Error()))
	}

	if status == schema.DecisionApproved {
		e.publish(ctx, runID, item.ID, schema.EventCheckpointResumed, map[string]any{
			"decision_id": decisionID, "approved": true,
		})
		return true
	}

	// An expiry rejection gets its own event whether this run's timer or
	// the janitor resolved it: "nobody answered" is not "human said no".
	if reason == schema.ReasonExpired {
		e.publish(ctx, runID, item.ID, schema.EventApprovalExpired, map[string]any{
			"decision_id": decisionID,
		})
		e.rejectItem(ctx, rs, item, schema.ReasonExpired)
		return false
	}

	e.publish(ctx, runID, item.ID, schema.EventCheckpointResumed, map[string]any{
		"decision_id": decisionID, "approved": false,
	})
	e.rejectItem(ctx, rs, item, reason)
	return false
}

// persistItem writes the accepted item through the resource service and
// folds it into the index. A failed primary write falls back to the local
// filesystem; the item is counted saved either way.
func (e *Engine) persistItem(ctx context.Context, rs *runState, item *Item, score int) {
	runID := rs.run.ID

	uri, err := e.deps.Resources.Write(ctx, index.CorpusPrefix+item.ID+".txt", item.Text)
	if err != nil {
		e.logger.ErrorContext(ctx, "resource write failed", slog.String("error", err.Error()))
		e.publish(ctx, runID, item.ID, schema.EventAgentAction, map[string]any{
			"stage": "persist", "error": err.Error(),
		})
		uri = e.fallbackWrite(ctx, item)
	}

	e.transition(ctx, rs, item, schema.ItemStatusStored)
	rs.mu.Lock()
	item.URI = uri
	rs.run.Saved++
	rs.mu.Unlock()

	if uri != "" {
		entry := index.Entry{
			ItemID:    item.ID,
			URI:       uri,
			Score:     score,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Text:      index.Normalize(item.Text),
			Hash:      index.HashText(item.Text),
		}
		if err := e.deps.Index.AddOrUpdate(ctx, entry); err != nil {
			e.logger.WarnContext(ctx, "index update failed", slog.String("error", err.Error()))
		}
	}

	e.publish(ctx, runID, item.ID, schema.EventJokeStored, map[string]any{
		"uri": uri, "score": score,
	})
}

func (e *Engine) rejectItem(ctx context.Context, rs *runState, item *Item, reason string) {
	e.transition(ctx, rs, item, schema.ItemStatusRejected)
	rs.mu.Lock()
	item.Reason = reason
	item.DecisionID = ""
	rs.run.Deleted++
	rs.mu.Unlock()
	e.publish(ctx, rs.run.ID, item.ID, schema.EventJokeRejected, map[string]any{
		"reason": reason,
	})
}

// transition applies an item state change. Illegal transitions indicate a
// loop bug; they panic so the deferred recover turns them into a
// workflow_error instead of silently corrupting item state.
func (e *Engine) transition(ctx context.Context, rs *runState, item *Item, to schema.ItemStatus) {
	if err := rs.transition(item, to); err != nil {
		e.logger.ErrorContext(ctx, "illegal item transition", slog.String("error", err.Error()))
		panic(err)
	}
}

func (e *Engine) fallbackWrite(ctx context.Context, item *Item) string {
	if e.cfg.FallbackDir == "" {
		return ""
	}
	if err := os.MkdirAll(e.cfg.FallbackDir, 0o755); err != nil {
		e.logger.ErrorContext(ctx, "fallback dir create failed", slog.String("error", err.Error()))
		return ""
	}
	path := filepath.Join(e.cfg.FallbackDir, item.ID+".txt")
	if err := os.WriteFile(path, []byte(item.Text), 0o644); err != nil {
		e.logger.ErrorContext(ctx, "fallback write failed", slog.String("error", err.Error()))
		return ""
	}
	return "file://" + path
}

func (e *Engine) publish(ctx context.Context, runID, itemID, eventType string, payload map[string]any) {
	ev := bus.Event{
		RunID:     runID,
		ItemID:    itemID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	e.deps.Bus.Publish(runID, ev)
	if e.deps.Recorder != nil {
		e.deps.Recorder.Record(ctx, ev)
	}
}
