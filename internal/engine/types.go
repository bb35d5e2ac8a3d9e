package engine

import (
	"sync"
	"time"

	"github.com/punchlab/punchline/pkg/schema"
)

// RunOptions configures a new pipeline run.
type RunOptions struct {
	// Target is the number of items to persist before the run completes.
	Target int
	// ForceApproval escalates the first otherwise-auto-accepted item to a
	// human checkpoint. Applied at most once per run.
	ForceApproval bool
}

// Run is a snapshot of one pipeline execution.
type Run struct {
	ID               string           `json:"id"`
	Target           int              `json:"target"`
	Status           schema.RunStatus `json:"status"`
	Generated        int              `json:"generated"`
	Saved            int              `json:"saved"`
	Deleted          int              `json:"deleted"`
	PendingApprovals int              `json:"pending_approvals"`
	CreatedAt        time.Time        `json:"created_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// Item is a snapshot of one candidate text unit produced during a run.
// DecisionID is set exactly while the item awaits a human checkpoint and
// cleared when the decision reaches a terminal status.
type Item struct {
	ID         string            `json:"id"`
	Text       string            `json:"text"`
	Score      *int              `json:"score,omitempty"`
	Rationale  string            `json:"rationale,omitempty"`
	Status     schema.ItemStatus `json:"status"`
	URI        string            `json:"uri,omitempty"`
	DecisionID string            `json:"decision_id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

// runState is the engine's mutable record of one run. The loop goroutine
// and snapshot readers share it through mu.
type runState struct {
	mu     sync.Mutex
	run    Run
	items  []*Item
	force  bool
	cancel func()
	done   chan struct{}
}

func (rs *runState) snapshot() *Run {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	cp := rs.run
	if rs.run.CompletedAt != nil {
		t := *rs.run.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func (rs *runState) snapshotItems() []Item {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	items := make([]Item, 0, len(rs.items))
	for _, it := range rs.items {
		cp := *it
		if it.Score != nil {
			s := *it.Score
			cp.Score = &s
		}
		items = append(items, cp)
	}
	return items
}
