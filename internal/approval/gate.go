// Package approval holds the in-memory registry of pending human decisions.
// Approve and Reject are invoked by callers unrelated to the run loop, at any
// time; each decision resolves at most once.
package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchlab/punchline/pkg/schema"
)

// Decision is one human-approval request.
type Decision struct {
	ID        string                `json:"id"`
	Status    schema.DecisionStatus `json:"status"`
	Reason    string                `json:"reason,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
}

// decision pairs the public record with its resolution signal.
type decision struct {
	mu   sync.Mutex
	rec  Decision
	done chan struct{} // closed exactly once, on resolution
}

// Gate registers decisions and lets one waiter block until resolution.
type Gate struct {
	mu        sync.RWMutex
	decisions map[string]*decision
}

// NewGate creates an empty gate.
func NewGate() *Gate {
	return &Gate{decisions: make(map[string]*decision)}
}

// Create registers a new pending decision and returns its ID.
func (g *Gate) Create() string {
	id := uuid.New().String()
	d := &decision{
		rec: Decision{
			ID:        id,
			Status:    schema.DecisionPending,
			CreatedAt: time.Now().UTC(),
		},
		done: make(chan struct{}),
	}
	g.mu.Lock()
	g.decisions[id] = d
	g.mu.Unlock()
	return id
}

// Approve resolves a pending decision to approved. Returns false if the
// decision does not exist or has already been resolved.
func (g *Gate) Approve(id string) bool {
	return g.resolve(id, schema.DecisionApproved, "")
}

// Reject resolves a pending decision to rejected with an optional reason.
// Returns false if the decision does not exist or has already been resolved.
func (g *Gate) Reject(id, reason string) bool {
	return g.resolve(id, schema.DecisionRejected, reason)
}

// resolve performs the single check-and-set out of pending.
func (g *Gate) resolve(id string, status schema.DecisionStatus, reason string) bool {
	g.mu.RLock()
	d, ok := g.decisions[id]
	g.mu.RUnlock()
	if !ok {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec.Status != schema.DecisionPending {
		return false
	}
	d.rec.Status = status
	d.rec.Reason = reason
	close(d.done)
	return true
}

// Get returns a copy of the decision, or false if unknown.
func (g *Gate) Get(id string) (*Decision, bool) {
	g.mu.RLock()
	d, ok := g.decisions[id]
	g.mu.RUnlock()
	if !ok {
		return nil, false
	}
	d.mu.Lock()
	rec := d.rec
	d.mu.Unlock()
	return &rec, true
}

// Wait blocks until the decision resolves or ctx fires, and returns the
// decision's status at that moment. An already-resolved decision returns
// immediately; ctx expiry returns the still-pending status rather than an
// error — the caller decides how to treat an unanswered decision.
func (g *Gate) Wait(ctx context.Context, id string) schema.DecisionStatus {
	g.mu.RLock()
	d, ok := g.decisions[id]
	g.mu.RUnlock()
	if !ok {
		return schema.DecisionRejected
	}

	select {
	case <-d.done:
	case <-ctx.Done():
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rec.Status
}

// List returns a snapshot of all decisions, oldest first.
func (g *Gate) List() []*Decision {
	g.mu.RLock()
	out := make([]*Decision, 0, len(g.decisions))
	for _, d := range g.decisions {
		d.mu.Lock()
		rec := d.rec
		d.mu.Unlock()
		out = append(out, &rec)
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Pending returns all decisions still awaiting resolution, oldest first.
func (g *Gate) Pending() []*Decision {
	all := g.List()
	pending := all[:0]
	for _, d := range all {
		if d.Status == schema.DecisionPending {
			pending = append(pending, d)
		}
	}
	return pending
}
