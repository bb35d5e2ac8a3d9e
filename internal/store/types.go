package store

import (
	"encoding/json"
	"time"

	"github.com/punchlab/punchline/pkg/schema"
)

// Run is the persisted summary of a pipeline run.
type Run struct {
	ID          string           `json:"id"`
	Target      int              `json:"target"`
	Status      schema.RunStatus `json:"status"`
	Generated   int              `json:"generated"`
	Saved       int              `json:"saved"`
	Deleted     int              `json:"deleted"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Event is an immutable entry in the audit log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	ItemID    string          `json:"item_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Generated   *int              `json:"generated,omitempty"`
	Saved       *int              `json:"saved,omitempty"`
	Deleted     *int              `json:"deleted,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status *schema.RunStatus `json:"status,omitempty"`
	Since  *time.Time        `json:"since,omitempty"`
	Limit  int               `json:"limit,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID  string     `json:"run_id,omitempty"`
	ItemID string     `json:"item_id,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}
