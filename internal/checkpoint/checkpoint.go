// Package checkpoint persists durable snapshots of paused decisions, so a
// restarted process can still answer "what was waiting for whom". Snapshots
// are independent of the in-memory approval gate.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/punchlab/punchline/internal/resource"
	"github.com/punchlab/punchline/pkg/schema"
)

// Namespace is the resource prefix under which snapshots live.
const Namespace = "checkpoints/"

// Snapshot captures the context of one paused decision.
type Snapshot struct {
	DecisionID string                `json:"decision_id"`
	RunID      string                `json:"run_id"`
	ItemID     string                `json:"item_id"`
	Text       string                `json:"text"`
	Score      int                   `json:"score"`
	Rationale  string                `json:"rationale,omitempty"`
	Status     schema.DecisionStatus `json:"status"`
	Reason     string                `json:"reason,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// ResourceAPI is the slice of the resource client the store needs.
type ResourceAPI interface {
	List(ctx context.Context) ([]resource.Descriptor, error)
	ReadText(ctx context.Context, uri string) (string, error)
	Write(ctx context.Context, relativePath, text string) (string, error)
}

// Store reads and writes snapshots through the resource service. It adds no
// transactional guarantees beyond single-resource write atomicity.
type Store struct {
	client ResourceAPI
	logger *slog.Logger
}

// NewStore creates a checkpoint store backed by the given resource client.
func NewStore(client ResourceAPI, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, logger: logger}
}

// Save writes the snapshot, one resource per decision. Saving twice for the
// same decision replaces the earlier snapshot.
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.DecisionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "snapshot requires a decision id")
	}
	now := time.Now().UTC()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	snap.UpdatedAt = now

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode snapshot: %s", err.Error()).WithCause(err)
	}
	if _, err := s.client.Write(ctx, snapshotPath(snap.DecisionID), string(raw)); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write snapshot %s: %s", snap.DecisionID, err.Error()).WithCause(err)
	}
	return nil
}

// UpdateStatus rewrites the snapshot with a new decision status and optional
// reason. Missing snapshots are an error; the caller treats it as best-effort.
func (s *Store) UpdateStatus(ctx context.Context, decisionID string, status schema.DecisionStatus, reason string) error {
	snap, err := s.Get(ctx, decisionID)
	if err != nil {
		return err
	}
	if snap == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "snapshot not found: %s", decisionID)
	}
	snap.Status = status
	if reason != "" {
		snap.Reason = reason
	}
	return s.Save(ctx, snap)
}

// Get returns the snapshot for a decision, or nil if none exists.
func (s *Store) Get(ctx context.Context, decisionID string) (*Snapshot, error) {
	uri, err := s.findURI(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if uri == "" {
		return nil, nil
	}
	text, err := s.client.ReadText(ctx, uri)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read snapshot %s: %s", decisionID, err.Error()).WithCause(err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(text), &snap); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode snapshot %s: %s", decisionID, err.Error()).WithCause(err)
	}
	return &snap, nil
}

// List returns up to limit snapshots, most recently created first.
// limit <= 0 means no limit. Unreadable snapshots are skipped.
func (s *Store) List(ctx context.Context, limit int) ([]*Snapshot, error) {
	descriptors, err := s.client.List(ctx)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list snapshots: %s", err.Error()).WithCause(err)
	}

	var snaps []*Snapshot
	for _, d := range descriptors {
		if !strings.HasPrefix(d.Name, Namespace) {
			continue
		}
		text, err := s.client.ReadText(ctx, d.URI)
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot", slog.String("uri", d.URI), slog.String("error", err.Error()))
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(text), &snap); err != nil {
			s.logger.Warn("skipping malformed snapshot", slog.String("uri", d.URI), slog.String("error", err.Error()))
			continue
		}
		snaps = append(snaps, &snap)
	}

	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
		}
		return snaps[i].DecisionID > snaps[j].DecisionID
	})

	if limit > 0 && len(snaps) > limit {
		snaps = snaps[:limit]
	}
	return snaps, nil
}

func (s *Store) findURI(ctx context.Context, decisionID string) (string, error) {
	descriptors, err := s.client.List(ctx)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "list snapshots: %s", err.Error()).WithCause(err)
	}
	want := snapshotPath(decisionID)
	for _, d := range descriptors {
		if d.Name == want {
			return d.URI, nil
		}
	}
	return "", nil
}

func snapshotPath(decisionID string) string {
	return fmt.Sprintf("%s%s.json", Namespace, decisionID)
}
