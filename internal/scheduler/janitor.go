// Package scheduler runs periodic maintenance over the approval gate and
// the corpus index.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/punchlab/punchline/internal/approval"
	"github.com/punchlab/punchline/internal/index"
	"github.com/punchlab/punchline/pkg/schema"
)

// ApprovalSource is the subset of the approval gate the janitor sweeps.
type ApprovalSource interface {
	Pending() []*approval.Decision
	Reject(id, reason string) bool
}

// CheckpointUpdater records decision outcomes in checkpoint snapshots.
type CheckpointUpdater interface {
	UpdateStatus(ctx context.Context, decisionID string, status schema.DecisionStatus, reason string) error
}

// Rebuilder reconstructs the corpus index.
type Rebuilder interface {
	RebuildFromCorpus(ctx context.Context) ([]index.Entry, error)
}

// Config controls the janitor's schedule.
type Config struct {
	// ApprovalTTL is how long a pending decision may wait before it is
	// rejected with reason "expired". Zero disables the sweep.
	ApprovalTTL time.Duration
	// SweepInterval is how often the sweep runs. Defaults to 60s.
	SweepInterval time.Duration
	// RebuildSpec is a standard 5-field cron expression for periodic
	// index rebuilds. Empty disables rebuilds.
	RebuildSpec string
}

// Janitor expires stale pending approvals and periodically rebuilds the
// corpus index.
type Janitor struct {
	gate        ApprovalSource
	checkpoints CheckpointUpdater
	rebuilder   Rebuilder
	cfg         Config
	schedule    cron.Schedule
	logger      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	rebuildMu   sync.Mutex
	nextRebuild time.Time
}

// NewJanitor creates a Janitor. checkpoints and rebuilder may be nil.
func NewJanitor(cfg Config, gate ApprovalSource, checkpoints CheckpointUpdater, rebuilder Rebuilder, logger *slog.Logger) (*Janitor, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	j := &Janitor{
		gate:        gate,
		checkpoints: checkpoints,
		rebuilder:   rebuilder,
		cfg:         cfg,
		logger:      logger,
	}

	if cfg.RebuildSpec != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		schedule, err := parser.Parse(cfg.RebuildSpec)
		if err != nil {
			return nil, fmt.Errorf("parse rebuild spec %q: %w", cfg.RebuildSpec, err)
		}
		j.schedule = schedule
		j.nextRebuild = schedule.Next(time.Now().UTC())
	}

	return j, nil
}

// Start launches the background maintenance loop.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.done != nil {
		j.mu.Unlock()
		return fmt.Errorf("janitor already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.mu.Unlock()

	go j.loop(loopCtx)
	j.logger.Info("janitor started",
		slog.Duration("approval_ttl", j.cfg.ApprovalTTL),
		slog.Duration("sweep_interval", j.cfg.SweepInterval),
	)
	return nil
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)

	ticker := time.NewTicker(j.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.tick(ctx, time.Now().UTC())
		}
	}
}

func (j *Janitor) tick(ctx context.Context, now time.Time) {
	if expired := j.Sweep(ctx, now); expired > 0 {
		j.logger.Info("expired stale approvals", slog.Int("count", expired))
	}

	if j.schedule == nil || j.rebuilder == nil {
		return
	}
	j.rebuildMu.Lock()
	due := !now.Before(j.nextRebuild)
	if due {
		j.nextRebuild = j.schedule.Next(now)
	}
	j.rebuildMu.Unlock()
	if due {
		if err := j.Rebuild(ctx); err != nil {
			j.logger.Error("index rebuild failed", slog.String("error", err.Error()))
		}
	}
}

// Sweep rejects pending decisions older than the TTL and returns the count.
func (j *Janitor) Sweep(ctx context.Context, now time.Time) int {
	if j.cfg.ApprovalTTL <= 0 {
		return 0
	}

	expired := 0
	for _, d := range j.gate.Pending() {
		if now.Sub(d.CreatedAt) < j.cfg.ApprovalTTL {
			continue
		}
		if !j.gate.Reject(d.ID, schema.ReasonExpired) {
			continue // resolved concurrently
		}
		expired++
		if j.checkpoints != nil {
			if err := j.checkpoints.UpdateStatus(ctx, d.ID, schema.DecisionRejected, schema.ReasonExpired); err != nil {
				j.logger.Warn("checkpoint expiry update failed",
					slog.String("decision_id", d.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return expired
}

// Rebuild reconstructs the corpus index once.
func (j *Janitor) Rebuild(ctx context.Context) error {
	entries, err := j.rebuilder.RebuildFromCorpus(ctx)
	if err != nil {
		return err
	}
	j.logger.Info("index rebuilt", slog.Int("entries", len(entries)))
	return nil
}

// Stop gracefully shuts down the janitor.
func (j *Janitor) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel == nil {
		return nil
	}

	j.cancel()
	<-j.done
	j.cancel = nil
	j.done = nil

	j.logger.Info("janitor stopped")
	return nil
}
