// Package engine orchestrates pipeline runs: generate, dedup, score,
// decide (auto or human), moderate, persist. Each run executes on its own
// goroutine; items within a run are processed strictly one at a time.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchlab/punchline/internal/approval"
	"github.com/punchlab/punchline/internal/backend"
	"github.com/punchlab/punchline/internal/bus"
	"github.com/punchlab/punchline/internal/checkpoint"
	"github.com/punchlab/punchline/internal/index"
	"github.com/punchlab/punchline/internal/logging"
	"github.com/punchlab/punchline/internal/moderation"
	"github.com/punchlab/punchline/internal/review"
	"github.com/punchlab/punchline/pkg/schema"
)

const (
	// DefaultScoreThreshold rejects items scoring at or below it.
	DefaultScoreThreshold = 2
	// DefaultApprovalTTL bounds the wait on a human checkpoint.
	DefaultApprovalTTL = 300 * time.Second
	// DefaultBackendTimeout bounds each language-model call.
	DefaultBackendTimeout = 30 * time.Second
	// DefaultAttemptFactor caps total attempts at factor x target.
	DefaultAttemptFactor = 10
	// DefaultMaxConcurrentRuns bounds the run pool.
	DefaultMaxConcurrentRuns = 4
)

const defaultPrompt = "Tell me a short, original joke. Reply with the joke text only."

// Config holds the engine's tunables. Zero values select the defaults.
type Config struct {
	ScoreThreshold    int
	ApprovalTTL       time.Duration
	BackendTimeout    time.Duration
	AttemptFactor     int
	MaxConcurrentRuns int
	Prompt            string
	Instructions      string
	// FallbackDir receives item text when the resource write fails.
	// Empty disables the local fallback.
	FallbackDir string
}

// Recorder mirrors published events into durable storage.
type Recorder interface {
	Record(ctx context.Context, ev bus.Event)
}

// ResourceWriter is the slice of the resource client the engine needs.
type ResourceWriter interface {
	Write(ctx context.Context, relativePath, text string) (string, error)
}

// Deps are the engine's collaborators. Recorder may be nil.
type Deps struct {
	Bus         *bus.Bus
	Gate        *approval.Gate
	Checkpoints *checkpoint.Store
	Index       *index.Index
	Resources   ResourceWriter
	Generator   backend.Generator
	Scorer      Scorer
	Boss        review.Boss
	Moderation  moderation.Policy
	Recorder    Recorder
	Logger      *slog.Logger
}

// Engine runs pipelines. Safe for concurrent use.
type Engine struct {
	cfg    Config
	deps   Deps
	pool   *RunPool
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*runState
}

// New creates an Engine with defaults applied to the config.
func New(cfg Config, deps Deps) *Engine {
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = DefaultScoreThreshold
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = DefaultApprovalTTL
	}
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = DefaultBackendTimeout
	}
	if cfg.AttemptFactor < 10 {
		cfg.AttemptFactor = DefaultAttemptFactor
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if cfg.Prompt == "" {
		cfg.Prompt = defaultPrompt
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		pool:   NewRunPool(cfg.MaxConcurrentRuns),
		logger: logger,
		runs:   make(map[string]*runState),
	}
}

// StartRun launches a new pipeline run and returns its initial snapshot.
// The loop runs independently of the caller's context; use StopRun to
// cancel it.
func (e *Engine) StartRun(ctx context.Context, opts RunOptions) (*Run, error) {
	if opts.Target < 1 {
		return nil, schema.NewError(schema.ErrCodeValidation, "target must be at least 1")
	}

	runID := uuid.New().String()
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	loopCtx = logging.WithRunID(loopCtx, runID)

	rs := &runState{
		run: Run{
			ID:        runID,
			Target:    opts.Target,
			Status:    schema.RunStatusRunning,
			CreatedAt: time.Now().UTC(),
		},
		force:  opts.ForceApproval,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	e.runs[runID] = rs
	e.mu.Unlock()

	if err := e.pool.Submit(ctx, func() { e.runLoop(loopCtx, rs) }); err != nil {
		e.mu.Lock()
		delete(e.runs, runID)
		e.mu.Unlock()
		cancel()
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "submit run: %s", err.Error()).WithCause(err)
	}

	return rs.snapshot(), nil
}

// RunState returns a snapshot of the run, or false if unknown.
func (e *Engine) RunState(id string) (*Run, bool) {
	e.mu.Lock()
	rs, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	return rs.snapshot(), true
}

// Items returns the run's items in generation order, or false if unknown.
func (e *Engine) Items(id string) ([]Item, bool) {
	e.mu.Lock()
	rs, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	return rs.snapshotItems(), true
}

// Runs returns snapshots of all known runs, newest first.
func (e *Engine) Runs() []*Run {
	e.mu.Lock()
	states := make([]*runState, 0, len(e.runs))
	for _, rs := range e.runs {
		states = append(states, rs)
	}
	e.mu.Unlock()

	runs := make([]*Run, 0, len(states))
	for _, rs := range states {
		runs = append(runs, rs.snapshot())
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs
}

// StopRun cancels a running loop. Returns false if the run is unknown or
// already terminal. The loop observes cancellation at its next
// suspension point rather than being killed mid-write.
func (e *Engine) StopRun(id string) bool {
	e.mu.Lock()
	rs, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	rs.mu.Lock()
	running := rs.run.Status == schema.RunStatusRunning
	rs.mu.Unlock()
	if !running {
		return false
	}
	rs.cancel()
	return true
}

// Shutdown stops all runs and waits for their loops to drain.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	states := make([]*runState, 0, len(e.runs))
	for _, rs := range e.runs {
		states = append(states, rs)
	}
	e.mu.Unlock()

	for _, rs := range states {
		rs.cancel()
	}
	e.pool.Shutdown()
}
