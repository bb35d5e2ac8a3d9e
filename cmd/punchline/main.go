package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchlab/punchline/internal/approval"
	"github.com/punchlab/punchline/internal/backend"
	"github.com/punchlab/punchline/internal/bus"
	"github.com/punchlab/punchline/internal/checkpoint"
	"github.com/punchlab/punchline/internal/engine"
	"github.com/punchlab/punchline/internal/index"
	"github.com/punchlab/punchline/internal/logging"
	"github.com/punchlab/punchline/internal/moderation"
	"github.com/punchlab/punchline/internal/resource"
	"github.com/punchlab/punchline/internal/review"
	"github.com/punchlab/punchline/internal/scheduler"
	"github.com/punchlab/punchline/internal/store"
	"github.com/punchlab/punchline/internal/validation"
	"github.com/punchlab/punchline/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println("punchline " + version)
		return
	}

	if err := runServe(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	for _, dir := range []string{punchlineDir(), cfg.SandboxRoot, cfg.FallbackDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	policy, err := loadPolicy(cfg.PolicyPath, logger)
	if err != nil {
		return err
	}

	// Resource service over stdio; everything persisted lives under the
	// sandbox root.
	client := resource.NewClient(resource.SpawnProcess(cfg.resourceCommand()), cfg.SandboxRoot, logger)
	defer client.Close()

	idx := index.New(client, logger)
	checkpoints := checkpoint.NewStore(client, logger)
	gate := approval.NewGate()
	events := bus.New()

	generator := backend.NewHTTPGenerator(backend.HTTPConfig{
		BaseURL: cfg.BackendURL,
		APIKey:  cfg.BackendAPIKey,
		Model:   cfg.BackendModel,
	})

	boss, err := newBoss(policy, logger)
	if err != nil {
		return fmt.Errorf("compile review expressions: %w", err)
	}
	guard := newModeration(cfg, policy, generator, logger)

	db, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(context.Background()); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	engineCfg := engine.Config{
		MaxConcurrentRuns: cfg.PoolSize,
		FallbackDir:       cfg.FallbackDir,
	}
	if policy != nil && policy.ScoreThreshold != nil {
		engineCfg.ScoreThreshold = *policy.ScoreThreshold
	}
	if ttl := policyTTL(policy, logger); ttl > 0 {
		engineCfg.ApprovalTTL = ttl
	}

	eng := engine.New(engineCfg, engine.Deps{
		Bus:         events,
		Gate:        gate,
		Checkpoints: checkpoints,
		Index:       idx,
		Resources:   client,
		Generator:   generator,
		Scorer:      engine.NewBackendScorer(generator),
		Boss:        boss,
		Moderation:  guard,
		Recorder:    store.NewRecorder(db, logger),
		Logger:      logger,
	})
	defer eng.Shutdown()

	janitor, err := scheduler.NewJanitor(scheduler.Config{
		ApprovalTTL: engineCfg.ApprovalTTL,
		RebuildSpec: cfg.RebuildSpec,
	}, gate, checkpoints, idx, logger)
	if err != nil {
		return fmt.Errorf("configure janitor: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := janitor.Start(ctx); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	defer janitor.Stop()

	srv := mcp.NewPunchlineServer(mcp.PunchlineServerDeps{
		Engine:      eng,
		Gate:        gate,
		Checkpoints: checkpoints,
		Index:       idx,
		Audit:       db,
		Streamer:    mcp.NewEventStreamer(events, logger),
		Logger:      logger,
	})

	logger.Info("punchline server starting",
		"sandbox_root", cfg.SandboxRoot,
		"db_path", cfg.DBPath,
		"moderation", cfg.Moderation)
	return srv.Serve(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// Stdout carries the MCP transport; logs go to stderr.
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// loadPolicy reads and validates the policy document. A missing file is not
// an error: the built-in defaults apply.
func loadPolicy(path string, logger *slog.Logger) (*validation.PolicyDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("no policy file, using defaults", "path", path)
			return nil, nil
		}
		return nil, fmt.Errorf("read policy: %w", err)
	}

	validator, err := validation.NewPolicyValidator()
	if err != nil {
		return nil, fmt.Errorf("compile policy schema: %w", err)
	}
	doc, err := validator.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	logger.Info("policy loaded", "path", path)
	return doc, nil
}

func policyTTL(policy *validation.PolicyDocument, logger *slog.Logger) time.Duration {
	if policy == nil || policy.ApprovalTTL == "" {
		return 0
	}
	ttl, err := time.ParseDuration(policy.ApprovalTTL)
	if err != nil {
		logger.Warn("invalid approval_ttl in policy, using default", "value", policy.ApprovalTTL)
		return 0
	}
	return ttl
}

func newBoss(policy *validation.PolicyDocument, logger *slog.Logger) (review.Boss, error) {
	celCfg := review.DefaultCELConfig()
	if policy != nil && policy.Review != nil {
		celCfg = *policy.Review
	}
	return review.NewCELBoss(celCfg, logger)
}

func newModeration(cfg Config, policy *validation.PolicyDocument, generator backend.Generator, logger *slog.Logger) moderation.Policy {
	if cfg.Moderation == "model" {
		return moderation.NewModelPolicy(generator, logger)
	}
	heuristicCfg := moderation.HeuristicConfig{}
	if policy != nil && policy.Moderation != nil {
		heuristicCfg = *policy.Moderation
	}
	return moderation.NewHeuristicPolicy(heuristicCfg, logger)
}
