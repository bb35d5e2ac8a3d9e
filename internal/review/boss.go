// Package review implements the decision step that routes a scored item to
// automatic acceptance, automatic rejection, or a human checkpoint.
package review

import (
	"context"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// Outcome is the boss's routing verdict for one scored item.
type Outcome string

const (
	OutcomeAccept   Outcome = "accept"
	OutcomeReject   Outcome = "reject"
	OutcomeEscalate Outcome = "escalate" // human-in-the-loop
)

// Review is the material the boss decides on.
type Review struct {
	Text      string
	Score     int
	Rationale string
}

// Boss decides how a scored item proceeds. Implementations never fail: an
// evaluation problem resolves to escalation, the safe routing.
type Boss interface {
	Decide(ctx context.Context, r Review) Outcome
}

// CELConfig holds the routing expressions. Each is a CEL boolean over the
// variables score (int), rationale (string), and text (string); Accept is
// checked first, then Escalate, and anything matching neither is rejected.
type CELConfig struct {
	AcceptExpr   string `json:"accept_expr"`
	EscalateExpr string `json:"escalate_expr"`
}

// DefaultCELConfig routes high scores straight through, middling scores to a
// human, and the remainder to rejection.
func DefaultCELConfig() CELConfig {
	return CELConfig{
		AcceptExpr:   "score >= 7",
		EscalateExpr: "score >= 5",
	}
}

// CELBoss evaluates the configured expressions, compiled once at construction.
type CELBoss struct {
	accept   cel.Program
	escalate cel.Program
	logger   *slog.Logger
}

// NewCELBoss compiles the routing expressions against a sandboxed environment.
func NewCELBoss(cfg CELConfig, logger *slog.Logger) (*CELBoss, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AcceptExpr == "" {
		cfg.AcceptExpr = DefaultCELConfig().AcceptExpr
	}
	if cfg.EscalateExpr == "" {
		cfg.EscalateExpr = DefaultCELConfig().EscalateExpr
	}

	env, err := cel.NewEnv(
		cel.Variable("score", cel.IntType),
		cel.Variable("rationale", cel.StringType),
		cel.Variable("text", cel.StringType),
	)
	if err != nil {
		return nil, err
	}

	accept, err := compileBool(env, cfg.AcceptExpr)
	if err != nil {
		return nil, err
	}
	escalate, err := compileBool(env, cfg.EscalateExpr)
	if err != nil {
		return nil, err
	}

	return &CELBoss{accept: accept, escalate: escalate, logger: logger}, nil
}

func compileBool(env *cel.Env, expression string) (cel.Program, error) {
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	return env.Program(ast)
}

// Decide routes the review. Expressions that error at runtime escalate: when
// the boss cannot decide, a human does.
func (b *CELBoss) Decide(_ context.Context, r Review) Outcome {
	activation := map[string]any{
		"score":     int64(r.Score),
		"rationale": r.Rationale,
		"text":      r.Text,
	}

	if matched, err := b.eval(b.accept, activation); err != nil {
		return OutcomeEscalate
	} else if matched {
		return OutcomeAccept
	}

	if matched, err := b.eval(b.escalate, activation); err != nil {
		return OutcomeEscalate
	} else if matched {
		return OutcomeEscalate
	}

	return OutcomeReject
}

func (b *CELBoss) eval(program cel.Program, activation map[string]any) (bool, error) {
	out, _, err := program.Eval(activation)
	if err != nil {
		b.logger.Warn("boss expression evaluation failed", slog.String("error", err.Error()))
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, nil
	}
	return matched, nil
}
