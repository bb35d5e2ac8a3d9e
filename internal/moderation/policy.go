// Package moderation is the final gate before any byte is written: even a
// human-approved item is discarded when a rule blocks it.
package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Verdict is the outcome of evaluating a text item against content rules.
type Verdict struct {
	Allowed  bool   `json:"allowed"`
	Category string `json:"category,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Policy evaluates a text item. Implementations never fail: an evaluation
// problem resolves to a verdict, not an error.
type Policy interface {
	Evaluate(ctx context.Context, text string) Verdict
}

// Rule is one configurable heuristic rule. Expr is an expr-lang expression
// over the environment {text, length, words}; a true result blocks the item.
type Rule struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Expr     string `json:"expr"`
}

// HeuristicConfig configures the deterministic policy.
type HeuristicConfig struct {
	Blocklist []string `json:"blocklist"`
	MaxLength int      `json:"max_length"`
	Rules     []Rule   `json:"rules"`
}

const defaultMaxLength = 600

type compiledRule struct {
	rule    Rule
	program *vm.Program
}

// HeuristicPolicy blocks on blocklisted terms, excessive length, and any
// configured expr rule. Rules are compiled once at construction.
type HeuristicPolicy struct {
	cfg      HeuristicConfig
	compiled []compiledRule
	logger   *slog.Logger
}

// NewHeuristicPolicy compiles the rule set. Rules that fail to compile are
// dropped with a warning rather than failing construction.
func NewHeuristicPolicy(cfg HeuristicConfig, logger *slog.Logger) *HeuristicPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = defaultMaxLength
	}

	p := &HeuristicPolicy{cfg: cfg, logger: logger}
	for _, r := range cfg.Rules {
		program, err := expr.Compile(r.Expr,
			expr.Env(ruleEnv("")),
			expr.AsBool(),
		)
		if err != nil {
			logger.Warn("dropping uncompilable moderation rule",
				slog.String("rule", r.Name), slog.String("error", err.Error()))
			continue
		}
		p.compiled = append(p.compiled, compiledRule{rule: r, program: program})
	}
	return p
}

func ruleEnv(text string) map[string]any {
	lower := strings.ToLower(text)
	return map[string]any{
		"text":   lower,
		"length": len(text),
		"words":  len(strings.Fields(text)),
	}
}

// Evaluate runs blocklist, length, then expr rules, first block wins.
func (p *HeuristicPolicy) Evaluate(_ context.Context, text string) Verdict {
	lower := strings.ToLower(text)

	for _, term := range p.cfg.Blocklist {
		if term == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(term)) {
			return Verdict{Allowed: false, Category: "blocklist",
				Reason: fmt.Sprintf("contains blocked term %q", term)}
		}
	}

	if len(text) > p.cfg.MaxLength {
		return Verdict{Allowed: false, Category: "length",
			Reason: fmt.Sprintf("text length %d exceeds limit %d", len(text), p.cfg.MaxLength)}
	}

	env := ruleEnv(text)
	for _, cr := range p.compiled {
		out, err := vm.Run(cr.program, env)
		if err != nil {
			p.logger.Warn("moderation rule evaluation failed",
				slog.String("rule", cr.rule.Name), slog.String("error", err.Error()))
			continue
		}
		if blocked, ok := out.(bool); ok && blocked {
			category := cr.rule.Category
			if category == "" {
				category = "rule"
			}
			return Verdict{Allowed: false, Category: category,
				Reason: fmt.Sprintf("rule %q matched", cr.rule.Name)}
		}
	}

	return Verdict{Allowed: true}
}
