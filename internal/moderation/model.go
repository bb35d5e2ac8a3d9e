package moderation

import (
	"context"
	"log/slog"
	"strings"

	"github.com/punchlab/punchline/internal/backend"
)

const classifierInstructions = `You are a content moderator. Reply with exactly one line:
ALLOW
or
BLOCK <category>: <short reason>
Categories: hate, harassment, violence, sexual, self-harm, other.`

// ModelPolicy classifies text with the language-model backend. Backend
// failures fail open: the pipeline prefers letting the heuristic-vetted item
// through over blocking on an outage.
type ModelPolicy struct {
	generator backend.Generator
	logger    *slog.Logger
}

// NewModelPolicy creates a model-backed policy.
func NewModelPolicy(generator backend.Generator, logger *slog.Logger) *ModelPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelPolicy{generator: generator, logger: logger}
}

// Evaluate asks the backend for a one-line classification verdict.
func (p *ModelPolicy) Evaluate(ctx context.Context, text string) Verdict {
	out, err := p.generator.Generate(ctx, text, classifierInstructions)
	if err != nil {
		p.logger.Warn("moderation backend unavailable, allowing item", slog.String("error", err.Error()))
		return Verdict{Allowed: true}
	}
	return parseVerdict(out.Text)
}

func parseVerdict(reply string) Verdict {
	line := strings.TrimSpace(reply)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}

	if strings.EqualFold(line, "ALLOW") {
		return Verdict{Allowed: true}
	}

	rest, ok := cutPrefixFold(line, "BLOCK")
	if !ok {
		// Unparseable classifier output counts as an allow, not a block.
		return Verdict{Allowed: true}
	}
	rest = strings.TrimSpace(rest)

	category, reason := rest, ""
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		category = strings.TrimSpace(rest[:i])
		reason = strings.TrimSpace(rest[i+1:])
	}
	if category == "" {
		category = "other"
	}
	return Verdict{Allowed: false, Category: strings.ToLower(category), Reason: reason}
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}
