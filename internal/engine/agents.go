package engine

import (
	"context"
	"strconv"
	"strings"

	"github.com/punchlab/punchline/internal/backend"
	"github.com/punchlab/punchline/pkg/schema"
)

// Scorer rates a text item 0-10 with an optional free-text rationale.
type Scorer interface {
	Score(ctx context.Context, text string) (int, string, error)
}

const scoreInstructions = `You are a strict comedy critic. Rate the joke you are given.
Reply with exactly two lines:
SCORE: <integer 0-10>
RATIONALE: <one short sentence>`

// BackendScorer scores items through the language-model backend.
type BackendScorer struct {
	gen backend.Generator
}

// NewBackendScorer creates a Scorer backed by the given generator.
func NewBackendScorer(gen backend.Generator) *BackendScorer {
	return &BackendScorer{gen: gen}
}

// Score asks the backend to rate the text and parses its reply.
func (s *BackendScorer) Score(ctx context.Context, text string) (int, string, error) {
	completion, err := s.gen.Generate(ctx, text, scoreInstructions)
	if err != nil {
		return 0, "", err
	}
	return parseScore(completion.Text)
}

// parseScore extracts the score and rationale from a critic reply. It
// accepts the two-line format above, or a bare leading integer.
func parseScore(reply string) (int, string, error) {
	score := -1
	rationale := ""

	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "SCORE:"):
			raw := strings.TrimSpace(line[len("SCORE:"):])
			if n, err := strconv.Atoi(raw); err == nil {
				score = n
			}
		case strings.HasPrefix(upper, "RATIONALE:"):
			rationale = strings.TrimSpace(line[len("RATIONALE:"):])
		case score < 0:
			// Tolerate a bare integer as the first meaningful line.
			if n, err := strconv.Atoi(strings.Fields(line)[0]); err == nil {
				score = n
			}
		}
	}

	if score < 0 {
		return 0, "", schema.NewErrorf(schema.ErrCodeExecution, "unparseable critic reply: %q", truncateReply(reply))
	}
	if score > 10 {
		score = 10
	}
	return score, rationale, nil
}

func truncateReply(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
