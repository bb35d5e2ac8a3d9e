package review

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRouting(t *testing.T) {
	boss, err := NewCELBoss(CELConfig{}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	cases := []struct {
		score int
		want  Outcome
	}{
		{10, OutcomeAccept},
		{7, OutcomeAccept},
		{6, OutcomeEscalate},
		{5, OutcomeEscalate},
		{4, OutcomeReject},
		{0, OutcomeReject},
	}
	for _, tc := range cases {
		got := boss.Decide(ctx, Review{Score: tc.score})
		assert.Equal(t, tc.want, got, "score %d", tc.score)
	}
}

func TestCustomExpressions(t *testing.T) {
	boss, err := NewCELBoss(CELConfig{
		AcceptExpr:   `score >= 9 && rationale.contains("brilliant")`,
		EscalateExpr: `score >= 8`,
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	assert.Equal(t, OutcomeAccept, boss.Decide(ctx, Review{Score: 9, Rationale: "brilliant wordplay"}))
	assert.Equal(t, OutcomeEscalate, boss.Decide(ctx, Review{Score: 9, Rationale: "decent"}))
	assert.Equal(t, OutcomeReject, boss.Decide(ctx, Review{Score: 7, Rationale: "brilliant"}))
}

func TestInvalidExpressionFailsConstruction(t *testing.T) {
	_, err := NewCELBoss(CELConfig{AcceptExpr: "score >>>= nonsense"}, nil)
	require.Error(t, err)
}

func TestTextAvailableInEnvironment(t *testing.T) {
	boss, err := NewCELBoss(CELConfig{
		AcceptExpr:   `text.contains("gopher")`,
		EscalateExpr: `false`,
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	assert.Equal(t, OutcomeAccept, boss.Decide(ctx, Review{Score: 1, Text: "a gopher joke"}))
	assert.Equal(t, OutcomeReject, boss.Decide(ctx, Review{Score: 10, Text: "a crab joke"}))
}
