package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchlab/punchline/pkg/schema"
)

func TestItemTransitions(t *testing.T) {
	cases := []struct {
		from, to schema.ItemStatus
		ok       bool
	}{
		{schema.ItemStatusGenerating, schema.ItemStatusScoring, true},
		{schema.ItemStatusGenerating, schema.ItemStatusRejected, true},
		{schema.ItemStatusGenerating, schema.ItemStatusStored, false},
		{schema.ItemStatusScoring, schema.ItemStatusDeciding, true},
		{schema.ItemStatusScoring, schema.ItemStatusModerating, false},
		{schema.ItemStatusDeciding, schema.ItemStatusAwaitingApproval, true},
		{schema.ItemStatusDeciding, schema.ItemStatusModerating, true},
		{schema.ItemStatusAwaitingApproval, schema.ItemStatusModerating, true},
		{schema.ItemStatusAwaitingApproval, schema.ItemStatusStored, false},
		{schema.ItemStatusModerating, schema.ItemStatusStored, true},
		{schema.ItemStatusModerating, schema.ItemStatusRejected, true},
		{schema.ItemStatusStored, schema.ItemStatusRejected, false},
		{schema.ItemStatusRejected, schema.ItemStatusScoring, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, isValidItemTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestRunStateTransition(t *testing.T) {
	rs := &runState{}
	item := &Item{ID: "r-1", Status: schema.ItemStatusGenerating}

	require.NoError(t, rs.transition(item, schema.ItemStatusScoring))
	assert.Equal(t, schema.ItemStatusScoring, item.Status)

	err := rs.transition(item, schema.ItemStatusStored)
	require.Error(t, err)
	assert.Equal(t, schema.ItemStatusScoring, item.Status, "failed transition leaves status unchanged")
}
