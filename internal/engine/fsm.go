package engine

import (
	"github.com/punchlab/punchline/pkg/schema"
)

// ValidItemTransitions defines the allowed item lifecycle transitions.
// Every stage may fall through to rejected; stored is terminal.
var ValidItemTransitions = map[schema.ItemStatus][]schema.ItemStatus{
	schema.ItemStatusGenerating: {
		schema.ItemStatusScoring,
		schema.ItemStatusRejected,
	},
	schema.ItemStatusScoring: {
		schema.ItemStatusDeciding,
		schema.ItemStatusRejected,
	},
	schema.ItemStatusDeciding: {
		schema.ItemStatusAwaitingApproval,
		schema.ItemStatusModerating,
		schema.ItemStatusRejected,
	},
	schema.ItemStatusAwaitingApproval: {
		schema.ItemStatusModerating,
		schema.ItemStatusRejected,
	},
	schema.ItemStatusModerating: {
		schema.ItemStatusStored,
		schema.ItemStatusRejected,
	},
}

func isValidItemTransition(from, to schema.ItemStatus) bool {
	allowed, ok := ValidItemTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// transition moves the item to the new status, validating against the
// transition table. Returns an error on an illegal transition so the loop
// surfaces it as a run-fatal bug instead of corrupting item state.
func (rs *runState) transition(item *Item, to schema.ItemStatus) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !isValidItemTransition(item.Status, to) {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"invalid item transition: %s -> %s", item.Status, to).WithItem(item.ID)
	}
	item.Status = to
	return nil
}
