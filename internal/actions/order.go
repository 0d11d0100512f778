package actions

import (
	"sort"

	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

// SortForExecution orders by priority, then age, then id. Lower priority runs first.
func SortForExecution(actions []indexing.Action) {
	sort.SliceStable(actions, func(i, j int) bool {
		a, b := actions[i], actions[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
