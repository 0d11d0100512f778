package executor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Sh00ty/indexer-agent/internal/metrics"
	"github.com/Sh00ty/indexer-agent/internal/network"
	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

const notObservedReason = "not observed on chain"

// reconcile resolves pending actions left by earlier cycles from what the
// network shows. Pending actions are never submitted again.
func (e *Executor) reconcile(ctx context.Context, snap network.Snapshot, pending []indexing.Action, log zerolog.Logger) error {
	outcomes := make([]indexing.ActionOutcome, 0, len(pending))
	for _, a := range pending {
		if result, ok := observed(snap, a); ok {
			outcomes = append(outcomes, indexing.ActionOutcome{
				ID:             a.ID,
				Status:         indexing.ActionSuccess,
				TransactionRef: a.TransactionRef,
				Result:         result,
			})
			continue
		}
		e.pendingCycles[a.ID]++
		if e.pendingCycles[a.ID] < e.cfg.MaxPendingCycles {
			continue
		}
		log.Warn().Msgf("action %d was not observed after %d cycles", a.ID, e.pendingCycles[a.ID])
		outcomes = append(outcomes, failed(a.ID, notObservedReason, a.TransactionRef))
	}
	if len(outcomes) == 0 {
		return nil
	}
	resolved, err := e.queue.Resolve(ctx, outcomes)
	if err != nil {
		return fmt.Errorf("failed to reconcile pending actions: %w", err)
	}
	for _, a := range resolved {
		delete(e.pendingCycles, a.ID)
	}
	e.metrics.Add(metrics.ExecutorReconciled, len(resolved))
	log.Info().Msgf("reconciled %d pending actions", len(resolved))
	return nil
}

// observed matches a pending action against the network. Allocations opened by
// allocate and reallocate are matched by the id recorded before submission.
func observed(snap network.Snapshot, a indexing.Action) (*indexing.ActionResult, bool) {
	switch a.Type {
	case indexing.ActionAllocate:
		opened, ok := expectedAllocation(snap, a)
		if !ok || opened.DeploymentID != a.DeploymentID {
			return nil, false
		}
		return &indexing.ActionResult{AllocationID: opened.ID}, true
	case indexing.ActionUnallocate:
		target, ok := snap.Allocation(a.AllocationID)
		if !ok || snap.Status(target) == indexing.AllocationActive {
			return nil, false
		}
		return &indexing.ActionResult{IndexingRewards: target.IndexingRewards}, true
	case indexing.ActionReallocate:
		target, ok := snap.Allocation(a.AllocationID)
		if !ok || snap.Status(target) == indexing.AllocationActive {
			return nil, false
		}
		opened, ok := expectedAllocation(snap, a)
		if !ok || opened.DeploymentID != target.DeploymentID {
			return nil, false
		}
		return &indexing.ActionResult{AllocationID: opened.ID, IndexingRewards: target.IndexingRewards}, true
	}
	return nil, false
}

func expectedAllocation(snap network.Snapshot, a indexing.Action) (indexing.Allocation, bool) {
	if a.Result == nil || a.Result.AllocationID == "" {
		return indexing.Allocation{}, false
	}
	return snap.Allocation(a.Result.AllocationID)
}

// forgetResolved drops counters of actions that are no longer pending.
func (e *Executor) forgetResolved(pending []indexing.Action) {
	still := make(map[int64]struct{}, len(pending))
	for _, a := range pending {
		still[a.ID] = struct{}{}
	}
	for id := range e.pendingCycles {
		if _, ok := still[id]; !ok {
			delete(e.pendingCycles, id)
		}
	}
}
