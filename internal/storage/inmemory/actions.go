package inmemory

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/hashicorp/go-memdb"

	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

func (s *Store) InsertActions(_ context.Context, actions []indexing.Action) ([]indexing.Action, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	nextID := s.nextID
	stored := make([]indexing.Action, 0, len(actions))
	for _, a := range actions {
		if err := checkConflict(txn, a); err != nil {
			return nil, err
		}
		nextID++
		a.ID = nextID
		record := a.Clone()
		if err := txn.Insert(actionsTable, &record); err != nil {
			return nil, fmt.Errorf("failed to insert action: %w", err)
		}
		stored = append(stored, a)
	}
	s.nextID = nextID
	txn.Commit()
	return stored, nil
}

// UpdateAction replaces a queued or approved action, keeping its status.
func (s *Store) UpdateAction(_ context.Context, action indexing.Action) (indexing.Action, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	current, err := getAction(txn, action.ID)
	if err != nil {
		return indexing.Action{}, err
	}
	if current.Status != indexing.ActionQueued && current.Status != indexing.ActionApproved {
		return indexing.Action{}, &indexing.ConflictError{
			ExistingID: current.ID,
			Reason:     fmt.Sprintf("action in status %s can't be updated", current.Status),
		}
	}
	if err := checkConflict(txn, action); err != nil {
		return indexing.Action{}, err
	}
	action.Status = current.Status
	action.CreatedAt = current.CreatedAt
	action.UpdatedAt = s.now()
	record := action.Clone()
	if err := txn.Insert(actionsTable, &record); err != nil {
		return indexing.Action{}, fmt.Errorf("failed to update action: %w", err)
	}
	txn.Commit()
	return action, nil
}

func (s *Store) GetAction(_ context.Context, id int64) (indexing.Action, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return getAction(txn, id)
}

func (s *Store) ListActions(_ context.Context, filter indexing.ActionFilter, order indexing.ActionOrder) ([]indexing.Action, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(actionsTable, "id")
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	result := make([]indexing.Action, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		a := raw.(*indexing.Action)
		if filter.Match(*a) {
			result = append(result, a.Clone())
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return order.Less(result[i], result[j])
	})
	return result, nil
}

// TransitionActions moves every listed action whose status is in from to the
// to status and returns the ids that changed.
func (s *Store) TransitionActions(_ context.Context, ids []int64, from []indexing.ActionStatus, to indexing.ActionStatus) ([]indexing.Action, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	now := s.now()
	changed := make([]indexing.Action, 0, len(ids))
	for _, id := range ids {
		raw, err := txn.First(actionsTable, "id", id)
		if err != nil {
			return nil, fmt.Errorf("failed to read action %d: %w", id, err)
		}
		if raw == nil {
			continue
		}
		a := raw.(*indexing.Action).Clone()
		if !slices.Contains(from, a.Status) {
			continue
		}
		a.Status = to
		a.UpdatedAt = now
		record := a.Clone()
		if err := txn.Insert(actionsTable, &record); err != nil {
			return nil, fmt.Errorf("failed to update action %d: %w", id, err)
		}
		changed = append(changed, a)
	}
	txn.Commit()
	return changed, nil
}

func (s *Store) ClaimActions(ctx context.Context, ids []int64) ([]indexing.Action, error) {
	return s.TransitionActions(ctx, ids, []indexing.ActionStatus{indexing.ActionApproved}, indexing.ActionPending)
}

// ResolveActions writes terminal outcomes for actions that are still pending.
func (s *Store) ResolveActions(_ context.Context, outcomes []indexing.ActionOutcome) ([]indexing.Action, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	now := s.now()
	resolved := make([]indexing.Action, 0, len(outcomes))
	for _, o := range outcomes {
		raw, err := txn.First(actionsTable, "id", o.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to read action %d: %w", o.ID, err)
		}
		if raw == nil || raw.(*indexing.Action).Status != indexing.ActionPending {
			continue
		}
		a := o.Apply(raw.(*indexing.Action).Clone(), now)
		record := a.Clone()
		if err := txn.Insert(actionsTable, &record); err != nil {
			return nil, fmt.Errorf("failed to resolve action %d: %w", o.ID, err)
		}
		resolved = append(resolved, a)
	}
	txn.Commit()
	return resolved, nil
}

// RecordExpectedAllocations stores the allocation id a pending action is
// expected to open.
func (s *Store) RecordExpectedAllocations(_ context.Context, expected map[int64]string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	now := s.now()
	for id, allocationID := range expected {
		raw, err := txn.First(actionsTable, "id", id)
		if err != nil {
			return fmt.Errorf("failed to read action %d: %w", id, err)
		}
		if raw == nil || raw.(*indexing.Action).Status != indexing.ActionPending {
			continue
		}
		a := raw.(*indexing.Action).Clone()
		a.Result = &indexing.ActionResult{AllocationID: allocationID}
		a.UpdatedAt = now
		if err := txn.Insert(actionsTable, &a); err != nil {
			return fmt.Errorf("failed to update action %d: %w", id, err)
		}
	}
	txn.Commit()
	return nil
}

// DeleteActions removes the listed actions. Nothing is removed when any of them is pending.
func (s *Store) DeleteActions(_ context.Context, ids []int64) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	toDelete := make([]*indexing.Action, 0, len(ids))
	for _, id := range ids {
		raw, err := txn.First(actionsTable, "id", id)
		if err != nil {
			return 0, fmt.Errorf("failed to read action %d: %w", id, err)
		}
		if raw == nil {
			continue
		}
		a := raw.(*indexing.Action)
		if a.Status == indexing.ActionPending {
			return 0, &indexing.ConflictError{ExistingID: a.ID, Reason: "pending action can't be deleted"}
		}
		toDelete = append(toDelete, a)
	}
	for _, a := range toDelete {
		if err := txn.Delete(actionsTable, a); err != nil {
			return 0, fmt.Errorf("failed to delete action %d: %w", a.ID, err)
		}
	}
	txn.Commit()
	return len(toDelete), nil
}

func getAction(txn *memdb.Txn, id int64) (indexing.Action, error) {
	raw, err := txn.First(actionsTable, "id", id)
	if err != nil {
		return indexing.Action{}, fmt.Errorf("failed to read action %d: %w", id, err)
	}
	if raw == nil {
		return indexing.Action{}, &indexing.NotFoundError{Kind: "action", Key: fmt.Sprint(id)}
	}
	return raw.(*indexing.Action).Clone(), nil
}

func checkConflict(txn *memdb.Txn, a indexing.Action) error {
	lookups := []struct {
		index string
		value string
	}{
		{index: "deployment", value: a.DeploymentID},
		{index: "allocation", value: a.AllocationID},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		it, err := txn.Get(actionsTable, l.index, l.value)
		if err != nil {
			return fmt.Errorf("failed to look up in-flight actions: %w", err)
		}
		for raw := it.Next(); raw != nil; raw = it.Next() {
			other := raw.(*indexing.Action)
			if other.ID == a.ID || !other.Status.IsInFlight() {
				continue
			}
			return &indexing.ConflictError{
				ExistingID: other.ID,
				Target:     l.value,
				Reason:     fmt.Sprintf("%s action %d is %s", other.Type, other.ID, other.Status),
			}
		}
	}
	return nil
}
