package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

type Repository interface {
	InsertActions(ctx context.Context, actions []indexing.Action) ([]indexing.Action, error)
	UpdateAction(ctx context.Context, action indexing.Action) (indexing.Action, error)
	GetAction(ctx context.Context, id int64) (indexing.Action, error)
	ListActions(ctx context.Context, filter indexing.ActionFilter, order indexing.ActionOrder) ([]indexing.Action, error)
	TransitionActions(ctx context.Context, ids []int64, from []indexing.ActionStatus, to indexing.ActionStatus) ([]indexing.Action, error)
	ClaimActions(ctx context.Context, ids []int64) ([]indexing.Action, error)
	ResolveActions(ctx context.Context, outcomes []indexing.ActionOutcome) ([]indexing.Action, error)
	RecordExpectedAllocations(ctx context.Context, expected map[int64]string) error
	DeleteActions(ctx context.Context, ids []int64) (int, error)
}

// Notifier receives every action whose status changed.
type Notifier interface {
	ActionsChanged(ctx context.Context, actions []indexing.Action)
}

type nopNotifier struct{}

func (nopNotifier) ActionsChanged(context.Context, []indexing.Action) {}

type Skipped struct {
	ID     int64  `json:"id"`
	Reason string `json:"reason"`
}

type TransitionResult struct {
	Actions []indexing.Action `json:"actions"`
	Skipped []Skipped         `json:"skipped"`
}

type Queue struct {
	repo     Repository
	notifier Notifier
	now      func() time.Time
}

func NewQueue(repo Repository, notifier Notifier) *Queue {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Queue{
		repo:     repo,
		notifier: notifier,
		now:      time.Now,
	}
}

// Enqueue validates and stores all inputs or none of them.
func (q *Queue) Enqueue(ctx context.Context, inputs []indexing.ActionInput) ([]indexing.Action, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	now := q.now()
	batch := make([]indexing.Action, 0, len(inputs))
	for i, in := range inputs {
		if err := in.Validate(); err != nil {
			return nil, fmt.Errorf("action #%d: %w", i, err)
		}
		batch = append(batch, in.ToAction(now))
	}
	stored, err := q.repo.InsertActions(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to queue actions: %w", err)
	}
	log.Info().Msgf("queued %d actions", len(stored))
	q.notifier.ActionsChanged(ctx, stored)
	return stored, nil
}

// Update rewrites the fields of a queued or approved action. The status is kept.
func (q *Queue) Update(ctx context.Context, id int64, in indexing.ActionInput) (indexing.Action, error) {
	current, err := q.repo.GetAction(ctx, id)
	if err != nil {
		return indexing.Action{}, err
	}
	if in.Status != "" && in.Status != current.Status {
		return indexing.Action{}, &indexing.ValidationError{Field: "status", Reason: "can't be changed by update"}
	}
	in.Status = ""
	if err := in.Validate(); err != nil {
		return indexing.Action{}, err
	}
	next := in.ToAction(current.CreatedAt)
	next.ID = current.ID
	next.Status = current.Status
	updated, err := q.repo.UpdateAction(ctx, next)
	if err != nil {
		return indexing.Action{}, fmt.Errorf("failed to update action %d: %w", id, err)
	}
	return updated, nil
}

func (q *Queue) Approve(ctx context.Context, ids []int64) (TransitionResult, error) {
	return q.transition(ctx, ids, []indexing.ActionStatus{indexing.ActionQueued}, indexing.ActionApproved)
}

// Cancel cancels queued or approved actions. Pending actions belong to the
// executor and are skipped.
func (q *Queue) Cancel(ctx context.Context, ids []int64) (TransitionResult, error) {
	return q.transition(ctx, ids, []indexing.ActionStatus{indexing.ActionQueued, indexing.ActionApproved}, indexing.ActionCanceled)
}

func (q *Queue) transition(ctx context.Context, ids []int64, from []indexing.ActionStatus, to indexing.ActionStatus) (TransitionResult, error) {
	if len(ids) == 0 {
		return TransitionResult{}, nil
	}
	changed, err := q.repo.TransitionActions(ctx, ids, from, to)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("failed to move actions to %s: %w", to, err)
	}
	result := TransitionResult{Actions: changed}
	done := make(map[int64]struct{}, len(changed))
	for _, a := range changed {
		done[a.ID] = struct{}{}
	}
	rest := make([]int64, 0, len(ids)-len(changed))
	for _, id := range ids {
		if _, ok := done[id]; !ok {
			rest = append(rest, id)
		}
	}
	if len(rest) > 0 {
		result.Skipped, err = q.skipReasons(ctx, rest)
		if err != nil {
			return TransitionResult{}, err
		}
	}
	if len(changed) > 0 {
		q.notifier.ActionsChanged(ctx, changed)
	}
	return result, nil
}

func (q *Queue) skipReasons(ctx context.Context, ids []int64) ([]Skipped, error) {
	found, err := q.repo.ListActions(ctx, indexing.ActionFilter{IDs: ids}, indexing.ActionOrder{})
	if err != nil {
		return nil, fmt.Errorf("failed to read skipped actions: %w", err)
	}
	statuses := make(map[int64]indexing.ActionStatus, len(found))
	for _, a := range found {
		statuses[a.ID] = a.Status
	}
	skipped := make([]Skipped, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		status, ok := statuses[id]
		if !ok {
			skipped = append(skipped, Skipped{ID: id, Reason: "not found"})
			continue
		}
		skipped = append(skipped, Skipped{ID: id, Reason: "action is " + string(status)})
	}
	return skipped, nil
}

// Delete removes actions that are not pending and reports how many were removed.
func (q *Queue) Delete(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	removed, err := q.repo.DeleteActions(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete actions: %w", err)
	}
	return removed, nil
}

func (q *Queue) Get(ctx context.Context, id int64) (indexing.Action, error) {
	return q.repo.GetAction(ctx, id)
}

func (q *Queue) List(ctx context.Context, filter indexing.ActionFilter, order indexing.ActionOrder) ([]indexing.Action, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	return q.repo.ListActions(ctx, filter, order.OrDefault())
}

// Approved returns approved actions in execution order.
func (q *Queue) Approved(ctx context.Context) ([]indexing.Action, error) {
	approved, err := q.repo.ListActions(
		ctx,
		indexing.ActionFilter{Statuses: []indexing.ActionStatus{indexing.ActionApproved}},
		indexing.ActionOrder{Field: indexing.OrderByID, Direction: indexing.Asc},
	)
	if err != nil {
		return nil, err
	}
	SortForExecution(approved)
	return approved, nil
}

func (q *Queue) InFlight(ctx context.Context) ([]indexing.Action, error) {
	return q.repo.ListActions(
		ctx,
		indexing.ActionFilter{Statuses: indexing.InFlightStatuses},
		indexing.ActionOrder{Field: indexing.OrderByID, Direction: indexing.Asc},
	)
}

func (q *Queue) Pending(ctx context.Context) ([]indexing.Action, error) {
	return q.repo.ListActions(
		ctx,
		indexing.ActionFilter{Statuses: []indexing.ActionStatus{indexing.ActionPending}},
		indexing.ActionOrder{Field: indexing.OrderByID, Direction: indexing.Asc},
	)
}

// Claim moves approved actions to pending. Only actions this call moved are returned.
func (q *Queue) Claim(ctx context.Context, ids []int64) ([]indexing.Action, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	claimed, err := q.repo.ClaimActions(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to claim actions: %w", err)
	}
	if len(claimed) > 0 {
		q.notifier.ActionsChanged(ctx, claimed)
	}
	return claimed, nil
}

// ExpectAllocations remembers, per pending action id, the allocation id its
// operation is going to open. Reconciliation matches on it later.
func (q *Queue) ExpectAllocations(ctx context.Context, expected map[int64]string) error {
	if len(expected) == 0 {
		return nil
	}
	if err := q.repo.RecordExpectedAllocations(ctx, expected); err != nil {
		return fmt.Errorf("failed to record expected allocations: %w", err)
	}
	return nil
}

// Resolve records terminal outcomes for pending actions.
func (q *Queue) Resolve(ctx context.Context, outcomes []indexing.ActionOutcome) ([]indexing.Action, error) {
	if len(outcomes) == 0 {
		return nil, nil
	}
	for _, o := range outcomes {
		if o.Status != indexing.ActionSuccess && o.Status != indexing.ActionFailed {
			return nil, &indexing.ValidationError{Field: "status", Reason: fmt.Sprintf("action %d can't be resolved to %s", o.ID, o.Status)}
		}
	}
	resolved, err := q.repo.ResolveActions(ctx, outcomes)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve actions: %w", err)
	}
	if len(resolved) > 0 {
		q.notifier.ActionsChanged(ctx, resolved)
	}
	return resolved, nil
}
