package actions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/indexer-agent/internal/storage/inmemory"
	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

func newQueue(t *testing.T) *Queue {
	t.Helper()
	store, err := inmemory.New()
	require.NoError(t, err)
	return NewQueue(store, nil)
}

func allocate(deployment string, amount int64) indexing.ActionInput {
	return indexing.ActionInput{
		Type:         indexing.ActionAllocate,
		DeploymentID: deployment,
		Amount:       decimal.NewNullDecimal(decimal.NewFromInt(amount)),
		Source:       "cli",
		Reason:       "manual",
	}
}

func unallocate(allocation string) indexing.ActionInput {
	return indexing.ActionInput{
		Type:         indexing.ActionUnallocate,
		AllocationID: allocation,
		Force:        true,
		Source:       "cli",
		Reason:       "manual",
	}
}

func TestEnqueueAssignsIDs(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	stored, err := q.Enqueue(ctx, []indexing.ActionInput{allocate("Qm1", 10), unallocate("0xaa")})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Less(t, stored[0].ID, stored[1].ID)
	assert.Equal(t, indexing.ActionQueued, stored[0].Status)

	got, err := q.Get(ctx, stored[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "0xaa", got.AllocationID)
}

func TestEnqueueDuplicateAllocateConflictsUntilTerminal(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	first, err := q.Enqueue(ctx, []indexing.ActionInput{allocate("Qm1", 10)})
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, []indexing.ActionInput{allocate("Qm1", 20)})
	var conflict *indexing.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first[0].ID, conflict.ExistingID)

	_, err = q.Approve(ctx, []int64{first[0].ID})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, []indexing.ActionInput{allocate("Qm1", 20)})
	require.ErrorAs(t, err, &conflict)

	claimed, err := q.Claim(ctx, []int64{first[0].ID})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = q.Enqueue(ctx, []indexing.ActionInput{allocate("Qm1", 20)})
	require.ErrorAs(t, err, &conflict)

	_, err = q.Resolve(ctx, []indexing.ActionOutcome{{ID: first[0].ID, Status: indexing.ActionSuccess, TransactionRef: "0xtx"}})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, []indexing.ActionInput{allocate("Qm1", 20)})
	require.NoError(t, err)
}

func TestEnqueueIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	_, err := q.Enqueue(ctx, []indexing.ActionInput{allocate("Qm1", 1), allocate("Qm2", 1), allocate("Qm1", 2)})
	assert.True(t, indexing.IsConflict(err))

	all, err := q.List(ctx, indexing.ActionFilter{}, indexing.ActionOrder{})
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = q.Enqueue(ctx, []indexing.ActionInput{allocate("Qm1", 1), {Type: indexing.ActionAllocate, Source: "cli"}})
	assert.True(t, indexing.IsValidation(err))
}

func TestConcurrentClaimHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	in := allocate("Qm1", 1)
	in.Status = indexing.ActionApproved
	stored, err := q.Enqueue(ctx, []indexing.ActionInput{in})
	require.NoError(t, err)
	id := stored[0].ID

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := q.Claim(ctx, []int64{id})
			assert.NoError(t, err)
			mu.Lock()
			winners += len(claimed)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, indexing.ActionPending, got.Status)
}

func TestApproveAndCancelReportSkipped(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	stored, err := q.Enqueue(ctx, []indexing.ActionInput{allocate("Qm1", 1), allocate("Qm2", 1), allocate("Qm3", 1)})
	require.NoError(t, err)

	res, err := q.Approve(ctx, []int64{stored[0].ID, stored[1].ID, 999})
	require.NoError(t, err)
	assert.Len(t, res.Actions, 2)
	assert.Equal(t, []Skipped{{ID: 999, Reason: "not found"}}, res.Skipped)

	_, err = q.Claim(ctx, []int64{stored[0].ID})
	require.NoError(t, err)

	res, err = q.Cancel(ctx, []int64{stored[0].ID, stored[1].ID, stored[2].ID})
	require.NoError(t, err)
	require.Len(t, res.Actions, 2)
	for _, a := range res.Actions {
		assert.Equal(t, indexing.ActionCanceled, a.Status)
	}
	assert.Equal(t, []Skipped{{ID: stored[0].ID, Reason: "action is pending"}}, res.Skipped)

	res, err = q.Approve(ctx, []int64{stored[2].ID})
	require.NoError(t, err)
	assert.Empty(t, res.Actions)
	assert.Equal(t, "action is canceled", res.Skipped[0].Reason)
}

func TestDeletePendingRejected(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	stored, err := q.Enqueue(ctx, []indexing.ActionInput{allocate("Qm1", 1), allocate("Qm2", 1), allocate("Qm3", 1)})
	require.NoError(t, err)
	pending, canceled, failed := stored[0].ID, stored[1].ID, stored[2].ID

	_, err = q.Approve(ctx, []int64{pending, failed})
	require.NoError(t, err)
	_, err = q.Claim(ctx, []int64{pending, failed})
	require.NoError(t, err)
	_, err = q.Resolve(ctx, []indexing.ActionOutcome{{ID: failed, Status: indexing.ActionFailed, FailureReason: "reverted"}})
	require.NoError(t, err)
	_, err = q.Cancel(ctx, []int64{canceled})
	require.NoError(t, err)

	_, err = q.Delete(ctx, []int64{pending, canceled})
	assert.True(t, indexing.IsConflict(err))
	all, err := q.List(ctx, indexing.ActionFilter{}, indexing.ActionOrder{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	removed, err := q.Delete(ctx, []int64{canceled, failed})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	all, err = q.List(ctx, indexing.ActionFilter{}, indexing.ActionOrder{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, pending, all[0].ID)
}

func TestUpdateKeepsStatus(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	stored, err := q.Enqueue(ctx, []indexing.ActionInput{allocate("Qm1", 1), allocate("Qm2", 1)})
	require.NoError(t, err)
	id := stored[0].ID

	in := allocate("Qm1", 50)
	in.Priority = -1
	updated, err := q.Update(ctx, id, in)
	require.NoError(t, err)
	assert.True(t, updated.Amount.Decimal.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, indexing.ActionQueued, updated.Status)
	assert.Equal(t, -1, updated.Priority)

	in.Status = indexing.ActionApproved
	_, err = q.Update(ctx, id, in)
	assert.True(t, indexing.IsValidation(err))

	_, err = q.Update(ctx, id, allocate("Qm2", 1))
	assert.True(t, indexing.IsConflict(err))

	_, err = q.Update(ctx, 404, allocate("Qm9", 1))
	assert.True(t, indexing.IsNotFound(err))

	_, err = q.Cancel(ctx, []int64{id})
	require.NoError(t, err)
	_, err = q.Update(ctx, id, allocate("Qm1", 5))
	assert.True(t, indexing.IsConflict(err))
}

func TestListFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	stored, err := q.Enqueue(ctx, []indexing.ActionInput{allocate("Qm1", 30), allocate("Qm2", 10), unallocate("0x01")})
	require.NoError(t, err)

	list, err := q.List(ctx, indexing.ActionFilter{Type: indexing.ActionAllocate}, indexing.ActionOrder{Field: indexing.OrderByAmount, Direction: indexing.Asc})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, stored[1].ID, list[0].ID)

	list, err = q.List(ctx, indexing.ActionFilter{}, indexing.ActionOrder{})
	require.NoError(t, err)
	assert.Equal(t, stored[2].ID, list[0].ID)

	_, err = q.List(ctx, indexing.ActionFilter{}, indexing.ActionOrder{Field: "bogus"})
	assert.True(t, indexing.IsValidation(err))
}

func TestApprovedExecutionOrder(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	base := time.Now()
	q.now = func() time.Time { return base }

	a := allocate("Qm1", 1)
	a.Status = indexing.ActionApproved
	a.Priority = 5
	b := allocate("Qm2", 1)
	b.Status = indexing.ActionApproved
	_, err := q.Enqueue(ctx, []indexing.ActionInput{a, b})
	require.NoError(t, err)

	q.now = func() time.Time { return base.Add(-time.Minute) }
	c := allocate("Qm3", 1)
	c.Status = indexing.ActionApproved
	_, err = q.Enqueue(ctx, []indexing.ActionInput{c})
	require.NoError(t, err)

	approved, err := q.Approved(ctx)
	require.NoError(t, err)
	require.Len(t, approved, 3)
	assert.Equal(t, "Qm3", approved[0].DeploymentID)
	assert.Equal(t, "Qm2", approved[1].DeploymentID)
	assert.Equal(t, "Qm1", approved[2].DeploymentID)
}

func TestResolveRejectsNonTerminal(t *testing.T) {
	q := newQueue(t)
	_, err := q.Resolve(context.Background(), []indexing.ActionOutcome{{ID: 1, Status: indexing.ActionQueued}})
	assert.True(t, indexing.IsValidation(err))
}
