package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/indexer-agent/internal/actions"
	"github.com/Sh00ty/indexer-agent/internal/network"
	"github.com/Sh00ty/indexer-agent/internal/operations"
	"github.com/Sh00ty/indexer-agent/internal/storage/inmemory"
	"github.com/Sh00ty/indexer-agent/internal/txmanager"
	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

const indexer = "0x1111111111111111111111111111111111111111"

type fakeView struct {
	snap  network.Snapshot
	err   error
	calls atomic.Int32
}

func (v *fakeView) Epoch(context.Context) (int64, error) {
	v.calls.Add(1)
	return v.snap.Epoch, v.err
}

func (v *fakeView) Parameters(context.Context) (indexing.NetworkParameters, error) {
	return v.snap.Parameters, v.err
}

func (v *fakeView) Deployments(context.Context) ([]indexing.Deployment, error) {
	return v.snap.Deployments, v.err
}

func (v *fakeView) Allocations(context.Context, string) ([]indexing.Allocation, error) {
	return v.snap.Allocations, v.err
}

type fakeSubmitter struct {
	submit    func(ops []operations.Operation) ([]txmanager.ItemOutcome, error)
	submitted [][]operations.Operation
}

func (s *fakeSubmitter) Submit(_ context.Context, ops []operations.Operation) ([]txmanager.ItemOutcome, error) {
	s.submitted = append(s.submitted, ops)
	return s.submit(ops)
}

func succeedAll(ops []operations.Operation) ([]txmanager.ItemOutcome, error) {
	out := make([]txmanager.ItemOutcome, 0, len(ops))
	for _, op := range ops {
		out = append(out, txmanager.ItemOutcome{ActionID: op.Action().ID, TransactionRef: "0xtx"})
	}
	return out, nil
}

type notLeader struct{}

func (notLeader) IsLeader() bool { return false }

type fixture struct {
	queue     *actions.Queue
	view      *fakeView
	submitter *fakeSubmitter
	exec      *Executor
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := inmemory.New()
	require.NoError(t, err)
	f := &fixture{
		queue: actions.NewQueue(store, nil),
		view: &fakeView{snap: network.Snapshot{
			Epoch: 100,
			Parameters: indexing.NetworkParameters{
				Indexer:           indexer,
				DisputeEpochs:     7,
				MinimumAllocation: decimal.NewFromInt(1),
			},
			Deployments: []indexing.Deployment{
				{ID: "Qm1", SignalledTokens: decimal.NewFromInt(10)},
				{ID: "Qm2", SignalledTokens: decimal.NewFromInt(10)},
				{ID: "Qm3", SignalledTokens: decimal.NewFromInt(10)},
			},
		}},
		submitter: &fakeSubmitter{submit: succeedAll},
	}
	f.exec = New(f.queue, f.view, operations.NewBuilder(nil), f.submitter, nil, nil, cfg, zerolog.Nop())
	return f
}

func (f *fixture) approve(t *testing.T, deployments ...string) []indexing.Action {
	t.Helper()
	inputs := make([]indexing.ActionInput, 0, len(deployments))
	for _, d := range deployments {
		inputs = append(inputs, indexing.ActionInput{
			Status:       indexing.ActionApproved,
			Type:         indexing.ActionAllocate,
			DeploymentID: d,
			Amount:       decimal.NewNullDecimal(decimal.NewFromInt(100)),
			Source:       "test",
		})
	}
	stored, err := f.queue.Enqueue(context.Background(), inputs)
	require.NoError(t, err)
	return stored
}

func (f *fixture) status(t *testing.T, id int64) indexing.Action {
	t.Helper()
	a, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestExecuteApprovedWithNothingApproved(t *testing.T) {
	f := newFixture(t, Config{})
	f.view.err = errors.New("must not be called")

	result, err := f.exec.ExecuteApproved(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, result)
	assert.Empty(t, result)
	assert.Zero(t, f.view.calls.Load())
}

func TestBatchWithRevertedItem(t *testing.T) {
	f := newFixture(t, Config{})
	stored := f.approve(t, "Qm1", "Qm2", "Qm3")
	f.submitter.submit = func(ops []operations.Operation) ([]txmanager.ItemOutcome, error) {
		out, _ := succeedAll(ops)
		out[1].Err = &indexing.ExternalOperationError{Reason: "execution reverted"}
		return out, nil
	}

	result, err := f.exec.ExecuteApproved(context.Background())
	require.NoError(t, err)
	require.Len(t, result, 3)
	assert.Equal(t, indexing.ActionSuccess, result[0].Status)
	assert.Equal(t, indexing.ActionFailed, result[1].Status)
	assert.Equal(t, "execution reverted", result[1].FailureReason)
	assert.Equal(t, indexing.ActionSuccess, result[2].Status)

	assert.Equal(t, indexing.ActionSuccess, f.status(t, stored[0].ID).Status)
	assert.Equal(t, indexing.ActionFailed, f.status(t, stored[1].ID).Status)
	assert.Equal(t, indexing.ActionSuccess, f.status(t, stored[2].ID).Status)
	require.NotNil(t, f.status(t, stored[0].ID).Result)
	assert.NotEmpty(t, f.status(t, stored[0].ID).Result.AllocationID)
}

func TestFailedItemWithoutReasonGetsOne(t *testing.T) {
	f := newFixture(t, Config{})
	stored := f.approve(t, "Qm1")
	f.submitter.submit = func(ops []operations.Operation) ([]txmanager.ItemOutcome, error) {
		return []txmanager.ItemOutcome{{
			ActionID: ops[0].Action().ID,
			Err:      &indexing.ExternalOperationError{},
		}}, nil
	}

	_, err := f.exec.ExecuteApproved(context.Background())
	require.NoError(t, err)
	got := f.status(t, stored[0].ID)
	assert.Equal(t, indexing.ActionFailed, got.Status)
	assert.Equal(t, defaultFailureReason, got.FailureReason)
}

func TestFailedItemThroughTxManager(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Operations []struct {
				ActionID int64 `json:"actionID"`
			} `json:"operations"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Operations, 1)
		_, _ = fmt.Fprintf(w, `{"items":[{"actionID":%d,"status":"failed"}]}`, req.Operations[0].ActionID)
	}))
	defer srv.Close()

	f := newFixture(t, Config{})
	f.approve(t, "Qm1")
	f.exec.submitter = txmanager.NewClient(srv.URL, time.Second, 1)

	result, err := f.exec.ExecuteApproved(context.Background())
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, indexing.ActionFailed, result[0].Status)
	assert.NotEmpty(t, result[0].FailureReason)
}

func TestBuildFailureIsNotSubmitted(t *testing.T) {
	f := newFixture(t, Config{})
	stored := f.approve(t, "Qm1", "QmUnknown")

	result, err := f.exec.ExecuteApproved(context.Background())
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, indexing.ActionSuccess, f.status(t, stored[0].ID).Status)
	failedAction := f.status(t, stored[1].ID)
	assert.Equal(t, indexing.ActionFailed, failedAction.Status)
	assert.Contains(t, failedAction.FailureReason, "not known")

	require.Len(t, f.submitter.submitted, 1)
	assert.Len(t, f.submitter.submitted[0], 1)
}

func TestWholeBatchErrors(t *testing.T) {
	f := newFixture(t, Config{})
	stored := f.approve(t, "Qm1", "Qm2")
	f.submitter.submit = func([]operations.Operation) ([]txmanager.ItemOutcome, error) {
		return nil, &indexing.ExternalOperationError{Reason: "insufficient funds"}
	}
	_, err := f.exec.ExecuteApproved(context.Background())
	require.NoError(t, err)
	for _, a := range stored {
		got := f.status(t, a.ID)
		assert.Equal(t, indexing.ActionFailed, got.Status)
		assert.Equal(t, "insufficient funds", got.FailureReason)
	}

	f = newFixture(t, Config{})
	stored = f.approve(t, "Qm1", "Qm2")
	f.submitter.submit = func([]operations.Operation) ([]txmanager.ItemOutcome, error) {
		return nil, &indexing.TransientNetworkError{Op: "submit", Err: errors.New("timeout")}
	}
	result, err := f.exec.ExecuteApproved(context.Background())
	require.NoError(t, err)
	require.Len(t, result, 2)
	for _, a := range stored {
		assert.Equal(t, indexing.ActionPending, f.status(t, a.ID).Status)
	}
}

func TestDeferralUntilBatchFills(t *testing.T) {
	f := newFixture(t, Config{MinBatchSize: 3, MaxBatchDelay: time.Hour})
	stored := f.approve(t, "Qm1")

	result, err := f.exec.cycle(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, result)
	assert.Equal(t, indexing.ActionApproved, f.status(t, stored[0].ID).Status)

	f.exec.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	result, err = f.exec.cycle(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, result, 1)
}

func TestDeferralBypass(t *testing.T) {
	f := newFixture(t, Config{MinBatchSize: 3, MaxBatchDelay: time.Hour})
	f.approve(t, "Qm1")
	result, err := f.exec.ExecuteApproved(context.Background())
	require.NoError(t, err)
	assert.Len(t, result, 1)

	f = newFixture(t, Config{MinBatchSize: 3, MaxBatchDelay: time.Hour})
	forced := indexing.ActionInput{
		Status:       indexing.ActionApproved,
		Type:         indexing.ActionAllocate,
		DeploymentID: "Qm1",
		Amount:       decimal.NewNullDecimal(decimal.NewFromInt(100)),
		Force:        true,
		Source:       "test",
	}
	_, err = f.queue.Enqueue(context.Background(), []indexing.ActionInput{forced})
	require.NoError(t, err)
	result, err = f.exec.cycle(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, result, 1)
}

func TestMaxBatchSizeKeepsPriorityOrder(t *testing.T) {
	f := newFixture(t, Config{MaxBatchSize: 2})
	stored := f.approve(t, "Qm1", "Qm2", "Qm3")

	result, err := f.exec.ExecuteApproved(context.Background())
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, stored[0].ID, result[0].ID)
	assert.Equal(t, stored[1].ID, result[1].ID)
	assert.Equal(t, indexing.ActionApproved, f.status(t, stored[2].ID).Status)
}

func TestReconcilePendingActions(t *testing.T) {
	f := newFixture(t, Config{MaxPendingCycles: 2})
	stored := f.approve(t, "Qm1", "Qm2")
	f.submitter.submit = func([]operations.Operation) ([]txmanager.ItemOutcome, error) {
		return nil, &indexing.TransientNetworkError{Op: "submit", Err: errors.New("timeout")}
	}
	_, err := f.exec.ExecuteApproved(context.Background())
	require.NoError(t, err)

	pending := f.status(t, stored[0].ID)
	require.NotNil(t, pending.Result)
	expected := pending.Result.AllocationID
	require.NotEmpty(t, expected)

	f.view.snap.Allocations = []indexing.Allocation{
		{ID: expected, Indexer: indexer, DeploymentID: "Qm1", Tokens: decimal.NewFromInt(100), CreatedAtEpoch: 100},
	}
	_, err = f.exec.ExecuteApproved(context.Background())
	require.NoError(t, err)
	first := f.status(t, stored[0].ID)
	assert.Equal(t, indexing.ActionSuccess, first.Status)
	assert.Equal(t, expected, first.Result.AllocationID)
	assert.Equal(t, indexing.ActionPending, f.status(t, stored[1].ID).Status)

	_, err = f.exec.ExecuteApproved(context.Background())
	require.NoError(t, err)
	second := f.status(t, stored[1].ID)
	assert.Equal(t, indexing.ActionFailed, second.Status)
	assert.Equal(t, notObservedReason, second.FailureReason)

	// pending actions are reconciled, never submitted again
	assert.Len(t, f.submitter.submitted, 1)
}

func TestReconcileUnallocate(t *testing.T) {
	snap := network.Snapshot{
		Epoch:      100,
		Parameters: indexing.NetworkParameters{Indexer: indexer, DisputeEpochs: 7},
		Allocations: []indexing.Allocation{
			{ID: "0xa1", Indexer: indexer, DeploymentID: "Qm1", Tokens: decimal.NewFromInt(1), ClosedAtEpoch: 99},
			{ID: "0xa2", Indexer: indexer, DeploymentID: "Qm2", Tokens: decimal.NewFromInt(1)},
			{ID: "0xa3", Indexer: indexer, DeploymentID: "Qm2", Tokens: decimal.NewFromInt(1), ClosedAtEpoch: 99},
		},
	}
	_, ok := observed(snap, indexing.Action{Type: indexing.ActionUnallocate, AllocationID: "0xa1"})
	assert.True(t, ok)
	_, ok = observed(snap, indexing.Action{Type: indexing.ActionUnallocate, AllocationID: "0xa2"})
	assert.False(t, ok)

	expectA2 := &indexing.ActionResult{AllocationID: "0xa2"}
	result, ok := observed(snap, indexing.Action{Type: indexing.ActionReallocate, AllocationID: "0xa3", Result: expectA2})
	require.True(t, ok)
	assert.Equal(t, "0xa2", result.AllocationID)
	_, ok = observed(snap, indexing.Action{Type: indexing.ActionReallocate, AllocationID: "0xa3"})
	assert.False(t, ok, "nothing was recorded, so nothing was submitted")
	_, ok = observed(snap, indexing.Action{Type: indexing.ActionReallocate, AllocationID: "0xa1", Result: expectA2})
	assert.False(t, ok)
}

func TestReconcileAllocateMatchesRecordedAllocation(t *testing.T) {
	snap := network.Snapshot{
		Epoch:      100,
		Parameters: indexing.NetworkParameters{Indexer: indexer, DisputeEpochs: 7},
		Allocations: []indexing.Allocation{
			{ID: "0xold", Indexer: indexer, DeploymentID: "Qm1", Tokens: decimal.NewFromInt(1), CreatedAtEpoch: 20},
		},
	}
	action := indexing.Action{
		Type:         indexing.ActionAllocate,
		DeploymentID: "Qm1",
		Result:       &indexing.ActionResult{AllocationID: "0xnew"},
	}
	_, ok := observed(snap, action)
	assert.False(t, ok, "an older allocation on the deployment is not ours")

	snap.Allocations = append(snap.Allocations, indexing.Allocation{
		ID: "0xNEW", Indexer: indexer, DeploymentID: "Qm1", Tokens: decimal.NewFromInt(1), CreatedAtEpoch: 100,
	})
	result, ok := observed(snap, action)
	require.True(t, ok)
	assert.Equal(t, "0xNEW", result.AllocationID)

	action.Result = nil
	_, ok = observed(snap, action)
	assert.False(t, ok)
}

func TestExpectedAllocationFailureSkipsSubmission(t *testing.T) {
	f := newFixture(t, Config{})
	stored := f.approve(t, "Qm1")
	f.exec.queue = failingExpect{Queue: f.queue}

	_, err := f.exec.ExecuteApproved(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.submitter.submitted)
	assert.Equal(t, indexing.ActionPending, f.status(t, stored[0].ID).Status)
}

type failingExpect struct {
	*actions.Queue
}

func (failingExpect) ExpectAllocations(context.Context, map[int64]string) error {
	return errors.New("db is gone")
}

func TestNetworkFailureDefersCycle(t *testing.T) {
	f := newFixture(t, Config{})
	stored := f.approve(t, "Qm1")
	f.view.err = errors.New("gateway down")

	_, err := f.exec.ExecuteApproved(context.Background())
	require.Error(t, err)
	assert.Equal(t, indexing.ActionApproved, f.status(t, stored[0].ID).Status)
}

func TestNonLeaderRefusesManualRun(t *testing.T) {
	f := newFixture(t, Config{})
	exec := New(f.queue, f.view, operations.NewBuilder(nil), f.submitter, notLeader{}, nil, Config{}, zerolog.Nop())
	_, err := exec.ExecuteApproved(context.Background())
	assert.True(t, indexing.IsConflict(err))
}

func TestRunSkipsTickWhileCycleRuns(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Millisecond})
	f.approve(t, "Qm1")

	f.exec.runGuard.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.exec.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.submitter.submitted)
	f.exec.runGuard.Unlock()

	assert.Eventually(t, func() bool {
		a, err := f.queue.List(context.Background(), indexing.ActionFilter{Statuses: []indexing.ActionStatus{indexing.ActionSuccess}}, indexing.ActionOrder{})
		return err == nil && len(a) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
