package decision

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/indexer-agent/internal/actions"
	"github.com/Sh00ty/indexer-agent/internal/network"
	"github.com/Sh00ty/indexer-agent/internal/rules"
	"github.com/Sh00ty/indexer-agent/internal/shared"
	"github.com/Sh00ty/indexer-agent/internal/storage/inmemory"
	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

type staticView struct {
	snap network.Snapshot
	err  error
}

func (v staticView) Epoch(context.Context) (int64, error) { return v.snap.Epoch, v.err }

func (v staticView) Parameters(context.Context) (indexing.NetworkParameters, error) {
	return v.snap.Parameters, v.err
}

func (v staticView) Deployments(context.Context) ([]indexing.Deployment, error) {
	return v.snap.Deployments, v.err
}

func (v staticView) Allocations(context.Context, string) ([]indexing.Allocation, error) {
	return v.snap.Allocations, v.err
}

type fixedPOI struct {
	err error
}

func (p fixedPOI) POI(context.Context, string, int64) (string, error) {
	return "0x" + strings.Repeat("cd", 32), p.err
}

type engineFixture struct {
	rules *rules.Store
	queue *actions.Queue
	rate  *shared.Value[decimal.Decimal]
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store, err := inmemory.New()
	require.NoError(t, err)
	f := &engineFixture{
		rules: rules.NewStore(store, decimal.NewFromInt(100)),
		queue: actions.NewQueue(store, nil),
		rate:  shared.NewConversionRate(),
	}
	require.NoError(t, f.rules.EnsureGlobal(context.Background()))
	_, err = f.rules.UpsertRule(context.Background(), globalRule(func(r *indexing.IndexingRule) {
		r.MinSignal = dec(50)
		r.AutoRenewal = ptr(false)
	}))
	require.NoError(t, err)
	return f
}

func (f *engineFixture) engine(view network.View, pois POIProvider, cfg Config) *Engine {
	return New(f.rules, f.queue, view, pois, f.rate, nil, cfg, zerolog.Nop())
}

func TestEngineQueuesForOversight(t *testing.T) {
	f := newEngineFixture(t)
	snap := baseSnapshot(supported("QmA", 100, 1), supported("QmB", 1, 1))
	snap.Allocations = []indexing.Allocation{active("0xb1", "QmB", 100, 99)}
	e := f.engine(staticView{snap: snap}, fixedPOI{}, Config{Mode: ModeOversight})

	queued, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, queued, 2)
	for _, a := range queued {
		assert.Equal(t, indexing.ActionQueued, a.Status)
		assert.Equal(t, indexing.PolicyEngineSource, a.Source)
		assert.NotEmpty(t, a.Reason)
	}
	assert.Equal(t, indexing.ActionUnallocate, queued[0].Type)
	assert.True(t, indexing.IsValidPOI(queued[0].POI))

	// in-flight actions hold their targets, nothing new is queued
	again, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestEngineAutoApproval(t *testing.T) {
	f := newEngineFixture(t)
	snap := baseSnapshot(supported("QmA", 100, 1), supported("QmB", 100, 2))

	e := f.engine(staticView{snap: snap}, fixedPOI{}, Config{Mode: ModeOversight, AutoApprove: []string{"QmB"}})
	queued, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, queued, 2)
	statuses := map[string]indexing.ActionStatus{}
	for _, a := range queued {
		statuses[a.DeploymentID] = a.Status
	}
	assert.Equal(t, indexing.ActionQueued, statuses["QmA"])
	assert.Equal(t, indexing.ActionApproved, statuses["QmB"])

	f = newEngineFixture(t)
	e = f.engine(staticView{snap: snap}, fixedPOI{}, Config{Mode: ModeAuto})
	queued, err = e.Run(context.Background())
	require.NoError(t, err)
	for _, a := range queued {
		assert.Equal(t, indexing.ActionApproved, a.Status)
	}
}

func TestEngineManualModeQueuesNothing(t *testing.T) {
	f := newEngineFixture(t)
	e := f.engine(staticView{err: errors.New("must not be called")}, fixedPOI{}, Config{Mode: ModeManual})
	queued, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestEngineDropsCollisionsWithOperatorActions(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.queue.Enqueue(context.Background(), []indexing.ActionInput{{
		Type:         indexing.ActionAllocate,
		DeploymentID: "QmA",
		Amount:       decimal.NewNullDecimal(decimal.NewFromInt(5)),
		Source:       "operator",
	}})
	require.NoError(t, err)

	snap := baseSnapshot(supported("QmA", 100, 1), supported("QmB", 100, 2))
	queued, err := f.engine(staticView{snap: snap}, fixedPOI{}, Config{}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "QmB", queued[0].DeploymentID)
}

func TestEngineSkipsCloseWithoutPOI(t *testing.T) {
	f := newEngineFixture(t)
	snap := baseSnapshot(supported("QmB", 1, 1))
	snap.Allocations = []indexing.Allocation{active("0xb1", "QmB", 100, 99)}

	queued, err := f.engine(staticView{snap: snap}, fixedPOI{err: errors.New("graph node down")}, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestEngineNetworkFailure(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine(staticView{err: errors.New("gateway down")}, fixedPOI{}, Config{}).Run(context.Background())
	require.Error(t, err)
}

func TestEngineConversionRate(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.rules.UpsertRule(context.Background(), globalRule(func(r *indexing.IndexingRule) {
		r.MinAverageQueryFees = dec(10)
	}))
	require.NoError(t, err)
	d := supported("QmA", 0, 0)
	d.AvgQueryFees = decimal.NewFromInt(15)
	e := f.engine(staticView{snap: baseSnapshot(d)}, fixedPOI{}, Config{})

	f.rate.Set(decimal.NewFromInt(2))
	queued, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, queued)

	f.rate.Set(decimal.NewFromInt(1))
	queued, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}
