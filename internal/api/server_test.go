package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

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

const indexer = "0x1111111111111111111111111111111111111111"

type fakeExecutor struct {
	result []indexing.Action
	err    error
}

func (e fakeExecutor) ExecuteApproved(context.Context) ([]indexing.Action, error) {
	return e.result, e.err
}

type fakeDecisions struct {
	runs int
}

func (d *fakeDecisions) Run(context.Context) ([]indexing.Action, error) {
	d.runs++
	return []indexing.Action{}, nil
}

type fakeView struct {
	snap network.Snapshot
	err  error
}

func (v fakeView) Epoch(context.Context) (int64, error) { return v.snap.Epoch, v.err }

func (v fakeView) Parameters(context.Context) (indexing.NetworkParameters, error) {
	return v.snap.Parameters, v.err
}

func (v fakeView) Deployments(context.Context) ([]indexing.Deployment, error) {
	return v.snap.Deployments, v.err
}

func (v fakeView) Allocations(context.Context, string) ([]indexing.Allocation, error) {
	return v.snap.Allocations, v.err
}

type fixture struct {
	handler   http.Handler
	queue     *actions.Queue
	decisions *fakeDecisions
	rate      *shared.Value[decimal.Decimal]
}

func newFixture(t *testing.T, executor fakeExecutor, view fakeView) *fixture {
	t.Helper()
	store, err := inmemory.New()
	require.NoError(t, err)
	ruleStore := rules.NewStore(store, decimal.NewFromInt(100))
	require.NoError(t, ruleStore.EnsureGlobal(context.Background()))

	f := &fixture{
		queue:     actions.NewQueue(store, nil),
		decisions: &fakeDecisions{},
		rate:      shared.NewConversionRate(),
	}
	f.handler = NewServer(ruleStore, f.queue, executor, f.decisions, view, f.rate).Router()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func allocateInput(deployment string) map[string]any {
	return map[string]any{
		"type":         "allocate",
		"deploymentID": deployment,
		"amount":       "100",
		"source":       "cli",
		"reason":       "manual",
	}
}

func TestActionLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, fakeExecutor{}, fakeView{})

	rec := f.do(t, http.MethodPost, "/actions", []any{allocateInput("Qm1"), allocateInput("Qm2")})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	queued := decode[[]indexing.Action](t, rec)
	require.Len(t, queued, 2)

	rec = f.do(t, http.MethodPost, "/actions", []any{allocateInput("Qm1")})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/actions/approve", map[string]any{"ids": []int64{queued[0].ID, 999}})
	require.Equal(t, http.StatusOK, rec.Code)
	approved := decode[actions.TransitionResult](t, rec)
	require.Len(t, approved.Actions, 1)
	assert.Equal(t, indexing.ActionApproved, approved.Actions[0].Status)
	require.Len(t, approved.Skipped, 1)
	assert.Equal(t, "not found", approved.Skipped[0].Reason)

	rec = f.do(t, http.MethodGet, "/actions?status=approved", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]indexing.Action](t, rec), 1)

	rec = f.do(t, http.MethodPost, "/actions/cancel", map[string]any{"ids": []int64{queued[1].ID}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/actions/delete", map[string]any{"ids": []int64{queued[1].ID}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[deletedResponse](t, rec).Deleted)

	rec = f.do(t, http.MethodGet, "/actions/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActionValidationErrors(t *testing.T) {
	f := newFixture(t, fakeExecutor{}, fakeView{})

	in := allocateInput("Qm1")
	delete(in, "amount")
	rec := f.do(t, http.MethodPost, "/actions", []any{in})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "amount", decode[errorResponse](t, rec).Field)

	rec = f.do(t, http.MethodGet, "/actions?orderBy=color", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/actions?status=done", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/actions", bytes.NewReader([]byte(`{`)))
	out := httptest.NewRecorder()
	f.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

func TestUpdateAction(t *testing.T) {
	f := newFixture(t, fakeExecutor{}, fakeView{})
	rec := f.do(t, http.MethodPost, "/actions", []any{allocateInput("Qm1")})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[[]indexing.Action](t, rec)[0].ID

	in := allocateInput("Qm1")
	in["amount"] = "250"
	rec = f.do(t, http.MethodPut, "/actions/"+jsonInt(id), in)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[indexing.Action](t, rec).Amount.Decimal.Equal(decimal.NewFromInt(250)))

	in["status"] = "approved"
	rec = f.do(t, http.MethodPut, "/actions/"+jsonInt(id), in)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func jsonInt(v int64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

func TestExecuteApproved(t *testing.T) {
	f := newFixture(t, fakeExecutor{result: []indexing.Action{}}, fakeView{})
	rec := f.do(t, http.MethodPost, "/actions/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]indexing.Action](t, rec))

	f = newFixture(t, fakeExecutor{err: &indexing.ConflictError{Reason: "executor is not the leader"}}, fakeView{})
	rec = f.do(t, http.MethodPost, "/actions/execute", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f = newFixture(t, fakeExecutor{err: errors.New("boom")}, fakeView{})
	rec = f.do(t, http.MethodPost, "/actions/execute", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestIndexingRules(t *testing.T) {
	f := newFixture(t, fakeExecutor{}, fakeView{})

	rec := f.do(t, http.MethodPut, "/indexing-rules", map[string]any{
		"identifier":       "Qm1",
		"identifierType":   "deployment",
		"allocationAmount": "1000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/indexing-rules/Qm1?merged=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	merged := decode[indexing.IndexingRule](t, rec)
	assert.Equal(t, indexing.BasisRules, merged.DecisionBasis)
	assert.True(t, merged.AllocationAmount.Equal(decimal.NewFromInt(1000)))

	rec = f.do(t, http.MethodGet, "/indexing-rules/Qm1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[indexing.IndexingRule](t, rec).DecisionBasis)

	rec = f.do(t, http.MethodGet, "/indexing-rules/global", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/indexing-rules?merged=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]indexing.IndexingRule](t, rec), 2)

	rec = f.do(t, http.MethodPut, "/indexing-rules", map[string]any{"identifier": "Qm2", "identifierType": "planet"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/indexing-rules/Qm1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodDelete, "/indexing-rules/Qm1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/indexing-rules/delete", []indexing.RuleKey{
		{Identifier: "Qm1", IdentifierType: indexing.IdentifierDeployment},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[deletedResponse](t, rec).Deleted)

	rec = f.do(t, http.MethodGet, "/indexing-rules/Qm1?type=planet", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAllocations(t *testing.T) {
	view := fakeView{snap: network.Snapshot{
		Epoch:      100,
		Parameters: indexing.NetworkParameters{Indexer: indexer, DisputeEpochs: 7},
		Allocations: []indexing.Allocation{
			{ID: "0xa1", Indexer: indexer, DeploymentID: "Qm1", Tokens: decimal.NewFromInt(10)},
			{ID: "0xa2", Indexer: indexer, DeploymentID: "Qm2", Tokens: decimal.NewFromInt(10), ClosedAtEpoch: 50},
		},
	}}
	f := newFixture(t, fakeExecutor{}, view)

	rec := f.do(t, http.MethodGet, "/allocations?status=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]allocationResponse](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, "0xa1", got[0].ID)
	assert.Equal(t, indexing.AllocationActive, got[0].Status)

	rec = f.do(t, http.MethodGet, "/allocations?deployment=Qm2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[[]allocationResponse](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, indexing.AllocationFinalized, got[0].Status)

	rec = f.do(t, http.MethodGet, "/allocations?status=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f = newFixture(t, fakeExecutor{}, fakeView{err: errors.New("gateway down")})
	rec = f.do(t, http.MethodGet, "/allocations", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestConversionRateAndDecisions(t *testing.T) {
	f := newFixture(t, fakeExecutor{}, fakeView{})
	var notified int
	f.rate.Subscribe(func(decimal.Decimal) { notified++ })

	rec := f.do(t, http.MethodPut, "/conversion-rate", map[string]any{"rate": "1.5"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[conversionRateResponse](t, rec).Changed)

	rec = f.do(t, http.MethodPut, "/conversion-rate", map[string]any{"rate": "1.50"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[conversionRateResponse](t, rec).Changed)
	assert.Equal(t, 1, notified)

	rec = f.do(t, http.MethodPut, "/conversion-rate", map[string]any{"rate": "0"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/decisions/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.decisions.runs)
}

func TestQueueApprovedRequiresOperatorToken(t *testing.T) {
	f := newFixture(t, fakeExecutor{}, fakeView{})
	store, err := inmemory.New()
	require.NoError(t, err)
	handler := NewServer(rules.NewStore(store, decimal.NewFromInt(100)), f.queue, fakeExecutor{}, f.decisions, fakeView{}, f.rate).
		WithOperatorToken("secret").
		Router()

	approved := allocateInput("Qm1")
	approved["status"] = "approved"
	post := func(token string, body any) *httptest.ResponseRecorder {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/actions", bytes.NewReader(raw))
		if token != "" {
			req.Header.Set(OperatorTokenHeader, token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post("", []any{approved})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = post("wrong", []any{approved})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = post("", []any{allocateInput("Qm2")})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = post("secret", []any{approved})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	stored := decode[[]indexing.Action](t, rec)
	require.Len(t, stored, 1)
	assert.Equal(t, indexing.ActionApproved, stored[0].Status)
}
