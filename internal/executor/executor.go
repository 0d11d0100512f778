package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog"

	"github.com/Sh00ty/indexer-agent/internal/metrics"
	"github.com/Sh00ty/indexer-agent/internal/network"
	"github.com/Sh00ty/indexer-agent/internal/operations"
	"github.com/Sh00ty/indexer-agent/internal/txmanager"
	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

type Queue interface {
	Approved(ctx context.Context) ([]indexing.Action, error)
	Pending(ctx context.Context) ([]indexing.Action, error)
	Claim(ctx context.Context, ids []int64) ([]indexing.Action, error)
	ExpectAllocations(ctx context.Context, expected map[int64]string) error
	Resolve(ctx context.Context, outcomes []indexing.ActionOutcome) ([]indexing.Action, error)
}

// Leader gates execution when several agents share one queue.
type Leader interface {
	IsLeader() bool
}

type alwaysLeader struct{}

func (alwaysLeader) IsLeader() bool { return true }

type Config struct {
	Interval         time.Duration
	MinBatchSize     int
	MaxBatchSize     int
	MaxBatchDelay    time.Duration
	MaxPendingCycles int
}

var ErrNotLeader = errors.New("executor is not the leader")

type Executor struct {
	queue     Queue
	view      network.View
	builder   *operations.Builder
	submitter txmanager.Submitter
	leader    Leader
	metrics   metrics.Metrics
	cfg       Config

	// runGuard serializes cycles; pendingCycles is only touched under it.
	runGuard      sync.Mutex
	pendingCycles map[int64]int
	wake          chan struct{}

	now func() time.Time
	log zerolog.Logger
}

func New(
	queue Queue,
	view network.View,
	builder *operations.Builder,
	submitter txmanager.Submitter,
	leader Leader,
	m metrics.Metrics,
	cfg Config,
	logger zerolog.Logger,
) *Executor {
	if leader == nil {
		leader = alwaysLeader{}
	}
	if m == nil {
		m = metrics.Noop{}
	}
	if cfg.MaxPendingCycles <= 0 {
		cfg.MaxPendingCycles = 5
	}
	return &Executor{
		queue:         queue,
		view:          view,
		builder:       builder,
		submitter:     submitter,
		leader:        leader,
		metrics:       m,
		cfg:           cfg,
		pendingCycles: make(map[int64]int),
		wake:          make(chan struct{}, 1),
		now:           time.Now,
		log:           logger.With().Str("component", "executor").Logger(),
	}
}

// Wake asks for a cycle as soon as possible without waiting for the next tick.
func (e *Executor) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run executes a cycle on every tick. Ticks that find a cycle in progress are skipped.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}
		if !e.leader.IsLeader() {
			e.log.Debug().Msg("not a leader, skip cycle")
			continue
		}
		if !e.runGuard.TryLock() {
			e.log.Debug().Msg("previous cycle is still running, skip tick")
			continue
		}
		_, err := e.cycle(ctx, false)
		e.runGuard.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			e.metrics.Increment(metrics.ExecutorErrors)
			e.log.Error().Err(err).Msg("executor cycle deferred")
		}
	}
}

// ExecuteApproved runs a cycle now, waiting for a running one to finish, and
// never defers a small batch.
func (e *Executor) ExecuteApproved(ctx context.Context) ([]indexing.Action, error) {
	if !e.leader.IsLeader() {
		return nil, &indexing.ConflictError{Reason: ErrNotLeader.Error()}
	}
	e.runGuard.Lock()
	defer e.runGuard.Unlock()
	return e.cycle(ctx, true)
}

func (e *Executor) cycle(ctx context.Context, manual bool) ([]indexing.Action, error) {
	cycleID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate cycle id: %w", err)
	}
	log := e.log.With().Str("cycle", cycleID).Logger()
	started := e.now()
	e.metrics.Increment(metrics.ExecutorCycles)
	defer func() {
		e.metrics.Duration(metrics.ExecutorCycleDuration, time.Since(started))
	}()

	pending, err := e.queue.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending actions: %w", err)
	}
	approved, err := e.queue.Approved(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read approved actions: %w", err)
	}
	e.metrics.Gauge(metrics.ExecutorPending, len(pending))
	e.forgetResolved(pending)
	if len(pending) == 0 && len(approved) == 0 {
		return []indexing.Action{}, nil
	}

	snap, err := network.Load(ctx, e.view)
	if err != nil {
		return nil, fmt.Errorf("network view unavailable: %w", err)
	}

	if len(pending) > 0 {
		if err := e.reconcile(ctx, snap, pending, log); err != nil {
			return nil, err
		}
	}
	if len(approved) == 0 {
		return []indexing.Action{}, nil
	}
	if !manual && e.shouldDefer(approved) {
		e.metrics.Increment(metrics.ExecutorDeferred)
		log.Info().Msgf("deferred %d approved actions until the batch fills up", len(approved))
		return []indexing.Action{}, nil
	}
	if e.cfg.MaxBatchSize > 0 && len(approved) > e.cfg.MaxBatchSize {
		approved = approved[:e.cfg.MaxBatchSize]
	}

	ids := make([]int64, 0, len(approved))
	for _, a := range approved {
		ids = append(ids, a.ID)
	}
	claimed, err := e.queue.Claim(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		log.Info().Msg("approved actions were taken by someone else")
		return []indexing.Action{}, nil
	}
	e.metrics.Add(metrics.ExecutorClaimed, len(claimed))
	claimed = inOrder(approved, claimed)
	log.Info().Msgf("claimed %d of %d approved actions", len(claimed), len(approved))

	return e.execute(ctx, snap, claimed, log)
}

func (e *Executor) shouldDefer(approved []indexing.Action) bool {
	if e.cfg.MinBatchSize <= 0 || len(approved) >= e.cfg.MinBatchSize {
		return false
	}
	oldest := approved[0].CreatedAt
	for _, a := range approved {
		if a.Force {
			return false
		}
		if a.CreatedAt.Before(oldest) {
			oldest = a.CreatedAt
		}
	}
	if e.cfg.MaxBatchDelay > 0 && e.now().Sub(oldest) >= e.cfg.MaxBatchDelay {
		return false
	}
	return true
}

func (e *Executor) execute(ctx context.Context, snap network.Snapshot, claimed []indexing.Action, log zerolog.Logger) ([]indexing.Action, error) {
	batch := e.builder.NewBatch(snap)
	ops := make([]operations.Operation, 0, len(claimed))
	outcomes := make([]indexing.ActionOutcome, 0, len(claimed))
	for _, a := range claimed {
		op, err := batch.Build(ctx, a)
		if err != nil {
			log.Warn().Err(err).Msgf("action %d can't be executed", a.ID)
			outcomes = append(outcomes, failed(a.ID, err.Error(), ""))
			continue
		}
		ops = append(ops, op)
	}

	if err := e.queue.ExpectAllocations(ctx, expectedAllocations(ops)); err != nil {
		// nothing is submitted, reconciliation fails these actions as not observed
		log.Error().Err(err).Msgf("skip submission of %d operations", len(ops))
		ops = nil
	}
	outcomes = append(outcomes, e.submit(ctx, ops, log)...)

	resolved, err := e.queue.Resolve(ctx, outcomes)
	if err != nil {
		return nil, fmt.Errorf("failed to record batch outcomes: %w", err)
	}
	for _, a := range resolved {
		switch a.Status {
		case indexing.ActionSuccess:
			e.metrics.Increment(metrics.ExecutorSucceeded)
		case indexing.ActionFailed:
			e.metrics.Increment(metrics.ExecutorFailed)
		}
	}
	return merge(claimed, resolved), nil
}

// submit returns terminal outcomes only. Items with unknown outcome stay pending.
func (e *Executor) submit(ctx context.Context, ops []operations.Operation, log zerolog.Logger) []indexing.ActionOutcome {
	if len(ops) == 0 {
		return nil
	}
	items, err := e.submitter.Submit(ctx, ops)
	if err != nil {
		var external *indexing.ExternalOperationError
		if !errors.As(err, &external) {
			e.metrics.Add(metrics.ExecutorUnknown, len(ops))
			log.Warn().Err(err).Msgf("batch of %d operations has unknown outcome, leave pending", len(ops))
			return nil
		}
		log.Warn().Err(err).Msgf("batch of %d operations rejected", len(ops))
		outcomes := make([]indexing.ActionOutcome, 0, len(ops))
		for _, op := range ops {
			outcomes = append(outcomes, failed(op.Action().ID, external.Reason, external.TransactionRef))
		}
		return outcomes
	}

	outcomes := make([]indexing.ActionOutcome, 0, len(items))
	for _, item := range items {
		var external *indexing.ExternalOperationError
		switch {
		case item.Err == nil:
			outcomes = append(outcomes, indexing.ActionOutcome{
				ID:             item.ActionID,
				Status:         indexing.ActionSuccess,
				TransactionRef: item.TransactionRef,
				Result:         item.Result,
			})
		case errors.As(item.Err, &external):
			outcomes = append(outcomes, failed(item.ActionID, external.Reason, item.TransactionRef))
		default:
			e.metrics.Increment(metrics.ExecutorUnknown)
			log.Warn().Err(item.Err).Msgf("action %d has unknown outcome, leave pending", item.ActionID)
		}
	}
	return outcomes
}

// expectedAllocations maps action ids to the allocation ids their operations open.
func expectedAllocations(ops []operations.Operation) map[int64]string {
	expected := make(map[int64]string, len(ops))
	for _, op := range ops {
		switch op := op.(type) {
		case operations.AllocateOperation:
			expected[op.Action().ID] = op.AllocationID
		case operations.ReallocateOperation:
			expected[op.Action().ID] = op.Open.AllocationID
		}
	}
	return expected
}

const defaultFailureReason = "operation rejected by network"

func failed(id int64, reason, txRef string) indexing.ActionOutcome {
	if strings.TrimSpace(reason) == "" {
		reason = defaultFailureReason
	}
	return indexing.ActionOutcome{
		ID:             id,
		Status:         indexing.ActionFailed,
		FailureReason:  reason,
		TransactionRef: txRef,
	}
}

// inOrder keeps the execution order of approved for the claimed subset.
func inOrder(approved, claimed []indexing.Action) []indexing.Action {
	won := make(map[int64]indexing.Action, len(claimed))
	for _, a := range claimed {
		won[a.ID] = a
	}
	result := make([]indexing.Action, 0, len(claimed))
	for _, a := range approved {
		if c, ok := won[a.ID]; ok {
			result = append(result, c)
		}
	}
	return result
}

// merge overlays resolved records on claimed ones, keeping claim order.
func merge(claimed, resolved []indexing.Action) []indexing.Action {
	byID := make(map[int64]indexing.Action, len(resolved))
	for _, a := range resolved {
		byID[a.ID] = a
	}
	result := make([]indexing.Action, 0, len(claimed))
	for _, a := range claimed {
		if r, ok := byID[a.ID]; ok {
			a = r
		}
		result = append(result, a)
	}
	return result
}
