package operations

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Sh00ty/indexer-agent/internal/network"
	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

// ReceiptChecker tells whether closing an allocation leaves query fee receipts to collect.
type ReceiptChecker interface {
	WorthCollecting(ctx context.Context, allocationID string) (bool, error)
}

// AllocationLimits tells how many allocations may be active on a deployment at once.
type AllocationLimits interface {
	ParallelAllocations(ctx context.Context, deployment indexing.Deployment) (int, error)
}

type Builder struct {
	receipts ReceiptChecker
	limits   AllocationLimits
}

func NewBuilder(receipts ReceiptChecker) *Builder {
	return &Builder{receipts: receipts}
}

// WithLimits lets allocate open more than one allocation per deployment.
// Without limits a deployment holds at most one.
func (b *Builder) WithLimits(limits AllocationLimits) *Builder {
	b.limits = limits
	return b
}

// Batch builds operations for one submission. Allocation ids derived for
// earlier actions of the batch are not handed out twice.
type Batch struct {
	builder *Builder
	snap    network.Snapshot
	taken   map[string]struct{}
}

func (b *Builder) NewBatch(snap network.Snapshot) *Batch {
	taken := make(map[string]struct{}, len(snap.Allocations))
	for _, a := range snap.Allocations {
		taken[strings.ToLower(a.ID)] = struct{}{}
	}
	return &Batch{
		builder: b,
		snap:    snap,
		taken:   taken,
	}
}

func (b *Batch) Build(ctx context.Context, action indexing.Action) (Operation, error) {
	switch action.Type {
	case indexing.ActionAllocate:
		return b.allocate(ctx, action)
	case indexing.ActionUnallocate:
		return b.unallocate(ctx, action)
	case indexing.ActionReallocate:
		return b.reallocate(ctx, action)
	default:
		return nil, &indexing.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown action type %q", action.Type)}
	}
}

func (b *Batch) allocate(ctx context.Context, action indexing.Action) (AllocateOperation, error) {
	deployment, known := b.snap.Deployment(action.DeploymentID)
	if !known && !action.Force {
		return AllocateOperation{}, buildError("deployment %s is not known to the network", action.DeploymentID)
	}
	if known && deployment.SignalledTokens.IsZero() && !action.Force {
		return AllocateOperation{}, buildError("deployment %s has no signal", action.DeploymentID)
	}
	if !action.Amount.Valid {
		return AllocateOperation{}, &indexing.ValidationError{Field: "amount", Reason: "is required for allocate"}
	}
	if err := b.checkAmount(action.Amount.Decimal); err != nil {
		return AllocateOperation{}, err
	}
	if !known {
		deployment = indexing.Deployment{ID: action.DeploymentID}
	}
	active := b.snap.ActiveAllocations(action.DeploymentID)
	if limit := b.builder.parallelAllocations(ctx, deployment); len(active) >= limit {
		return AllocateOperation{}, buildError(
			"indexer already has %d active allocations on %s, parallelAllocations is %d",
			len(active), action.DeploymentID, limit,
		)
	}
	return b.open(action, action.DeploymentID, action.Amount.Decimal)
}

func (b *Batch) unallocate(ctx context.Context, action indexing.Action) (UnallocateOperation, error) {
	allocation, ok := b.snap.Allocation(action.AllocationID)
	if !ok {
		return UnallocateOperation{}, buildError("allocation %s not found", action.AllocationID)
	}
	if !indexing.SameAddress(allocation.Indexer, b.snap.Parameters.Indexer) {
		return UnallocateOperation{}, buildError("allocation %s belongs to another indexer", action.AllocationID)
	}
	if status := b.snap.Status(allocation); status != indexing.AllocationActive {
		return UnallocateOperation{}, buildError("allocation %s is %s, only active allocations can be closed", action.AllocationID, status)
	}

	poi := action.POI
	switch {
	case poi == "" && !action.Force:
		return UnallocateOperation{}, &indexing.ValidationError{Field: "poi", Reason: "is required to close an allocation without force"}
	case poi == "":
		poi = indexing.ZeroPOI
	case !indexing.IsValidPOI(poi):
		return UnallocateOperation{}, &indexing.ValidationError{Field: "poi", Reason: "must be a 32 byte hex string"}
	}

	return UnallocateOperation{
		action:                  action,
		AllocationID:            allocation.ID,
		DeploymentID:            allocation.DeploymentID,
		Tokens:                  allocation.Tokens,
		POI:                     poi,
		Force:                   action.Force,
		ReceiptsWorthCollecting: b.builder.worthCollecting(ctx, allocation.ID),
	}, nil
}

func (b *Batch) reallocate(ctx context.Context, action indexing.Action) (ReallocateOperation, error) {
	closing, err := b.unallocate(ctx, action)
	if err != nil {
		return ReallocateOperation{}, err
	}
	amount := closing.Tokens
	if action.Amount.Valid {
		amount = action.Amount.Decimal
	}
	if err := b.checkAmount(amount); err != nil {
		return ReallocateOperation{}, err
	}
	opening, err := b.open(action, closing.DeploymentID, amount)
	if err != nil {
		return ReallocateOperation{}, err
	}
	return ReallocateOperation{
		action: action,
		Close:  closing,
		Open:   opening,
	}, nil
}

func (b *Batch) open(action indexing.Action, deploymentID string, amount decimal.Decimal) (AllocateOperation, error) {
	indexer := b.snap.Parameters.Indexer
	id, ok := DeriveAllocationID(indexer, deploymentID, b.snap.Epoch, func(id string) bool {
		_, taken := b.taken[id]
		return taken
	})
	if !ok {
		return AllocateOperation{}, buildError("failed to find a free allocation id for %s", deploymentID)
	}
	b.taken[id] = struct{}{}
	return AllocateOperation{
		action:       action,
		Indexer:      indexer,
		DeploymentID: deploymentID,
		AllocationID: id,
		Amount:       amount,
		Epoch:        b.snap.Epoch,
	}, nil
}

// checkAmount allows zero allocations and otherwise enforces the network minimum.
func (b *Batch) checkAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return &indexing.ValidationError{Field: "amount", Reason: "can't be negative"}
	}
	if !amount.IsZero() && amount.LessThan(b.snap.Parameters.MinimumAllocation) {
		return &indexing.ValidationError{
			Field:  "amount",
			Reason: fmt.Sprintf("%s is below the minimum allocation %s", amount, b.snap.Parameters.MinimumAllocation),
		}
	}
	return nil
}

func (b *Builder) parallelAllocations(ctx context.Context, deployment indexing.Deployment) int {
	if b.limits == nil {
		return 1
	}
	limit, err := b.limits.ParallelAllocations(ctx, deployment)
	if err != nil {
		log.Warn().Err(err).Msgf("failed to read parallelAllocations of %s, assume 1", deployment.ID)
		return 1
	}
	if limit < 1 {
		return 1
	}
	return limit
}

func (b *Builder) worthCollecting(ctx context.Context, allocationID string) bool {
	if b.receipts == nil {
		return false
	}
	worth, err := b.receipts.WorthCollecting(ctx, allocationID)
	if err != nil {
		log.Warn().Err(err).Msgf("failed to check receipts of allocation %s", allocationID)
		return false
	}
	return worth
}

func buildError(format string, args ...any) error {
	return &indexing.ValidationError{Reason: fmt.Sprintf(format, args...)}
}
