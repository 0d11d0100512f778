package operations

import (
	"github.com/shopspring/decimal"

	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

// Operation is one of AllocateOperation, UnallocateOperation or ReallocateOperation.
type Operation interface {
	Action() indexing.Action
	operation()
}

type AllocateOperation struct {
	action       indexing.Action
	Indexer      string
	DeploymentID string
	AllocationID string
	Amount       decimal.Decimal
	Epoch        int64
}

func (o AllocateOperation) Action() indexing.Action { return o.action }
func (AllocateOperation) operation()                {}

type UnallocateOperation struct {
	action                  indexing.Action
	AllocationID            string
	DeploymentID            string
	Tokens                  decimal.Decimal
	POI                     string
	Force                   bool
	ReceiptsWorthCollecting bool
}

func (o UnallocateOperation) Action() indexing.Action { return o.action }
func (UnallocateOperation) operation()                {}

// ReallocateOperation closes an allocation and opens a new one on the same
// deployment in one submission.
type ReallocateOperation struct {
	action indexing.Action
	Close  UnallocateOperation
	Open   AllocateOperation
}

func (o ReallocateOperation) Action() indexing.Action { return o.action }
func (ReallocateOperation) operation()                {}
