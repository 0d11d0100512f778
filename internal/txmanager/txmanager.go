package txmanager

import (
	"context"

	"github.com/Sh00ty/indexer-agent/internal/operations"
	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

// ItemOutcome reports one submitted operation. Err is nil on success, an
// *indexing.ExternalOperationError when the network rejected the operation and
// an *indexing.TransientNetworkError when the outcome is unknown.
type ItemOutcome struct {
	ActionID       int64
	TransactionRef string
	Result         *indexing.ActionResult
	Err            error
}

// Submitter signs and broadcasts operations. A returned error applies to the
// whole batch.
type Submitter interface {
	Submit(ctx context.Context, ops []operations.Operation) ([]ItemOutcome, error)
}
