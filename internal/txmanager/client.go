package txmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Sh00ty/indexer-agent/internal/operations"
	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

const idempotencyHeader = "Idempotency-Key"

type operationDTO struct {
	ActionID                int64            `json:"actionID"`
	Kind                    string           `json:"kind"`
	Indexer                 string           `json:"indexer,omitempty"`
	DeploymentID            string           `json:"deploymentID"`
	AllocationID            string           `json:"allocationID,omitempty"`
	NewAllocationID         string           `json:"newAllocationID,omitempty"`
	Amount                  *decimal.Decimal `json:"amount,omitempty"`
	Epoch                   int64            `json:"epoch,omitempty"`
	POI                     string           `json:"poi,omitempty"`
	Force                   bool             `json:"force,omitempty"`
	ReceiptsWorthCollecting bool             `json:"receiptsWorthCollecting,omitempty"`
}

type batchRequest struct {
	BatchID    string         `json:"batchID"`
	Operations []operationDTO `json:"operations"`
}

type itemDTO struct {
	ActionID        int64           `json:"actionID"`
	Status          string          `json:"status"`
	TransactionRef  string          `json:"transactionRef"`
	Reason          string          `json:"reason"`
	AllocationID    string          `json:"allocationID"`
	IndexingRewards decimal.Decimal `json:"indexingRewards"`
}

type batchResponse struct {
	Items  []itemDTO `json:"items"`
	Reason string    `json:"reason"`
}

// Client submits operation batches to the transaction manager service.
// Retries reuse the batch id so that the service can drop duplicates.
type Client struct {
	url      string
	http     *http.Client
	attempts uint
}

func NewClient(url string, timeout time.Duration, attempts uint) *Client {
	if attempts == 0 {
		attempts = 3
	}
	return &Client{
		url:      url,
		http:     &http.Client{Timeout: timeout},
		attempts: attempts,
	}
}

func (c *Client) Submit(ctx context.Context, ops []operations.Operation) ([]ItemOutcome, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	batchID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate batch id: %w", err)
	}
	req := batchRequest{
		BatchID:    batchID,
		Operations: make([]operationDTO, 0, len(ops)),
	}
	for _, op := range ops {
		dto, err := toDTO(op)
		if err != nil {
			return nil, err
		}
		req.Operations = append(req.Operations, dto)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	var resp batchResponse
	err = retry.Do(
		func() error {
			return c.post(ctx, batchID, body, &resp)
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var external *indexing.ExternalOperationError
			return !errors.As(err, &external)
		}),
		retry.OnRetry(func(attempt uint, err error) {
			log.Warn().Err(err).Msgf("batch %s: retry attempt %d", batchID, attempt)
		}),
	)
	if err != nil {
		var external *indexing.ExternalOperationError
		if errors.As(err, &external) {
			return nil, external
		}
		return nil, &indexing.TransientNetworkError{Op: "submit batch " + batchID, Err: err}
	}
	return toOutcomes(ops, resp.Items), nil
}

func (c *Client) post(ctx context.Context, batchID string, body []byte, out *batchResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(idempotencyHeader, batchID)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	decodeErr := json.NewDecoder(resp.Body).Decode(out)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("transaction manager responded %d", resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		reason := out.Reason
		if reason == "" {
			reason = fmt.Sprintf("transaction manager rejected batch with %d", resp.StatusCode)
		}
		return &indexing.ExternalOperationError{Reason: reason}
	case decodeErr != nil:
		return fmt.Errorf("failed to decode batch response: %w", decodeErr)
	}
	return nil
}

func toDTO(op operations.Operation) (operationDTO, error) {
	switch o := op.(type) {
	case operations.AllocateOperation:
		return operationDTO{
			ActionID:     o.Action().ID,
			Kind:         "allocate",
			Indexer:      o.Indexer,
			DeploymentID: o.DeploymentID,
			AllocationID: o.AllocationID,
			Amount:       &o.Amount,
			Epoch:        o.Epoch,
		}, nil
	case operations.UnallocateOperation:
		return operationDTO{
			ActionID:                o.Action().ID,
			Kind:                    "unallocate",
			DeploymentID:            o.DeploymentID,
			AllocationID:            o.AllocationID,
			POI:                     o.POI,
			Force:                   o.Force,
			ReceiptsWorthCollecting: o.ReceiptsWorthCollecting,
		}, nil
	case operations.ReallocateOperation:
		return operationDTO{
			ActionID:                o.Action().ID,
			Kind:                    "reallocate",
			Indexer:                 o.Open.Indexer,
			DeploymentID:            o.Open.DeploymentID,
			AllocationID:            o.Close.AllocationID,
			NewAllocationID:         o.Open.AllocationID,
			Amount:                  &o.Open.Amount,
			Epoch:                   o.Open.Epoch,
			POI:                     o.Close.POI,
			Force:                   o.Close.Force,
			ReceiptsWorthCollecting: o.Close.ReceiptsWorthCollecting,
		}, nil
	default:
		return operationDTO{}, fmt.Errorf("unsupported operation %T", op)
	}
}

// toOutcomes maps response items back to operations. Operations the response
// does not mention are unknown and stay for reconciliation.
func toOutcomes(ops []operations.Operation, items []itemDTO) []ItemOutcome {
	byID := make(map[int64]itemDTO, len(items))
	for _, item := range items {
		byID[item.ActionID] = item
	}
	outcomes := make([]ItemOutcome, 0, len(ops))
	for _, op := range ops {
		id := op.Action().ID
		item, ok := byID[id]
		outcome := ItemOutcome{ActionID: id, TransactionRef: item.TransactionRef}
		switch {
		case !ok:
			outcome.Err = &indexing.TransientNetworkError{Op: "submit", Err: errors.New("no outcome reported")}
		case item.Status == "success":
			outcome.Result = resultFor(op, item)
		case item.Status == "failed":
			outcome.Err = &indexing.ExternalOperationError{Reason: rejectionReason(item.Reason, item.TransactionRef), TransactionRef: item.TransactionRef}
		default:
			outcome.Err = &indexing.TransientNetworkError{Op: "submit", Err: fmt.Errorf("status %q: %s", item.Status, item.Reason)}
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// rejectionReason never returns an empty reason, the tx manager may omit it.
func rejectionReason(reason, txRef string) string {
	switch {
	case strings.TrimSpace(reason) != "":
		return reason
	case txRef != "":
		return "operation rejected by network, transaction " + txRef
	}
	return "operation rejected by network"
}

func resultFor(op operations.Operation, item itemDTO) *indexing.ActionResult {
	result := &indexing.ActionResult{
		AllocationID:    item.AllocationID,
		IndexingRewards: item.IndexingRewards,
	}
	switch o := op.(type) {
	case operations.AllocateOperation:
		if result.AllocationID == "" {
			result.AllocationID = o.AllocationID
		}
	case operations.UnallocateOperation:
		result.ReceiptsWorthCollecting = o.ReceiptsWorthCollecting
	case operations.ReallocateOperation:
		if result.AllocationID == "" {
			result.AllocationID = o.Open.AllocationID
		}
		result.ReceiptsWorthCollecting = o.Close.ReceiptsWorthCollecting
	}
	return result
}
