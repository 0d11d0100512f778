package indexing

import (
	"cmp"
	"encoding/json"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type ActionStatus string

const (
	ActionQueued   ActionStatus = "queued"
	ActionApproved ActionStatus = "approved"
	ActionPending  ActionStatus = "pending"
	ActionSuccess  ActionStatus = "success"
	ActionFailed   ActionStatus = "failed"
	ActionCanceled ActionStatus = "canceled"
)

// InFlightStatuses are the statuses that hold a deployment/allocation target.
var InFlightStatuses = []ActionStatus{ActionQueued, ActionApproved, ActionPending}

func (s ActionStatus) Valid() bool {
	switch s {
	case ActionQueued, ActionApproved, ActionPending, ActionSuccess, ActionFailed, ActionCanceled:
		return true
	}
	return false
}

func (s ActionStatus) IsTerminal() bool {
	return s == ActionSuccess || s == ActionFailed || s == ActionCanceled
}

func (s ActionStatus) IsInFlight() bool {
	return s == ActionQueued || s == ActionApproved || s == ActionPending
}

type ActionType string

const (
	ActionAllocate   ActionType = "allocate"
	ActionUnallocate ActionType = "unallocate"
	ActionReallocate ActionType = "reallocate"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionAllocate, ActionUnallocate, ActionReallocate:
		return true
	}
	return false
}

const PolicyEngineSource = "policy-engine"

// ActionResult holds the fields computed when an action is confirmed on chain.
type ActionResult struct {
	AllocationID            string          `json:"allocationID,omitempty"`
	IndexingRewards         decimal.Decimal `json:"indexingRewards"`
	ReceiptsWorthCollecting bool            `json:"receiptsWorthCollecting"`
}

type Action struct {
	ID             int64               `json:"id"`
	Status         ActionStatus        `json:"status"`
	Type           ActionType          `json:"type"`
	DeploymentID   string              `json:"deploymentID,omitempty"`
	AllocationID   string              `json:"allocationID,omitempty"`
	Amount         decimal.NullDecimal `json:"amount"`
	POI            string              `json:"poi,omitempty"`
	Force          bool                `json:"force"`
	Priority       int                 `json:"priority"`
	Source         string              `json:"source"`
	Reason         string              `json:"reason"`
	TransactionRef string              `json:"transactionRef,omitempty"`
	FailureReason  string              `json:"failureReason,omitempty"`
	Result         *ActionResult       `json:"result,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// Targets reports whether both actions touch the same deployment or the same allocation.
func (a Action) Targets(other Action) bool {
	if a.DeploymentID != "" && a.DeploymentID == other.DeploymentID {
		return true
	}
	return a.AllocationID != "" && a.AllocationID == other.AllocationID
}

func (a Action) MarshalResult() ([]byte, error) {
	if a.Result == nil {
		return nil, nil
	}
	return json.Marshal(a.Result)
}

// ActionInput is what callers hand to the queue. Status may only request
// queued (default) or approved.
type ActionInput struct {
	Status       ActionStatus        `json:"status,omitempty"`
	Type         ActionType          `json:"type"`
	DeploymentID string              `json:"deploymentID,omitempty"`
	AllocationID string              `json:"allocationID,omitempty"`
	Amount       decimal.NullDecimal `json:"amount"`
	POI          string              `json:"poi,omitempty"`
	Force        bool                `json:"force"`
	Priority     int                 `json:"priority"`
	Source       string              `json:"source"`
	Reason       string              `json:"reason"`
}

func (in ActionInput) Validate() error {
	if !in.Type.Valid() {
		return &ValidationError{Field: "type", Reason: "must be one of allocate, unallocate, reallocate"}
	}
	switch in.Status {
	case "", ActionQueued, ActionApproved:
	default:
		return &ValidationError{Field: "status", Reason: "new actions can only be queued or approved"}
	}
	if strings.TrimSpace(in.Source) == "" {
		return &ValidationError{Field: "source", Reason: "is required"}
	}
	if in.Amount.Valid && in.Amount.Decimal.IsNegative() {
		return &ValidationError{Field: "amount", Reason: "can't be negative"}
	}
	if in.POI != "" && !IsValidPOI(in.POI) {
		return &ValidationError{Field: "poi", Reason: "must be a 32 byte hex string"}
	}

	switch in.Type {
	case ActionAllocate:
		if in.DeploymentID == "" {
			return &ValidationError{Field: "deploymentID", Reason: "is required for allocate"}
		}
		if !in.Amount.Valid {
			return &ValidationError{Field: "amount", Reason: "is required for allocate"}
		}
		if in.AllocationID != "" {
			return &ValidationError{Field: "allocationID", Reason: "must be empty for allocate"}
		}
	case ActionUnallocate, ActionReallocate:
		if in.AllocationID == "" {
			return &ValidationError{Field: "allocationID", Reason: "is required for " + string(in.Type)}
		}
	}
	return nil
}

func (in ActionInput) ToAction(now time.Time) Action {
	status := in.Status
	if status == "" {
		status = ActionQueued
	}
	return Action{
		Status:       status,
		Type:         in.Type,
		DeploymentID: in.DeploymentID,
		AllocationID: normalizeHex(in.AllocationID),
		Amount:       in.Amount,
		POI:          in.POI,
		Force:        in.Force,
		Priority:     in.Priority,
		Source:       in.Source,
		Reason:       in.Reason,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

var poiRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

func IsValidPOI(poi string) bool {
	return poiRe.MatchString(poi)
}

const ZeroPOI = "0x0000000000000000000000000000000000000000000000000000000000000000"

func normalizeHex(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return "0x" + strings.ToLower(s[2:])
	}
	return s
}

// ActionFilter selects actions by exact field match; empty fields match everything.
type ActionFilter struct {
	IDs          []int64
	Type         ActionType
	Statuses     []ActionStatus
	Source       string
	Reason       string
	DeploymentID string
	AllocationID string
}

func (f ActionFilter) Match(a Action) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, a.ID) {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status) {
		return false
	}
	if f.Source != "" && a.Source != f.Source {
		return false
	}
	if f.Reason != "" && a.Reason != f.Reason {
		return false
	}
	if f.DeploymentID != "" && a.DeploymentID != f.DeploymentID {
		return false
	}
	if f.AllocationID != "" && a.AllocationID != normalizeHex(f.AllocationID) {
		return false
	}
	return true
}

type ActionOrderField string

const (
	OrderByID             ActionOrderField = "id"
	OrderByStatus         ActionOrderField = "status"
	OrderByType           ActionOrderField = "type"
	OrderByDeploymentID   ActionOrderField = "deploymentID"
	OrderByAllocationID   ActionOrderField = "allocationID"
	OrderByAmount         ActionOrderField = "amount"
	OrderByPriority       ActionOrderField = "priority"
	OrderBySource         ActionOrderField = "source"
	OrderByReason         ActionOrderField = "reason"
	OrderByTransactionRef ActionOrderField = "transactionRef"
	OrderByFailureReason  ActionOrderField = "failureReason"
	OrderByCreatedAt      ActionOrderField = "createdAt"
	OrderByUpdatedAt      ActionOrderField = "updatedAt"
)

func (f ActionOrderField) Valid() bool {
	switch f {
	case OrderByID, OrderByStatus, OrderByType, OrderByDeploymentID, OrderByAllocationID,
		OrderByAmount, OrderByPriority, OrderBySource, OrderByReason, OrderByTransactionRef,
		OrderByFailureReason, OrderByCreatedAt, OrderByUpdatedAt:
		return true
	}
	return false
}

type OrderDirection string

const (
	Asc  OrderDirection = "asc"
	Desc OrderDirection = "desc"
)

type ActionOrder struct {
	Field     ActionOrderField
	Direction OrderDirection
}

// DefaultActionOrder is id descending.
var DefaultActionOrder = ActionOrder{Field: OrderByID, Direction: Desc}

func (o ActionOrder) OrDefault() ActionOrder {
	if o.Field == "" {
		o.Field = DefaultActionOrder.Field
	}
	if o.Direction == "" {
		o.Direction = DefaultActionOrder.Direction
	}
	return o
}

func (o ActionOrder) Validate() error {
	o = o.OrDefault()
	if !o.Field.Valid() {
		return &ValidationError{Field: "orderBy", Reason: "unknown field " + string(o.Field)}
	}
	if o.Direction != Asc && o.Direction != Desc {
		return &ValidationError{Field: "orderDirection", Reason: "must be asc or desc"}
	}
	return nil
}

// Less orders two actions by the order field, falling back to id so that
// the result is total.
func (o ActionOrder) Less(a, b Action) bool {
	o = o.OrDefault()
	c := compareField(o.Field, a, b)
	if c == 0 {
		c = cmp.Compare(a.ID, b.ID)
	}
	if o.Direction == Desc {
		return c > 0
	}
	return c < 0
}

func compareField(field ActionOrderField, a, b Action) int {
	switch field {
	case OrderByStatus:
		return strings.Compare(string(a.Status), string(b.Status))
	case OrderByType:
		return strings.Compare(string(a.Type), string(b.Type))
	case OrderByDeploymentID:
		return strings.Compare(a.DeploymentID, b.DeploymentID)
	case OrderByAllocationID:
		return strings.Compare(a.AllocationID, b.AllocationID)
	case OrderByAmount:
		return a.Amount.Decimal.Cmp(b.Amount.Decimal)
	case OrderByPriority:
		return cmp.Compare(a.Priority, b.Priority)
	case OrderBySource:
		return strings.Compare(a.Source, b.Source)
	case OrderByReason:
		return strings.Compare(a.Reason, b.Reason)
	case OrderByTransactionRef:
		return strings.Compare(a.TransactionRef, b.TransactionRef)
	case OrderByFailureReason:
		return strings.Compare(a.FailureReason, b.FailureReason)
	case OrderByCreatedAt:
		return a.CreatedAt.Compare(b.CreatedAt)
	case OrderByUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	}
	return cmp.Compare(a.ID, b.ID)
}

// ActionOutcome is the terminal result of one executed action.
type ActionOutcome struct {
	ID             int64
	Status         ActionStatus
	TransactionRef string
	FailureReason  string
	Result         *ActionResult
}

// Apply writes the outcome over a. A success without its own result keeps the
// result recorded while the action was pending.
func (o ActionOutcome) Apply(a Action, now time.Time) Action {
	a.Status = o.Status
	a.TransactionRef = o.TransactionRef
	a.FailureReason = o.FailureReason
	if o.Result != nil || o.Status != ActionSuccess {
		a.Result = o.Result
	}
	a.UpdatedAt = now
	return a
}

// Clone returns a copy that does not share the result pointer.
func (a Action) Clone() Action {
	if a.Result != nil {
		r := *a.Result
		a.Result = &r
	}
	return a
}
