package indexing

import (
	"strings"

	"github.com/shopspring/decimal"
)

type AllocationStatus string

const (
	AllocationNull      AllocationStatus = "Null"
	AllocationActive    AllocationStatus = "Active"
	AllocationClosed    AllocationStatus = "Closed"
	AllocationFinalized AllocationStatus = "Finalized"
	AllocationClaimed   AllocationStatus = "Claimed"
)

const ZeroAddress = "0x0000000000000000000000000000000000000000"

// Allocation is a read-only snapshot of an on-chain allocation. It is fetched
// fresh each cycle and never cached as authoritative.
type Allocation struct {
	ID                 string          `json:"id"`
	Indexer            string          `json:"indexer"`
	DeploymentID       string          `json:"deploymentID"`
	Tokens             decimal.Decimal `json:"tokens"`
	CreatedAtEpoch     int64           `json:"createdAtEpoch"`
	ClosedAtEpoch      int64           `json:"closedAtEpoch"`
	IndexingRewards    decimal.Decimal `json:"indexingRewards"`
	QueryFeesCollected decimal.Decimal `json:"queryFeesCollected"`
}

// Status derives the lifecycle status; the checks are ordered.
func (a Allocation) Status(currentEpoch, disputeEpochs int64) AllocationStatus {
	switch {
	case IsZeroAddress(a.Indexer):
		return AllocationNull
	case a.Tokens.IsZero():
		return AllocationClaimed
	case a.ClosedAtEpoch == 0:
		return AllocationActive
	case currentEpoch-a.ClosedAtEpoch >= disputeEpochs:
		return AllocationFinalized
	}
	return AllocationClosed
}

func IsZeroAddress(addr string) bool {
	addr = strings.TrimPrefix(strings.ToLower(addr), "0x")
	return strings.Trim(addr, "0") == ""
}

func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(strings.ToLower(a), "0x"), strings.TrimPrefix(strings.ToLower(b), "0x"))
}

type Deployment struct {
	ID              string          `json:"id"`
	SubgraphID      string          `json:"subgraphID"`
	SignalledTokens decimal.Decimal `json:"signalledTokens"`
	StakedTokens    decimal.Decimal `json:"stakedTokens"`
	AvgQueryFees    decimal.Decimal `json:"avgQueryFees"`
	Supported       bool            `json:"supported"`
}

// Unstaked reports a deployment that has signal but no stake yet.
func (d Deployment) Unstaked() bool {
	return d.StakedTokens.IsZero() && d.SignalledTokens.IsPositive()
}

// SignalToStake is signal per staked token. Without stake it is the raw
// signal, so ranking must look at Unstaked first.
func (d Deployment) SignalToStake() decimal.Decimal {
	if d.StakedTokens.IsZero() {
		if d.SignalledTokens.IsZero() {
			return decimal.Zero
		}
		return d.SignalledTokens
	}
	return d.SignalledTokens.Div(d.StakedTokens)
}

type NetworkParameters struct {
	Indexer             string          `json:"indexer"`
	DisputeEpochs       int64           `json:"disputeEpochs"`
	MaxAllocationEpochs int64           `json:"maxAllocationEpochs"`
	MinimumAllocation   decimal.Decimal `json:"minimumAllocation"`
	AvailableStake      decimal.Decimal `json:"availableStake"`
}
