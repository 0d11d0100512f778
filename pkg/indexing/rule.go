package indexing

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

type IdentifierType string

const (
	IdentifierDeployment IdentifierType = "deployment"
	IdentifierSubgraph   IdentifierType = "subgraph"
	IdentifierGroup      IdentifierType = "group"
)

func (t IdentifierType) Valid() bool {
	return t == IdentifierDeployment || t == IdentifierSubgraph || t == IdentifierGroup
}

type DecisionBasis string

const (
	BasisRules    DecisionBasis = "rules"
	BasisNever    DecisionBasis = "never"
	BasisAlways   DecisionBasis = "always"
	BasisOffchain DecisionBasis = "offchain"
)

func (b DecisionBasis) Valid() bool {
	switch b {
	case BasisRules, BasisNever, BasisAlways, BasisOffchain:
		return true
	}
	return false
}

const GlobalIdentifier = "global"

type RuleKey struct {
	Identifier     string         `json:"identifier"`
	IdentifierType IdentifierType `json:"identifierType"`
}

func (k RuleKey) String() string {
	return fmt.Sprintf("%s/%s", k.IdentifierType, k.Identifier)
}

var GlobalRuleKey = RuleKey{Identifier: GlobalIdentifier, IdentifierType: IdentifierGroup}

// IndexingRule fields left nil are unset and fall through to a less specific rule.
type IndexingRule struct {
	Identifier              string           `json:"identifier" yaml:"identifier"`
	IdentifierType          IdentifierType   `json:"identifierType" yaml:"identifierType"`
	DecisionBasis           DecisionBasis    `json:"decisionBasis,omitempty" yaml:"decisionBasis"`
	AllocationAmount        *decimal.Decimal `json:"allocationAmount,omitempty" yaml:"allocationAmount"`
	AllocationLifetime      *int64           `json:"allocationLifetime,omitempty" yaml:"allocationLifetime"`
	ParallelAllocations     *int             `json:"parallelAllocations,omitempty" yaml:"parallelAllocations"`
	MaxAllocationPercentage *decimal.Decimal `json:"maxAllocationPercentage,omitempty" yaml:"maxAllocationPercentage"`
	MinSignal               *decimal.Decimal `json:"minSignal,omitempty" yaml:"minSignal"`
	MaxSignal               *decimal.Decimal `json:"maxSignal,omitempty" yaml:"maxSignal"`
	MinStake                *decimal.Decimal `json:"minStake,omitempty" yaml:"minStake"`
	MinAverageQueryFees     *decimal.Decimal `json:"minAverageQueryFees,omitempty" yaml:"minAverageQueryFees"`
	AutoRenewal             *bool            `json:"autoRenewal,omitempty" yaml:"autoRenewal"`
	RequireSupported        *bool            `json:"requireSupported,omitempty" yaml:"requireSupported"`
	Custom                  json.RawMessage  `json:"custom,omitempty" yaml:"-"`
	Members                 []string         `json:"members,omitempty" yaml:"members"`
}

func (r IndexingRule) Key() RuleKey {
	return RuleKey{Identifier: r.Identifier, IdentifierType: r.IdentifierType}
}

func (r IndexingRule) IsGlobal() bool {
	return r.Identifier == GlobalIdentifier
}

func (r IndexingRule) HasMember(deploymentID string) bool {
	return slices.Contains(r.Members, deploymentID)
}

func (r IndexingRule) Validate() error {
	if r.Identifier == "" {
		return &ValidationError{Field: "identifier", Reason: "is required"}
	}
	if !r.IdentifierType.Valid() {
		return &ValidationError{Field: "identifierType", Reason: "must be one of deployment, subgraph, group"}
	}
	if r.IsGlobal() && r.IdentifierType != IdentifierGroup {
		return &ValidationError{Field: "identifierType", Reason: "global rule must be of group type"}
	}
	if r.DecisionBasis != "" && !r.DecisionBasis.Valid() {
		return &ValidationError{Field: "decisionBasis", Reason: "must be one of rules, never, always, offchain"}
	}
	if len(r.Members) > 0 && r.IdentifierType != IdentifierGroup {
		return &ValidationError{Field: "members", Reason: "only group rules can have members"}
	}
	for name, v := range map[string]*decimal.Decimal{
		"allocationAmount":        r.AllocationAmount,
		"maxAllocationPercentage": r.MaxAllocationPercentage,
		"minSignal":               r.MinSignal,
		"maxSignal":               r.MaxSignal,
		"minStake":                r.MinStake,
		"minAverageQueryFees":     r.MinAverageQueryFees,
	} {
		if v != nil && v.IsNegative() {
			return &ValidationError{Field: name, Reason: "can't be negative"}
		}
	}
	if r.MaxAllocationPercentage != nil && r.MaxAllocationPercentage.GreaterThan(decimal.NewFromInt(1)) {
		return &ValidationError{Field: "maxAllocationPercentage", Reason: "must be within [0, 1]"}
	}
	if r.MinSignal != nil && r.MaxSignal != nil && r.MinSignal.GreaterThan(*r.MaxSignal) {
		return &ValidationError{Field: "maxSignal", Reason: "must not be below minSignal"}
	}
	if r.AllocationLifetime != nil && *r.AllocationLifetime <= 0 {
		return &ValidationError{Field: "allocationLifetime", Reason: "must be positive"}
	}
	if r.ParallelAllocations != nil && *r.ParallelAllocations <= 0 {
		return &ValidationError{Field: "parallelAllocations", Reason: "must be positive"}
	}
	if len(r.Custom) > 0 && !json.Valid(r.Custom) {
		return &ValidationError{Field: "custom", Reason: "must be valid json"}
	}
	return nil
}

// DefaultGlobalRule is what the global rule resets to when it is deleted.
func DefaultGlobalRule(allocationAmount decimal.Decimal) IndexingRule {
	parallel := 1
	requireSupported := true
	autoRenewal := true
	return IndexingRule{
		Identifier:          GlobalIdentifier,
		IdentifierType:      IdentifierGroup,
		DecisionBasis:       BasisRules,
		AllocationAmount:    &allocationAmount,
		ParallelAllocations: &parallel,
		RequireSupported:    &requireSupported,
		AutoRenewal:         &autoRenewal,
	}
}
