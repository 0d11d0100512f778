package indexing

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexingRuleValidate(t *testing.T) {
	neg := decimal.NewFromInt(-1)
	two := decimal.NewFromInt(2)
	zero := 0

	require.NoError(t, DefaultGlobalRule(decimal.NewFromInt(100)).Validate())
	require.NoError(t, IndexingRule{Identifier: "Qm1", IdentifierType: IdentifierDeployment}.Validate())

	bad := []IndexingRule{
		{IdentifierType: IdentifierDeployment},
		{Identifier: "Qm1", IdentifierType: "pool"},
		{Identifier: GlobalIdentifier, IdentifierType: IdentifierDeployment},
		{Identifier: "Qm1", IdentifierType: IdentifierDeployment, DecisionBasis: "sometimes"},
		{Identifier: "Qm1", IdentifierType: IdentifierDeployment, Members: []string{"Qm2"}},
		{Identifier: "Qm1", IdentifierType: IdentifierDeployment, MinStake: &neg},
		{Identifier: "Qm1", IdentifierType: IdentifierDeployment, MaxAllocationPercentage: &two},
		{Identifier: "Qm1", IdentifierType: IdentifierDeployment, ParallelAllocations: &zero},
		{Identifier: "Qm1", IdentifierType: IdentifierDeployment, Custom: json.RawMessage(`{`)},
	}
	for _, r := range bad {
		assert.True(t, IsValidation(r.Validate()), "rule %+v", r)
	}
}
