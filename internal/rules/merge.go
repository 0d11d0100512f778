package rules

import (
	"slices"
	"sort"

	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

// Merge folds candidates ordered from most to least specific. For every field
// the first non-nil value wins; identity comes from the first candidate.
func Merge(candidates ...indexing.IndexingRule) indexing.IndexingRule {
	if len(candidates) == 0 {
		return indexing.IndexingRule{}
	}
	merged := candidates[0]
	merged.Members = slices.Clone(merged.Members)
	for _, c := range candidates[1:] {
		if merged.DecisionBasis == "" {
			merged.DecisionBasis = c.DecisionBasis
		}
		merged.AllocationAmount = firstSet(merged.AllocationAmount, c.AllocationAmount)
		merged.AllocationLifetime = firstSet(merged.AllocationLifetime, c.AllocationLifetime)
		merged.ParallelAllocations = firstSet(merged.ParallelAllocations, c.ParallelAllocations)
		merged.MaxAllocationPercentage = firstSet(merged.MaxAllocationPercentage, c.MaxAllocationPercentage)
		merged.MinSignal = firstSet(merged.MinSignal, c.MinSignal)
		merged.MaxSignal = firstSet(merged.MaxSignal, c.MaxSignal)
		merged.MinStake = firstSet(merged.MinStake, c.MinStake)
		merged.MinAverageQueryFees = firstSet(merged.MinAverageQueryFees, c.MinAverageQueryFees)
		merged.AutoRenewal = firstSet(merged.AutoRenewal, c.AutoRenewal)
		merged.RequireSupported = firstSet(merged.RequireSupported, c.RequireSupported)
		if len(merged.Custom) == 0 {
			merged.Custom = c.Custom
		}
	}
	return merged
}

func firstSet[T any](current, next *T) *T {
	if current != nil {
		return current
	}
	return next
}

// Set is an immutable snapshot of the stored rules indexed by key.
type Set struct {
	byKey map[indexing.RuleKey]indexing.IndexingRule
	// groups ordered by identifier, global excluded
	groups []indexing.IndexingRule
}

func NewSet(all []indexing.IndexingRule) Set {
	s := Set{byKey: make(map[indexing.RuleKey]indexing.IndexingRule, len(all))}
	for _, r := range all {
		s.byKey[r.Key()] = r
		if r.IdentifierType == indexing.IdentifierGroup && !r.IsGlobal() {
			s.groups = append(s.groups, r)
		}
	}
	sort.Slice(s.groups, func(i, j int) bool {
		return s.groups[i].Identifier < s.groups[j].Identifier
	})
	return s
}

func (s Set) Get(key indexing.RuleKey) (indexing.IndexingRule, bool) {
	r, ok := s.byKey[key]
	return r, ok
}

func (s Set) Global() (indexing.IndexingRule, bool) {
	return s.Get(indexing.GlobalRuleKey)
}

// DeploymentRules returns identifiers of all deployment level rules.
func (s Set) DeploymentRules() []string {
	ids := make([]string, 0)
	for key := range s.byKey {
		if key.IdentifierType == indexing.IdentifierDeployment {
			ids = append(ids, key.Identifier)
		}
	}
	sort.Strings(ids)
	return ids
}

// Memberships lists what a deployment belongs to: its subgraph first, then
// every group that names it as a member ordered by group identifier.
func (s Set) Memberships(deploymentID, subgraphID string) []string {
	memberships := make([]string, 0, 2)
	if subgraphID != "" {
		memberships = append(memberships, subgraphID)
	}
	for _, g := range s.groups {
		if g.HasMember(deploymentID) {
			memberships = append(memberships, g.Identifier)
		}
	}
	return memberships
}

// Effective resolves the rule for a deployment. Candidates are the deployment
// rule, the first membership that has a subgraph or group rule, and the global
// rule. The boolean is false when none of them exists.
func (s Set) Effective(deploymentID string, memberships []string) (indexing.IndexingRule, bool) {
	candidates := make([]indexing.IndexingRule, 0, 3)
	if r, ok := s.Get(indexing.RuleKey{Identifier: deploymentID, IdentifierType: indexing.IdentifierDeployment}); ok {
		candidates = append(candidates, r)
	}
	for _, m := range memberships {
		if m == indexing.GlobalIdentifier {
			continue
		}
		if r, ok := s.Get(indexing.RuleKey{Identifier: m, IdentifierType: indexing.IdentifierSubgraph}); ok {
			candidates = append(candidates, r)
			break
		}
		if r, ok := s.Get(indexing.RuleKey{Identifier: m, IdentifierType: indexing.IdentifierGroup}); ok {
			candidates = append(candidates, r)
			break
		}
	}
	if r, ok := s.Global(); ok {
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return indexing.IndexingRule{}, false
	}
	return Merge(candidates...), true
}

// Merged returns a stored rule folded with the less specific rules above it.
// subgraphs maps deployment ids to their subgraph, deployments missing from it
// merge with group and global rules only.
func (s Set) Merged(rule indexing.IndexingRule, subgraphs map[string]string) indexing.IndexingRule {
	switch {
	case rule.IsGlobal():
		return rule
	case rule.IdentifierType == indexing.IdentifierDeployment:
		merged, _ := s.Effective(rule.Identifier, s.Memberships(rule.Identifier, subgraphs[rule.Identifier]))
		return merged
	}
	if global, ok := s.Global(); ok {
		return Merge(rule, global)
	}
	return rule
}
