package decision

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Sh00ty/indexer-agent/internal/network"
	"github.com/Sh00ty/indexer-agent/internal/rules"
	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

// Decision is one action the rules ask for, before it is queued.
type Decision struct {
	Type         indexing.ActionType
	DeploymentID string
	AllocationID string
	Amount       decimal.NullDecimal
	Reason       string

	unstaked bool
	rank     decimal.Decimal
	maxPct   *decimal.Decimal
}

// Evaluate turns rules and network state into decisions. At most one decision
// is made per deployment. Closing decisions come first, then allocations in
// the order they were funded.
func Evaluate(snap network.Snapshot, set rules.Set, conversionRate, defaultAmount decimal.Decimal) []Decision {
	var (
		closing   []Decision
		allocates []Decision
	)
	for _, id := range deploymentsOf(snap, set) {
		deployment, known := snap.Deployment(id)
		if !known {
			deployment = indexing.Deployment{ID: id}
		}
		rule, ok := set.Effective(id, set.Memberships(id, deployment.SubgraphID))
		if !ok {
			continue
		}
		d, ok := decide(snap, rule, deployment, conversionRate, defaultAmount)
		if !ok {
			continue
		}
		if d.Type == indexing.ActionAllocate {
			allocates = append(allocates, d)
			continue
		}
		closing = append(closing, d)
	}
	return append(closing, fund(allocates, snap.Parameters.AvailableStake)...)
}

// deploymentsOf lists network deployments, deployments with their own rule
// and deployments this indexer has active allocations on.
func deploymentsOf(snap network.Snapshot, set rules.Set) []string {
	seen := make(map[string]struct{}, len(snap.Deployments))
	ids := make([]string, 0, len(snap.Deployments))
	add := func(id string) {
		if _, ok := seen[id]; ok || id == "" {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, d := range snap.Deployments {
		add(d.ID)
	}
	for _, id := range set.DeploymentRules() {
		add(id)
	}
	for _, a := range snap.Allocations {
		if snap.Status(a) == indexing.AllocationActive && indexing.SameAddress(a.Indexer, snap.Parameters.Indexer) {
			add(a.DeploymentID)
		}
	}
	sort.Strings(ids)
	return ids
}

func decide(
	snap network.Snapshot,
	rule indexing.IndexingRule,
	deployment indexing.Deployment,
	conversionRate, defaultAmount decimal.Decimal,
) (Decision, bool) {
	basis := rule.DecisionBasis
	if basis == "" {
		basis = indexing.BasisRules
	}
	if basis == indexing.BasisNever || basis == indexing.BasisOffchain {
		return Decision{}, false
	}

	amount := defaultAmount
	if rule.AllocationAmount != nil {
		amount = *rule.AllocationAmount
	}
	lifetime := snap.Parameters.MaxAllocationEpochs
	if rule.AllocationLifetime != nil {
		lifetime = *rule.AllocationLifetime
	}
	autoRenewal := rule.AutoRenewal != nil && *rule.AutoRenewal
	parallel := 1
	if rule.ParallelAllocations != nil {
		parallel = *rule.ParallelAllocations
	}
	expired := func(a indexing.Allocation) bool {
		return lifetime > 0 && snap.Epoch-a.CreatedAtEpoch >= lifetime
	}

	active := snap.ActiveAllocations(deployment.ID)
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAtEpoch < active[j].CreatedAtEpoch
	})
	should, why := shouldAllocate(basis, rule, deployment, conversionRate)

	switch {
	case should && len(active) == 0:
		return allocate(deployment, rule, amount, fmt.Sprintf("%s: %s", basis, why)), true
	case should:
		oldest := active[0]
		switch {
		case expired(oldest) && autoRenewal:
			return reallocate(deployment.ID, oldest, amount, fmt.Sprintf("%s: allocation lifetime reached, renew", basis)), true
		case expired(oldest):
			return unallocate(deployment.ID, oldest, fmt.Sprintf("%s: allocation lifetime reached", basis)), true
		case len(active) < parallel:
			reason := fmt.Sprintf("%s: %s, allocation %d of %d", basis, why, len(active)+1, parallel)
			return allocate(deployment, rule, amount, reason), true
		case basis == indexing.BasisAlways && !oldest.Tokens.Equal(amount):
			return reallocate(deployment.ID, oldest, amount, fmt.Sprintf("always: resize %s to %s", oldest.Tokens, amount)), true
		}
	case len(active) > 0:
		oldest := active[0]
		if autoRenewal && !expired(oldest) {
			return Decision{}, false
		}
		return unallocate(deployment.ID, oldest, fmt.Sprintf("%s: %s", basis, why)), true
	}
	return Decision{}, false
}

func allocate(deployment indexing.Deployment, rule indexing.IndexingRule, amount decimal.Decimal, reason string) Decision {
	return Decision{
		Type:         indexing.ActionAllocate,
		DeploymentID: deployment.ID,
		Amount:       decimal.NewNullDecimal(amount),
		Reason:       reason,
		unstaked:     deployment.Unstaked(),
		rank:         deployment.SignalToStake(),
		maxPct:       rule.MaxAllocationPercentage,
	}
}

func reallocate(deploymentID string, a indexing.Allocation, amount decimal.Decimal, reason string) Decision {
	return Decision{
		Type:         indexing.ActionReallocate,
		DeploymentID: deploymentID,
		AllocationID: strings.ToLower(a.ID),
		Amount:       decimal.NewNullDecimal(amount),
		Reason:       reason,
	}
}

func unallocate(deploymentID string, a indexing.Allocation, reason string) Decision {
	return Decision{
		Type:         indexing.ActionUnallocate,
		DeploymentID: deploymentID,
		AllocationID: strings.ToLower(a.ID),
		Reason:       reason,
	}
}

// shouldAllocate reports whether the rule wants stake on the deployment and
// a short description of why.
func shouldAllocate(
	basis indexing.DecisionBasis,
	rule indexing.IndexingRule,
	d indexing.Deployment,
	conversionRate decimal.Decimal,
) (bool, string) {
	if basis == indexing.BasisAlways {
		return true, "always allocate"
	}
	if rule.RequireSupported != nil && *rule.RequireSupported && !d.Supported {
		return false, "deployment is not supported"
	}
	if rule.MaxSignal != nil && d.SignalledTokens.GreaterThan(*rule.MaxSignal) {
		return false, fmt.Sprintf("signal %s is above maxSignal %s", d.SignalledTokens, rule.MaxSignal)
	}
	if rule.MinStake != nil && d.StakedTokens.GreaterThanOrEqual(*rule.MinStake) {
		return true, fmt.Sprintf("stake %s reached minStake %s", d.StakedTokens, rule.MinStake)
	}
	if rule.MinSignal != nil && d.SignalledTokens.GreaterThanOrEqual(*rule.MinSignal) {
		return true, fmt.Sprintf("signal %s reached minSignal %s", d.SignalledTokens, rule.MinSignal)
	}
	if rule.MinAverageQueryFees != nil {
		threshold := rule.MinAverageQueryFees.Mul(conversionRate)
		if d.AvgQueryFees.GreaterThanOrEqual(threshold) {
			return true, fmt.Sprintf("query fees %s reached %s", d.AvgQueryFees, threshold)
		}
	}
	return false, "no threshold met"
}

// fund ranks allocations by signal to stake, deployments nobody stakes on
// first, and admits them while the cumulative amount fits the available stake.
func fund(allocates []Decision, available decimal.Decimal) []Decision {
	sort.SliceStable(allocates, func(i, j int) bool {
		if allocates[i].unstaked != allocates[j].unstaked {
			return allocates[i].unstaked
		}
		if c := allocates[i].rank.Cmp(allocates[j].rank); c != 0 {
			return c > 0
		}
		return allocates[i].DeploymentID < allocates[j].DeploymentID
	})
	admitted := make([]Decision, 0, len(allocates))
	remaining := available
	for _, d := range allocates {
		amount := d.Amount.Decimal
		if d.maxPct != nil && amount.GreaterThan(d.maxPct.Mul(available)) {
			continue
		}
		if amount.GreaterThan(remaining) {
			continue
		}
		remaining = remaining.Sub(amount)
		admitted = append(admitted, d)
	}
	return admitted
}
