package rules

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

type Repository interface {
	UpsertRule(ctx context.Context, rule indexing.IndexingRule) (indexing.IndexingRule, error)
	GetRule(ctx context.Context, key indexing.RuleKey) (indexing.IndexingRule, error)
	ListRules(ctx context.Context) ([]indexing.IndexingRule, error)
	DeleteRules(ctx context.Context, keys []indexing.RuleKey) (int, error)
}

// Deployments tells which subgraph each deployment belongs to.
type Deployments interface {
	Deployments(ctx context.Context) ([]indexing.Deployment, error)
}

type Store struct {
	repo          Repository
	defaultAmount decimal.Decimal
	deployments   Deployments
}

func NewStore(repo Repository, defaultAmount decimal.Decimal) *Store {
	return &Store{
		repo:          repo,
		defaultAmount: defaultAmount,
	}
}

// WithDeployments makes merged queries of deployment rules include the rule
// of the deployment's subgraph, the same way decisions resolve it.
func (s *Store) WithDeployments(deployments Deployments) *Store {
	s.deployments = deployments
	return s
}

// EnsureGlobal creates the default global rule unless one is stored already.
func (s *Store) EnsureGlobal(ctx context.Context) error {
	_, err := s.repo.GetRule(ctx, indexing.GlobalRuleKey)
	if err == nil {
		return nil
	}
	if !indexing.IsNotFound(err) {
		return fmt.Errorf("failed to read global rule: %w", err)
	}
	_, err = s.repo.UpsertRule(ctx, indexing.DefaultGlobalRule(s.defaultAmount))
	if err != nil {
		return fmt.Errorf("failed to create default global rule: %w", err)
	}
	log.Info().Msg("created default global indexing rule")
	return nil
}

func (s *Store) UpsertRule(ctx context.Context, rule indexing.IndexingRule) (indexing.IndexingRule, error) {
	if err := rule.Validate(); err != nil {
		return indexing.IndexingRule{}, err
	}
	stored, err := s.repo.UpsertRule(ctx, rule)
	if err != nil {
		return indexing.IndexingRule{}, fmt.Errorf("failed to upsert rule %s: %w", rule.Key(), err)
	}
	return stored, nil
}

// DeleteRule removes a single rule. Deleting the global rule resets it to defaults.
func (s *Store) DeleteRule(ctx context.Context, key indexing.RuleKey) error {
	if key == indexing.GlobalRuleKey {
		return s.resetGlobal(ctx)
	}
	removed, err := s.repo.DeleteRules(ctx, []indexing.RuleKey{key})
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", key, err)
	}
	if removed == 0 {
		return &indexing.NotFoundError{Kind: "indexing rule", Key: key.String()}
	}
	return nil
}

// DeleteRules is idempotent and reports how many stored rules were removed or reset.
func (s *Store) DeleteRules(ctx context.Context, keys []indexing.RuleKey) (int, error) {
	plain := make([]indexing.RuleKey, 0, len(keys))
	reset := 0
	for _, key := range keys {
		if key != indexing.GlobalRuleKey {
			plain = append(plain, key)
			continue
		}
		if reset > 0 {
			continue
		}
		if err := s.resetGlobal(ctx); err != nil {
			return 0, err
		}
		reset = 1
	}
	if len(plain) == 0 {
		return reset, nil
	}
	removed, err := s.repo.DeleteRules(ctx, plain)
	if err != nil {
		return 0, fmt.Errorf("failed to delete rules: %w", err)
	}
	return removed + reset, nil
}

func (s *Store) resetGlobal(ctx context.Context) error {
	_, err := s.repo.UpsertRule(ctx, indexing.DefaultGlobalRule(s.defaultAmount))
	if err != nil {
		return fmt.Errorf("failed to reset global rule: %w", err)
	}
	return nil
}

func (s *Store) Rule(ctx context.Context, key indexing.RuleKey, merged bool) (indexing.IndexingRule, error) {
	rule, err := s.repo.GetRule(ctx, key)
	if err != nil {
		return indexing.IndexingRule{}, err
	}
	if !merged {
		return rule, nil
	}
	set, err := s.Snapshot(ctx)
	if err != nil {
		return indexing.IndexingRule{}, err
	}
	return set.Merged(rule, s.subgraphs(ctx)), nil
}

func (s *Store) Rules(ctx context.Context, merged bool) ([]indexing.IndexingRule, error) {
	all, err := s.repo.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	if !merged {
		return all, nil
	}
	set := NewSet(all)
	subgraphs := s.subgraphs(ctx)
	result := make([]indexing.IndexingRule, 0, len(all))
	for _, r := range all {
		result = append(result, set.Merged(r, subgraphs))
	}
	return result, nil
}

// EffectiveRule resolves the rule a deployment is governed by.
func (s *Store) EffectiveRule(ctx context.Context, deploymentID string, memberships []string) (indexing.IndexingRule, error) {
	set, err := s.Snapshot(ctx)
	if err != nil {
		return indexing.IndexingRule{}, err
	}
	rule, ok := set.Effective(deploymentID, memberships)
	if !ok {
		return indexing.IndexingRule{}, &indexing.NotFoundError{Kind: "indexing rule", Key: deploymentID}
	}
	return rule, nil
}

// ParallelAllocations is how many allocations the effective rule of the
// deployment allows at once.
func (s *Store) ParallelAllocations(ctx context.Context, deployment indexing.Deployment) (int, error) {
	set, err := s.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	rule, ok := set.Effective(deployment.ID, set.Memberships(deployment.ID, deployment.SubgraphID))
	if !ok || rule.ParallelAllocations == nil {
		return 1, nil
	}
	return *rule.ParallelAllocations, nil
}

// subgraphs is best effort, a network outage must not break rule queries.
func (s *Store) subgraphs(ctx context.Context) map[string]string {
	if s.deployments == nil {
		return nil
	}
	deployments, err := s.deployments.Deployments(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read deployments, merge rules without subgraphs")
		return nil
	}
	subgraphs := make(map[string]string, len(deployments))
	for _, d := range deployments {
		if d.SubgraphID != "" {
			subgraphs[d.ID] = d.SubgraphID
		}
	}
	return subgraphs
}

func (s *Store) Snapshot(ctx context.Context) (Set, error) {
	all, err := s.repo.ListRules(ctx)
	if err != nil {
		return Set{}, fmt.Errorf("failed to list rules: %w", err)
	}
	return NewSet(all), nil
}
