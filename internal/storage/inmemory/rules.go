package inmemory

import (
	"context"
	"fmt"
	"sort"

	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

func (s *Store) UpsertRule(_ context.Context, rule indexing.IndexingRule) (indexing.IndexingRule, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	stored := rule
	if err := txn.Insert(rulesTable, &stored); err != nil {
		return indexing.IndexingRule{}, fmt.Errorf("failed to insert rule: %w", err)
	}
	txn.Commit()
	return stored, nil
}

func (s *Store) GetRule(_ context.Context, key indexing.RuleKey) (indexing.IndexingRule, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(rulesTable, "id", key.Identifier, string(key.IdentifierType))
	if err != nil {
		return indexing.IndexingRule{}, fmt.Errorf("failed to read rule: %w", err)
	}
	if raw == nil {
		return indexing.IndexingRule{}, &indexing.NotFoundError{Kind: "indexing rule", Key: key.String()}
	}
	return *raw.(*indexing.IndexingRule), nil
}

func (s *Store) ListRules(_ context.Context) ([]indexing.IndexingRule, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(rulesTable, "id")
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	result := make([]indexing.IndexingRule, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		result = append(result, *raw.(*indexing.IndexingRule))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].IdentifierType != result[j].IdentifierType {
			return result[i].IdentifierType < result[j].IdentifierType
		}
		return result[i].Identifier < result[j].Identifier
	})
	return result, nil
}

func (s *Store) DeleteRules(_ context.Context, keys []indexing.RuleKey) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	removed := 0
	for _, key := range keys {
		raw, err := txn.First(rulesTable, "id", key.Identifier, string(key.IdentifierType))
		if err != nil {
			return 0, fmt.Errorf("failed to read rule: %w", err)
		}
		if raw == nil {
			continue
		}
		if err := txn.Delete(rulesTable, raw); err != nil {
			return 0, fmt.Errorf("failed to delete rule %s: %w", key, err)
		}
		removed++
	}
	txn.Commit()
	return removed, nil
}
