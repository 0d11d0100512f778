package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/Sh00ty/indexer-agent/internal/storage/postgres/pgerror"
	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

const ruleColumns = `identifier, identifier_type, decision_basis, allocation_amount::text,
	allocation_lifetime, parallel_allocations, max_allocation_percentage::text, min_signal::text,
	max_signal::text, min_stake::text, min_average_query_fees::text, auto_renewal, require_supported,
	custom, members`

func (r *Repository) UpsertRule(ctx context.Context, rule indexing.IndexingRule) (indexing.IndexingRule, error) {
	sql := `
	insert into indexing_rules (identifier, identifier_type, decision_basis, allocation_amount,
		allocation_lifetime, parallel_allocations, max_allocation_percentage, min_signal, max_signal,
		min_stake, min_average_query_fees, auto_renewal, require_supported, custom, members)
	values ($1, $2, $3, $4::text::numeric, $5, $6, $7::text::numeric, $8::text::numeric,
		$9::text::numeric, $10::text::numeric, $11::text::numeric, $12, $13, $14, $15)
	on conflict (identifier, identifier_type)
	do update set
		decision_basis = excluded.decision_basis,
		allocation_amount = excluded.allocation_amount,
		allocation_lifetime = excluded.allocation_lifetime,
		parallel_allocations = excluded.parallel_allocations,
		max_allocation_percentage = excluded.max_allocation_percentage,
		min_signal = excluded.min_signal,
		max_signal = excluded.max_signal,
		min_stake = excluded.min_stake,
		min_average_query_fees = excluded.min_average_query_fees,
		auto_renewal = excluded.auto_renewal,
		require_supported = excluded.require_supported,
		custom = excluded.custom,
		members = excluded.members,
		updated_at = now()
	returning ` + ruleColumns

	var custom any
	if len(rule.Custom) > 0 {
		custom = []byte(rule.Custom)
	}
	members := rule.Members
	if members == nil {
		members = []string{}
	}
	stored, err := scanRule(r.db.QueryRow(ctx, sql,
		rule.Identifier,
		rule.IdentifierType,
		rule.DecisionBasis,
		decimalArg(rule.AllocationAmount),
		rule.AllocationLifetime,
		rule.ParallelAllocations,
		decimalArg(rule.MaxAllocationPercentage),
		decimalArg(rule.MinSignal),
		decimalArg(rule.MaxSignal),
		decimalArg(rule.MinStake),
		decimalArg(rule.MinAverageQueryFees),
		rule.AutoRenewal,
		rule.RequireSupported,
		custom,
		members,
	))
	if err != nil {
		if constraint, ok := pgerror.GetConstraintName(err); ok {
			return indexing.IndexingRule{}, &indexing.ValidationError{Reason: "rule violates " + constraint}
		}
		return indexing.IndexingRule{}, fmt.Errorf("failed to upsert rule: %w", err)
	}
	return stored, nil
}

func (r *Repository) GetRule(ctx context.Context, key indexing.RuleKey) (indexing.IndexingRule, error) {
	sql, args, err := squirrel.Select(ruleColumns).
		From(rulesTable).
		Where(squirrel.Eq{
			"identifier":      key.Identifier,
			"identifier_type": string(key.IdentifierType),
		}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return indexing.IndexingRule{}, fmt.Errorf("failed to create db request: %w", err)
	}
	rule, err := scanRule(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return indexing.IndexingRule{}, &indexing.NotFoundError{Kind: "indexing rule", Key: key.String()}
	}
	if err != nil {
		return indexing.IndexingRule{}, fmt.Errorf("failed to get rule %s: %w", key, err)
	}
	return rule, nil
}

func (r *Repository) ListRules(ctx context.Context) ([]indexing.IndexingRule, error) {
	rows, err := r.db.Query(ctx, `select `+ruleColumns+` from indexing_rules order by identifier_type, identifier`)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result := make([]indexing.IndexingRule, 0, 16)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		result = append(result, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	return result, nil
}

func (r *Repository) DeleteRules(ctx context.Context, keys []indexing.RuleKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.RepeatableRead,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to start remove transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	batch := &pgx.Batch{}
	for _, key := range keys {
		batch.Queue(
			`delete from indexing_rules where identifier = $1 and identifier_type = $2`,
			key.Identifier,
			key.IdentifierType,
		)
	}
	bResult := tx.SendBatch(ctx, batch)
	defer bResult.Close()

	deleted := 0
	for _, key := range keys {
		tag, err := bResult.Exec()
		if err != nil {
			return 0, fmt.Errorf("failed to remove rule %s: %w", key, err)
		}
		deleted += int(tag.RowsAffected())
	}
	if err := bResult.Close(); err != nil {
		return 0, fmt.Errorf("failed to close tx batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit rules removing batch tx: %w", err)
	}
	return deleted, nil
}

func scanRule(row pgx.Row) (indexing.IndexingRule, error) {
	var (
		rule                                     indexing.IndexingRule
		amount, maxPercentage, minSignal         *string
		maxSignal, minStake, minAverageQueryFees *string
		custom                                   []byte
	)
	err := row.Scan(
		&rule.Identifier,
		&rule.IdentifierType,
		&rule.DecisionBasis,
		&amount,
		&rule.AllocationLifetime,
		&rule.ParallelAllocations,
		&maxPercentage,
		&minSignal,
		&maxSignal,
		&minStake,
		&minAverageQueryFees,
		&rule.AutoRenewal,
		&rule.RequireSupported,
		&custom,
		&rule.Members,
	)
	if err != nil {
		return indexing.IndexingRule{}, err
	}
	if rule.AllocationAmount, err = parseDecimal(amount); err != nil {
		return indexing.IndexingRule{}, err
	}
	if rule.MaxAllocationPercentage, err = parseDecimal(maxPercentage); err != nil {
		return indexing.IndexingRule{}, err
	}
	if rule.MinSignal, err = parseDecimal(minSignal); err != nil {
		return indexing.IndexingRule{}, err
	}
	if rule.MaxSignal, err = parseDecimal(maxSignal); err != nil {
		return indexing.IndexingRule{}, err
	}
	if rule.MinStake, err = parseDecimal(minStake); err != nil {
		return indexing.IndexingRule{}, err
	}
	if rule.MinAverageQueryFees, err = parseDecimal(minAverageQueryFees); err != nil {
		return indexing.IndexingRule{}, err
	}
	if len(custom) > 0 {
		rule.Custom = custom
	}
	if len(rule.Members) == 0 {
		rule.Members = nil
	}
	return rule, nil
}
