package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/Sh00ty/indexer-agent/internal/storage/postgres/pgerror"
	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

const actionColumns = `id, status, type, deployment_id, allocation_id, amount::text, poi, force,
	priority, source, reason, transaction_ref, failure_reason, result, created_at, updated_at`

var orderColumns = map[indexing.ActionOrderField]string{
	indexing.OrderByID:             "id",
	indexing.OrderByStatus:         "status",
	indexing.OrderByType:           "type",
	indexing.OrderByDeploymentID:   "deployment_id",
	indexing.OrderByAllocationID:   "allocation_id",
	indexing.OrderByAmount:         "amount",
	indexing.OrderByPriority:       "priority",
	indexing.OrderBySource:         "source",
	indexing.OrderByReason:         "reason",
	indexing.OrderByTransactionRef: "transaction_ref",
	indexing.OrderByFailureReason:  "failure_reason",
	indexing.OrderByCreatedAt:      "created_at",
	indexing.OrderByUpdatedAt:      "updated_at",
}

func (r *Repository) InsertActions(ctx context.Context, actions []indexing.Action) ([]indexing.Action, error) {
	if len(actions) == 0 {
		return nil, nil
	}
	sql := `
	insert into actions (status, type, deployment_id, allocation_id, amount, poi, force,
		priority, source, reason, created_at, updated_at)
	values ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8, $9, $10, $11, $11)
	returning ` + actionColumns

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.RepeatableRead,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start insert transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	batch := &pgx.Batch{}
	for _, a := range actions {
		batch.Queue(
			sql,
			a.Status,
			a.Type,
			a.DeploymentID,
			a.AllocationID,
			nullDecimalArg(a.Amount),
			a.POI,
			a.Force,
			a.Priority,
			a.Source,
			a.Reason,
			a.CreatedAt,
		)
	}

	bResult := tx.SendBatch(ctx, batch)
	defer bResult.Close()

	stored := make([]indexing.Action, 0, len(actions))
	for _, a := range actions {
		created, err := scanAction(bResult.QueryRow())
		if err != nil {
			return nil, actionWriteError(err, a)
		}
		stored = append(stored, created)
	}
	if err := bResult.Close(); err != nil {
		return nil, fmt.Errorf("failed to close insert batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit actions insert: %w", err)
	}
	return stored, nil
}

func (r *Repository) UpdateAction(ctx context.Context, action indexing.Action) (indexing.Action, error) {
	sql := `
	update actions set
		type = $2,
		deployment_id = $3,
		allocation_id = $4,
		amount = $5::text::numeric,
		poi = $6,
		force = $7,
		priority = $8,
		source = $9,
		reason = $10,
		updated_at = now()
	where id = $1 and status in ('queued', 'approved')
	returning ` + actionColumns

	updated, err := scanAction(r.db.QueryRow(ctx, sql,
		action.ID,
		action.Type,
		action.DeploymentID,
		action.AllocationID,
		nullDecimalArg(action.Amount),
		action.POI,
		action.Force,
		action.Priority,
		action.Source,
		action.Reason,
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return indexing.Action{}, actionWriteError(err, action)
	}
	current, err := r.GetAction(ctx, action.ID)
	if err != nil {
		return indexing.Action{}, err
	}
	return indexing.Action{}, &indexing.ConflictError{
		ExistingID: current.ID,
		Reason:     fmt.Sprintf("action in status %s can't be updated", current.Status),
	}
}

func (r *Repository) GetAction(ctx context.Context, id int64) (indexing.Action, error) {
	a, err := scanAction(r.db.QueryRow(ctx, `select `+actionColumns+` from actions where id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return indexing.Action{}, &indexing.NotFoundError{Kind: "action", Key: fmt.Sprint(id)}
	}
	if err != nil {
		return indexing.Action{}, fmt.Errorf("failed to get action %d: %w", id, err)
	}
	return a, nil
}

func (r *Repository) ListActions(ctx context.Context, filter indexing.ActionFilter, order indexing.ActionOrder) ([]indexing.Action, error) {
	order = order.OrDefault()
	column, ok := orderColumns[order.Field]
	if !ok {
		return nil, &indexing.ValidationError{Field: "orderBy", Reason: "unknown field " + string(order.Field)}
	}
	direction := "asc"
	if order.Direction == indexing.Desc {
		direction = "desc"
	}

	q := squirrel.Select(actionColumns).From(actionsTable)
	if len(filter.IDs) > 0 {
		q = q.Where(squirrel.Eq{"id": filter.IDs})
	}
	if filter.Type != "" {
		q = q.Where(squirrel.Eq{"type": filter.Type})
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		q = q.Where(squirrel.Eq{"status": statuses})
	}
	if filter.Source != "" {
		q = q.Where(squirrel.Eq{"source": filter.Source})
	}
	if filter.Reason != "" {
		q = q.Where(squirrel.Eq{"reason": filter.Reason})
	}
	if filter.DeploymentID != "" {
		q = q.Where(squirrel.Eq{"deployment_id": filter.DeploymentID})
	}
	if filter.AllocationID != "" {
		q = q.Where(squirrel.Eq{"lower(allocation_id)": strings.ToLower(filter.AllocationID)})
	}
	sql, args, err := q.
		OrderBy(column+" "+direction+" nulls last", "id "+direction).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()
	return collectActions(rows)
}

func (r *Repository) TransitionActions(
	ctx context.Context,
	ids []int64,
	from []indexing.ActionStatus,
	to indexing.ActionStatus,
) ([]indexing.Action, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	fromStatuses := make([]string, 0, len(from))
	for _, s := range from {
		fromStatuses = append(fromStatuses, string(s))
	}
	sql := `
	update actions set status = $1, updated_at = now()
	where id = any($2) and status = any($3)
	returning ` + actionColumns

	rows, err := r.db.Query(ctx, sql, to, ids, fromStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to move actions to %s: %w", to, err)
	}
	defer rows.Close()
	return collectActions(rows)
}

// ClaimActions is a conditional approved to pending update, so concurrent
// claimers can never both win the same row.
func (r *Repository) ClaimActions(ctx context.Context, ids []int64) ([]indexing.Action, error) {
	return r.TransitionActions(ctx, ids, []indexing.ActionStatus{indexing.ActionApproved}, indexing.ActionPending)
}

func (r *Repository) ResolveActions(ctx context.Context, outcomes []indexing.ActionOutcome) ([]indexing.Action, error) {
	if len(outcomes) == 0 {
		return nil, nil
	}
	sql := `
	update actions set
		status = $2,
		transaction_ref = $3,
		failure_reason = $4,
		result = case when $2::text = 'success' then coalesce($5::jsonb, result) else $5::jsonb end,
		updated_at = now()
	where id = $1 and status = 'pending'
	returning ` + actionColumns

	batch := &pgx.Batch{}
	for _, o := range outcomes {
		var result any
		if o.Result != nil {
			raw, err := json.Marshal(o.Result)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal result of action %d: %w", o.ID, err)
			}
			result = raw
		}
		batch.Queue(sql, o.ID, o.Status, o.TransactionRef, o.FailureReason, result)
	}

	bResult := r.db.SendBatch(ctx, batch)
	defer bResult.Close()

	resolved := make([]indexing.Action, 0, len(outcomes))
	for _, o := range outcomes {
		a, err := scanAction(bResult.QueryRow())
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return resolved, fmt.Errorf("failed to resolve action %d: %w", o.ID, err)
		}
		resolved = append(resolved, a)
	}
	return resolved, nil
}

func (r *Repository) RecordExpectedAllocations(ctx context.Context, expected map[int64]string) error {
	if len(expected) == 0 {
		return nil
	}
	sql := `update actions set result = $2, updated_at = now() where id = $1 and status = 'pending'`

	batch := &pgx.Batch{}
	for id, allocationID := range expected {
		raw, err := json.Marshal(indexing.ActionResult{AllocationID: allocationID})
		if err != nil {
			return fmt.Errorf("failed to marshal expected allocation of action %d: %w", id, err)
		}
		batch.Queue(sql, id, raw)
	}
	bResult := r.db.SendBatch(ctx, batch)
	defer bResult.Close()

	for range expected {
		if _, err := bResult.Exec(); err != nil {
			return fmt.Errorf("failed to record expected allocation: %w", err)
		}
	}
	return bResult.Close()
}

func (r *Repository) DeleteActions(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to start delete transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `select id from actions where id = any($1) order by id for update`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to lock actions: %w", err)
	}
	var pendingID int64
	err = tx.QueryRow(ctx, `select id from actions where id = any($1) and status = 'pending' limit 1`, ids).Scan(&pendingID)
	switch {
	case err == nil:
		return 0, &indexing.ConflictError{ExistingID: pendingID, Reason: "pending action can't be deleted"}
	case !errors.Is(err, pgx.ErrNoRows):
		return 0, fmt.Errorf("failed to check pending actions: %w", err)
	}

	tag, err := tx.Exec(ctx, `delete from actions where id = any($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete actions: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit actions delete: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func actionWriteError(err error, a indexing.Action) error {
	constraint, ok := pgerror.GetConstraintName(err)
	if !ok {
		return fmt.Errorf("failed to write action: %w", err)
	}
	switch constraint {
	case "actions_inflight_deployment_uniq":
		return &indexing.ConflictError{Target: a.DeploymentID, Reason: "deployment already has an in-flight action"}
	case "actions_inflight_allocation_uniq":
		return &indexing.ConflictError{Target: a.AllocationID, Reason: "allocation already has an in-flight action"}
	case "actions_amount_check":
		return &indexing.ValidationError{Field: "amount", Reason: "can't be negative"}
	}
	return fmt.Errorf("failed to write action, constraint %s: %w", constraint, err)
}

func scanAction(row pgx.Row) (indexing.Action, error) {
	var (
		a      indexing.Action
		amount *string
		result []byte
	)
	err := row.Scan(
		&a.ID,
		&a.Status,
		&a.Type,
		&a.DeploymentID,
		&a.AllocationID,
		&amount,
		&a.POI,
		&a.Force,
		&a.Priority,
		&a.Source,
		&a.Reason,
		&a.TransactionRef,
		&a.FailureReason,
		&result,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return indexing.Action{}, err
	}
	parsed, err := parseDecimal(amount)
	if err != nil {
		return indexing.Action{}, err
	}
	if parsed != nil {
		a.Amount = decimal.NewNullDecimal(*parsed)
	}
	if len(result) > 0 {
		a.Result = &indexing.ActionResult{}
		if err := json.Unmarshal(result, a.Result); err != nil {
			return indexing.Action{}, fmt.Errorf("failed to unmarshal result of action %d: %w", a.ID, err)
		}
	}
	return a, nil
}

func collectActions(rows pgx.Rows) ([]indexing.Action, error) {
	result := make([]indexing.Action, 0, 16)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read actions: %w", err)
	}
	return result, nil
}
