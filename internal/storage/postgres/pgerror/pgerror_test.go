package pgerror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestGetConstraintName(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: UniqueViolation, ConstraintName: "actions_inflight_deployment_uniq"})
	name, ok := GetConstraintName(wrapped)
	assert.True(t, ok)
	assert.Equal(t, "actions_inflight_deployment_uniq", name)

	_, ok = GetConstraintName(&pgconn.PgError{Code: "40001", ConstraintName: "x"})
	assert.False(t, ok)

	_, ok = GetConstraintName(errors.New("boom"))
	assert.False(t, ok)

	_, ok = GetConstraintName(nil)
	assert.False(t, ok)
}
