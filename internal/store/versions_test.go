package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsUniqueViolation(t *testing.T) {
	conflict := &pgconn.PgError{Code: "23505", ConstraintName: "knowledge_versions_entry_id_version_key"}
	assert.True(t, isUniqueViolation(conflict))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert failed: %w", conflict)),
		"wrapped driver errors still match")

	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}), "other constraint classes do not retry")
	assert.False(t, isUniqueViolation(errors.New("connection reset")))
	assert.False(t, isUniqueViolation(nil))
}
