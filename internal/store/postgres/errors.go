package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/narvanalabs/shipyard/internal/store"
)

// Re-exported so callers that only import this package can match them.
var (
	ErrNotFound      = store.ErrNotFound
	ErrDuplicateSlug = store.ErrDuplicateSlug
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}

// constraintName returns the violated constraint, if err carries one.
func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}
