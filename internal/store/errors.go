package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"warehouse-allocator/internal/allocator"
)

// SQLSTATE codes that mean another transaction won the race.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// SQLState extracts the SQLSTATE from a lib/pq or pgx error.
func SQLState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// classify wraps concurrency failures in allocator.ErrWriteConflict and
// leaves everything else untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch SQLState(err) {
	case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation:
		return fmt.Errorf("%w: %v", allocator.ErrWriteConflict, err)
	default:
		return err
	}
}
