package repository

import (
	"errors"
	"fmt"

	"github.com/evetabi/auction/internal/domain"
	"github.com/lib/pq"
)

// SQLSTATE codes that mean "another transaction got there first; retry".
const (
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// mapPgError converts contention failures into domain.ErrStorageConflict,
// keeping the driver error in the chain for logs. Other errors pass through.
func mapPgError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected:
		return fmt.Errorf("%w: %s", domain.ErrStorageConflict, pqErr.Message)
	}
	return err
}

// isUniqueViolation checks whether err is a PostgreSQL unique constraint
// violation for the given constraint name.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == pgUniqueViolation && pqErr.Constraint == constraint
}
