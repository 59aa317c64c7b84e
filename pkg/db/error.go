package db

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	pgCodeUniqueViolation      = "23505"
	pgCodeSerializationFailure = "40001"
	pgCodeDeadlockDetected     = "40P01"
	pgCodeLockNotAvailable     = "55P03"
	pgCodeQueryCanceled        = "57014"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	if hasPGCode(err, pgCodeUniqueViolation) {
		return true
	}

	msg := err.Error()
	// MySQL 1062, SQLite 2067
	return strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "Error 1062") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// IsLockTimeout reports lock_timeout or statement_timeout expiry.
func IsLockTimeout(err error) bool {
	if err == nil {
		return false
	}
	if hasPGCode(err, pgCodeLockNotAvailable) || hasPGCode(err, pgCodeQueryCanceled) {
		return true
	}
	msg := err.Error()
	// MySQL 1205, SQLite busy
	return strings.Contains(msg, "Error 1205") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// IsConflict reports serialization failures and deadlocks.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if hasPGCode(err, pgCodeSerializationFailure) || hasPGCode(err, pgCodeDeadlockDetected) {
		return true
	}
	return strings.Contains(err.Error(), "Error 1213")
}

// IsTransient reports failures that should succeed on a later attempt
// without operator intervention.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return IsLockTimeout(err) || IsConflict(err)
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
