package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// Sentinel errors for the storage layer. Callers match them with errors.Is.
var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on a unique-constraint violation that the
	// caller did not (or could not) resolve, e.g. a duplicate slug.
	ErrConflict = errors.New("conflict")

	// ErrStaleWrite is returned when an optimistic-concurrency check fails.
	// The caller read stale data and should re-read and retry.
	ErrStaleWrite = errors.New("stale write")

	// ErrAlreadyPublished is returned when publishing an already-published post.
	ErrAlreadyPublished = errors.New("already published")

	// ErrAlreadyDraft is returned when unpublishing a post that is a draft.
	ErrAlreadyDraft = errors.New("already draft")

	// ErrForbidden is returned when the actor's role does not grant the
	// capability the operation needs.
	ErrForbidden = errors.New("forbidden")

	ErrTokenExpired  = errors.New("token expired")
	ErrTokenUsed     = errors.New("token already used")
	ErrTokenNotFound = errors.New("token not found")

	// ErrDeadlineExceeded is returned when the caller's deadline elapsed.
	// The enclosing unit of work has been rolled back; retrying is safe.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)

// ValidationError reports malformed input. It is the caller's fault and
// should not be retried unchanged.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// translateErr maps driver and context failures onto the package taxonomy.
// Unrecognized errors pass through unchanged.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// isUniqueViolation reports whether err is a unique or primary-key
// constraint violation on either supported backend. Other constraint
// classes (foreign key, not null, check) must not match: callers treat a
// unique violation as a benign race, anything else is a genuine failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
