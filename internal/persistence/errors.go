package persistence

import (
	"errors"
	"fmt"
	"strings"
)

// The store distinguishes four caller-visible failure classes plus a fatal
// startup class. Callers retry transient errors, surface validation and
// not-found errors to the worker that made the bad call, and treat conflict
// as "someone else already did this".

// ValidationError reports a malformed identifier or payload. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown session, group, or state triple.
type NotFoundError struct {
	Kind string // "session", "task group", "state snapshot"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// ConflictError reports creation of an already-existing unique entity.
// The intentional idempotent event-append path does NOT produce this.
type ConflictError struct {
	Kind string
	ID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.ID)
}

// TransientError wraps a storage-engine busy/locked condition that survived
// the store's internal retries. Safe for the caller to retry with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient storage error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MigrationError is fatal at startup: the process must not run against a
// store it could not safely migrate.
type MigrationError struct {
	Err error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("schema migration failed: %v", e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsTransient reports whether err is safe to retry.
func IsTransient(err error) bool {
	var tr *TransientError
	return errors.As(err, &tr)
}

// IsValidation reports whether err is the caller's fault.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsMigration reports whether err came from the schema migration path.
func IsMigration(err error) bool {
	var m *MigrationError
	return errors.As(err, &m)
}

func validationErr(field string, err error) error {
	return &ValidationError{Field: field, Reason: err.Error()}
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// isUniqueViolation checks for a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed") && strings.Contains(msg, "unique")
}
