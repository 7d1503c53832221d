// Package domain defines the core types, interfaces, and errors of the SQL
// execution pipeline.
package domain

import (
	"fmt"
	"time"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input, rejected before a query row is
// created.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a conflict (e.g. duplicate resource).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// IllegalTransitionError indicates a compare-and-set state transition lost
// the race: the row's current status was not among the expected set. Callers
// treat it as benign when another worker owns the row.
type IllegalTransitionError struct {
	QueryID int64
	To      QueryStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for query %d to %s", e.QueryID, e.To)
}

// TemplateError indicates SQL template rendering failed, including any
// reference to a name outside the sandboxed set.
type TemplateError struct {
	Message string
}

func (e *TemplateError) Error() string { return e.Message }

// OverloadedError indicates the async queue is at its configured cap and the
// submission was rejected.
type OverloadedError struct {
	Message string
}

func (e *OverloadedError) Error() string { return e.Message }

// ResultsConflictError indicates a results-backend store found different
// bytes already present under the same key. The existing blob is
// authoritative; the store must not overwrite. StoredAt carries the
// existing blob's store time when the backend knows it.
type ResultsConflictError struct {
	Key      string
	StoredAt time.Time
}

func (e *ResultsConflictError) Error() string {
	return fmt.Sprintf("results backend conflict for key %s", e.Key)
}

// ResultsExpiredError indicates the result blob for a successful query has
// been evicted; the caller may resubmit.
type ResultsExpiredError struct {
	Key string
}

func (e *ResultsExpiredError) Error() string {
	return fmt.Sprintf("results for key %s have expired", e.Key)
}

// DatabaseError wraps an error reported by a backend database, sanitized for
// exposure: no credentials, no driver stack traces.
type DatabaseError struct {
	Message string
}

func (e *DatabaseError) Error() string { return e.Message }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...any) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...any) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrTemplate creates a TemplateError with a formatted message.
func ErrTemplate(format string, args ...any) *TemplateError {
	return &TemplateError{Message: fmt.Sprintf(format, args...)}
}

// ErrOverloaded creates an OverloadedError with a formatted message.
func ErrOverloaded(format string, args ...any) *OverloadedError {
	return &OverloadedError{Message: fmt.Sprintf(format, args...)}
}

// ErrDatabase creates a DatabaseError with a formatted message.
func ErrDatabase(format string, args ...any) *DatabaseError {
	return &DatabaseError{Message: fmt.Sprintf(format, args...)}
}
