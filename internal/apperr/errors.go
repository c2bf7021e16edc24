// Package apperr defines the typed outcomes returned by the calendar engine.
// Every error carries a stable machine-readable code.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentcal/internal/model"
)

// Code identifies an error class on the wire.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeConflict          Code = "CONFLICT"
	CodeNoAvailability    Code = "NO_AVAILABILITY"
	CodeConcurrency       Code = "CONCURRENCY_CONFLICT"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeNotFound          Code = "NOT_FOUND"
	CodeTimeout           Code = "TIMEOUT"
	CodeForbidden         Code = "FORBIDDEN"
	CodeInternal          Code = "INTERNAL"
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned before any lookup when input is malformed.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a field problem.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns nil when nothing was recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Invalid builds a single-field ValidationError.
func Invalid(field, format string, args ...any) error {
	v := &ValidationError{}
	v.Add(field, format, args...)
	return v
}

// ConflictError reports a double booking together with alternatives.
type ConflictError struct {
	Conflicts   []model.Appointment
	Suggestions []model.TimeSlot
}

func (e *ConflictError) Error() string {
	ids := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		ids = append(ids, c.ID)
	}
	if len(ids) == 0 {
		return "time slot is no longer available"
	}
	return "conflicts with appointments " + strings.Join(ids, ", ")
}

// NoAvailabilityError means the search window produced no bookable slot.
type NoAvailabilityError struct {
	AgentID      string
	NearestDates []model.Date
}

func (e *NoAvailabilityError) Error() string {
	return fmt.Sprintf("no availability for agent %s in the search window", e.AgentID)
}

// ConcurrencyError means the caller's version is stale.
type ConcurrencyError struct {
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("appointment %s was modified concurrently (version %d, current %d)", e.ID, e.Expected, e.Actual)
}

// InvalidTransitionError rejects an illegal status change.
type InvalidTransitionError struct {
	From model.Status
	To   model.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot change status from %s to %s", e.From, e.To)
}

// NotFoundError reports an unknown id.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// TimeoutError is returned when the caller's deadline expires mid-search.
type TimeoutError struct {
	Op      string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Elapsed.Round(time.Millisecond))
}

// ForbiddenError rejects a caller without the required role.
type ForbiddenError struct {
	Action string
}

func (e *ForbiddenError) Error() string {
	return "not allowed to " + e.Action
}

// InternalError hides an unexpected failure from callers. The cause is kept
// for logging only.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return "internal error"
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// Internal wraps err as an InternalError unless it already is a typed
// outcome.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) != CodeInternal {
		return err
	}
	var ie *InternalError
	if errors.As(err, &ie) {
		return err
	}
	return &InternalError{Op: op, Err: err}
}

// FromContext converts a context failure into a typed outcome.
func FromContext(op string, started time.Time, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Elapsed: time.Since(started)}
	}
	return &InternalError{Op: op, Err: err}
}

// CodeOf classifies any error, looking through wrapping.
func CodeOf(err error) Code {
	var (
		validation *ValidationError
		conflict   *ConflictError
		noAvail    *NoAvailabilityError
		concurrent *ConcurrencyError
		transition *InvalidTransitionError
		notFound   *NotFoundError
		timeout    *TimeoutError
		forbidden  *ForbiddenError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return CodeValidation
	case errors.As(err, &conflict):
		return CodeConflict
	case errors.As(err, &noAvail):
		return CodeNoAvailability
	case errors.As(err, &concurrent):
		return CodeConcurrency
	case errors.As(err, &transition):
		return CodeInvalidTransition
	case errors.As(err, &notFound):
		return CodeNotFound
	case errors.As(err, &timeout):
		return CodeTimeout
	case errors.As(err, &forbidden):
		return CodeForbidden
	default:
		return CodeInternal
	}
}

// Retryable reports whether the smart scheduler may retry after err.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeConflict, CodeConcurrency:
		return true
	}
	return false
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}
