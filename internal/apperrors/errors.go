// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrForbidden       = errors.New("forbidden")
	ErrProvider        = errors.New("provider error")
	ErrMaterialization = errors.New("materialization error")
	ErrUnavailable     = errors.New("store unavailable")
	ErrInternal        = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "slotIndex", "parameters")
	Resource string // For not found/forbidden (e.g., "record", "job")
	Op       string // Operation that failed (e.g., "provider.submit")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel and the cause, so errors.Is matches either.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
// Not retryable without the caller correcting the request.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Forbidden creates an error for a principal that may not access a resource.
func Forbidden(resource, id string) error {
	return &Error{
		Sentinel: ErrForbidden,
		Message:  fmt.Sprintf("access to %s %s denied", resource, id),
		Resource: resource,
	}
}

// Provider wraps a failure talking to the inference provider.
// Retryable by polling or submitting again.
func Provider(op string, cause error) error {
	return &Error{
		Sentinel: ErrProvider,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Materialization wraps a download or upload failure after the provider reported success.
// Retryable by polling again; nothing partial is persisted.
func Materialization(op string, cause error) error {
	return &Error{
		Sentinel: ErrMaterialization,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Unavailable wraps a record store failure whose write state is unknown.
// Every store write is conditional, so the caller retries the same request.
func Unavailable(op string, cause error) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
