package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

const (
	// ErrNotFound is returned when a record id does not exist or is not
	// visible to the caller. The two cases are deliberately not
	// distinguished so ownership of private records never leaks.
	ErrNotFound ErrorCode = "NOT_FOUND"

	// ErrCapacityExceeded is returned when store-time eviction cannot make
	// room because every remaining candidate in the tier is critical.
	ErrCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"

	// ErrAccessDenied is returned on a write against a shared-read-only
	// record by a non-owner, or any access to a foreign private record.
	ErrAccessDenied ErrorCode = "ACCESS_DENIED"

	// ErrEmbeddingUnavailable marks a failed embedding computation. It is
	// logged and degrades ranking quality but is never surfaced to callers
	// of Store or Retrieve.
	ErrEmbeddingUnavailable ErrorCode = "EMBEDDING_UNAVAILABLE"

	// ErrBudgetTooSmall is returned by context building when candidates
	// exist but none fits the usable token budget.
	ErrBudgetTooSmall ErrorCode = "BUDGET_TOO_SMALL"

	// ErrInvalidRequest covers malformed caller input (unknown tier,
	// empty content, invalid access mode).
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
)

// Error is a structured error with code, message, and optional cause.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
