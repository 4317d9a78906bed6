// Package apierr defines the typed error taxonomy shared by the queue,
// worker, lock, and rate-limit packages, and the HTTP envelope the control
// API translates them into.
package apierr

import "errors"

// Code is the stable machine-readable error code returned in HTTP bodies.
type Code string

const (
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeNotFound       Code = "NOT_FOUND"
	CodeInvalidState   Code = "INVALID_STATE"
	CodeInternal       Code = "INTERNAL_ERROR"
)

// Error carries a Code alongside a human-readable message so HTTP handlers
// can translate it without re-deriving the cause.
type Error struct {
	Code    Code
	Message string
	Details any
}

func (e *Error) Error() string { return e.Message }

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetails attaches structured details (e.g. validation field errors).
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// NotFound builds a CodeNotFound error for the given entity description.
func NotFound(what string) *Error {
	return New(CodeNotFound, what+" not found")
}

// InvalidState builds a CodeInvalidState error describing a rejected
// transition.
func InvalidState(message string) *Error {
	return New(CodeInvalidState, message)
}

// Validation builds a CodeValidation error.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// ErrLockConflict is returned by the persistence gateway when a file-lock
// insert collides with the UNIQUE(file_path) constraint.
var ErrLockConflict = errors.New("file lock conflict")

// ErrTransient is returned by the persistence gateway on connection loss or
// other retryable infrastructure failures; callers do not retry inline —
// the supervisory loop self-heals on its next tick.
var ErrTransient = errors.New("transient storage failure")

// As is a small convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
