// Package errors provides error handling for fetchd.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - User-facing hints and details
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

// Common sentinel errors for use across fetchd.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested job or resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the command input was malformed or invalid.
	// Validation errors are rejected before any state change.
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates the command is not valid for the job's current
	// state (e.g. pause on a queued job, retry on a non-terminal job, or a
	// lost race to confirm a playlist selection).
	ErrConflict = New("conflict")

	// ErrServiceUnavailable indicates a required service is not available
	ErrServiceUnavailable = New("service unavailable")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrEngine indicates the external download engine failed. Retryable by
	// explicit user action; recorded on the job, never thrown at callers of
	// async commands.
	ErrEngine = New("engine failure")

	// ErrHookAbort indicates a pre-download hook vetoed the job. Always
	// fatal: the job fails without ever reaching running.
	ErrHookAbort = New("hook abort")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Wrap(ErrConflict, Newf(format, args...).Error())
}

// IsEngineError checks if an error is or wraps ErrEngine
func IsEngineError(err error) bool {
	return err != nil && Is(err, ErrEngine)
}

// IsHookAbortError checks if an error is or wraps ErrHookAbort
func IsHookAbortError(err error) bool {
	return err != nil && Is(err, ErrHookAbort)
}

// NewEngineError creates an engine error with a formatted message
func NewEngineError(format string, args ...interface{}) error {
	return Wrap(ErrEngine, Newf(format, args...).Error())
}

// NewHookAbortError creates a hook-abort error with a formatted message
func NewHookAbortError(format string, args ...interface{}) error {
	return Wrap(ErrHookAbort, Newf(format, args...).Error())
}
