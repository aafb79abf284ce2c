// Package errors provides error handling for flowd.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
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
	Mark         = crdb.Mark
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
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllDetails  = crdb.GetAllDetails
	GetAllHints    = crdb.GetAllHints
	FlattenDetails = crdb.FlattenDetails
)

// Sentinel errors for use across flowd.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested flow, execution, or schedule
	// does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrInvalidExpression indicates a malformed cron expression
	ErrInvalidExpression = New("invalid cron expression")

	// ErrBusy indicates a runner is already in flight for this execution id
	ErrBusy = New("execution already in progress")

	// ErrBackendUnavailable indicates the task-execution backend could not
	// be reached; the runner falls back to simulation
	ErrBackendUnavailable = New("task backend unavailable")

	// ErrCapacity indicates the execution pool is at its concurrency limit
	ErrCapacity = New("execution capacity exceeded")

	// ErrConflict indicates a resource conflict (e.g., duplicate flow name)
	ErrConflict = New("resource conflict")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsBusyError checks if an error is or wraps ErrBusy.
func IsBusyError(err error) bool {
	return err != nil && Is(err, ErrBusy)
}

// IsInvalidExpressionError checks if an error is or wraps ErrInvalidExpression.
func IsInvalidExpressionError(err error) bool {
	return err != nil && Is(err, ErrInvalidExpression)
}
