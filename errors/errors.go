// Package errors provides error handling for herald.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// On top of that it defines the scheduling taxonomy. Caller-facing failures
// (ErrInvalidArgument, ErrNotFound, ErrPreconditionFailed, ErrConflict) are
// returned synchronously by the scheduling service. Publisher failures
// (ErrAuth, ErrRateLimited, ErrRejected, ErrTransient) are attached with Mark
// so the original message survives while errors.Is still matches the class.
//
// Usage:
//
//	if rec.Status != post.StatusPending {
//	    return errors.NewPreconditionFailedError("post %s is %s", rec.ID, rec.Status)
//	}
//
//	return errors.Mark(errors.Wrap(err, "linkedin request"), errors.ErrTransient)
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

	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Scheduling errors, returned to callers of the scheduling service.
var (
	// ErrInvalidArgument indicates bad scheduling input (unsupported platform, past time, empty update)
	ErrInvalidArgument = New("invalid argument")

	// ErrNotFound indicates an unknown post id or content reference
	ErrNotFound = New("not found")

	// ErrPreconditionFailed indicates the post is not in the state the operation requires
	ErrPreconditionFailed = New("precondition failed")

	// ErrConflict indicates a state-machine violation such as cancelling a published post
	ErrConflict = New("conflict")
)

// Publisher errors. These never reach callers of Schedule; the dispatch loop
// records them on the post.
var (
	// ErrAuth indicates bad or expired credentials; not retryable without an operator
	ErrAuth = New("platform authentication failed")

	// ErrRateLimited indicates the platform (or the local throttle) refused the call for now
	ErrRateLimited = New("platform rate limited")

	// ErrRejected indicates the platform refused the content itself
	ErrRejected = New("platform rejected content")

	// ErrTransient indicates a network failure, timeout or 5xx
	ErrTransient = New("transient platform failure")

	// ErrThrottled marks a call refused by herald's own per-platform budget.
	// It always carries ErrRateLimited too; the platform was never called.
	ErrThrottled = New("local publish throttle")
)

// IsThrottled checks if an error is or wraps ErrThrottled
func IsThrottled(err error) bool {
	return err != nil && Is(err, ErrThrottled)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidArgumentError checks if an error is or wraps ErrInvalidArgument
func IsInvalidArgumentError(err error) bool {
	return err != nil && Is(err, ErrInvalidArgument)
}

// IsPreconditionFailedError checks if an error is or wraps ErrPreconditionFailed
func IsPreconditionFailedError(err error) bool {
	return err != nil && Is(err, ErrPreconditionFailed)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// NewInvalidArgumentError creates an invalid-argument error with a formatted message
func NewInvalidArgumentError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidArgument, Newf(format, args...).Error())
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewPreconditionFailedError creates a precondition-failed error with a formatted message
func NewPreconditionFailedError(format string, args ...interface{}) error {
	return Wrap(ErrPreconditionFailed, Newf(format, args...).Error())
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Wrap(ErrConflict, Newf(format, args...).Error())
}
