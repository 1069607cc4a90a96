// Package errors provides error handling for agentpulse.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Marker-based classification (errors.Is against the sentinels below)
//
// Usage:
//
//	// Classify a failure while keeping its own message
//	return errors.Validationf("invalid plugin name: %s", name)
//
//	// Wrap with context
//	if err := store.Download(ctx, key, dst); err != nil {
//	    return errors.MarkWrapf(err, errors.ErrDownloadFailed, "failed to stage plugin %s", name)
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrEnvVarMissing) {
//	    // record on the task, do not retry
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
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
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

// Sentinel errors shared across agentpulse.
// Use these with errors.Is(). Construct classified errors with the helpers
// below so the original message survives.
var (
	// ErrNotFound indicates the requested record or job does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or an illegal state transition
	ErrInvalidRequest = New("invalid request")

	// ErrValidation indicates a bad rule shape, invalid name or malformed path.
	// Always raised before any mutation.
	ErrValidation = New("validation failed")

	// ErrEnvVarMissing indicates a template referenced an environment variable
	// that the owner does not define and no default was given
	ErrEnvVarMissing = New("environment variable not found")

	// ErrDownloadFailed indicates a blob could not be materialized into a workspace
	ErrDownloadFailed = New("download failed")

	// ErrStagingIO indicates a filesystem write during staging failed
	ErrStagingIO = New("staging io error")

	// ErrSecurityViolation indicates path traversal or a credential headed for a disallowed host
	ErrSecurityViolation = New("security violation")

	// ErrServiceUnavailable indicates a required collaborator is not available
	ErrServiceUnavailable = New("service unavailable")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsValidationError checks if an error is or wraps ErrValidation
func IsValidationError(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsSecurityViolation checks if an error is or wraps ErrSecurityViolation
func IsSecurityViolation(err error) bool {
	return err != nil && Is(err, ErrSecurityViolation)
}

// IsServiceUnavailableError checks if an error is or wraps ErrServiceUnavailable
func IsServiceUnavailableError(err error) bool {
	return err != nil && Is(err, ErrServiceUnavailable)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}

// Validationf creates a validation error with a formatted message
func Validationf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrValidation)
}

// EnvVarMissingf creates an env-var-missing error with a formatted message
func EnvVarMissingf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrEnvVarMissing)
}

// SecurityViolationf creates a security-violation error with a formatted message
func SecurityViolationf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrSecurityViolation)
}

// MarkWrapf wraps err with a formatted message and classifies it under kind.
// Is(result, kind) and Is(result, err) both hold.
func MarkWrapf(err error, kind error, format string, args ...interface{}) error {
	return Mark(Wrapf(err, format, args...), kind)
}
