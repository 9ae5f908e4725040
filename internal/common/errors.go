// Package common defines shared constants and sentinel errors used across
// the storage, service and transport layers. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Infrastructure faults that may succeed on retry.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// Batch cutter errors. An invariant violation is never resolved automatically.
	ErrInvariantViolation = errors.New("invariant violation")
	ErrCutterHalted       = errors.New("batch cutter halted")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
