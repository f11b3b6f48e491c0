// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package wallet

import (
	"errors"
	"fmt"
)

// DomainError is a user-actionable failure, e.g. "token already spent". The
// message is surfaced verbatim to the caller and is safe to display.
type DomainError string

// Error satisfies the error interface.
func (e DomainError) Error() string { return string(e) }

// ConflictError is returned by the ledger when a versioned write references a
// stale version. Callers retry internally with a fresh read; a ConflictError
// is never surfaced to the user.
type ConflictError struct {
	ID       string
	Expected uint64
	Actual   uint64
}

// Error satisfies the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("stale version for %s: expected %d, have %d",
		e.ID, e.Expected, e.Actual)
}

// NetworkError wraps a transient transport failure. Operations seeing a
// NetworkError may be retried with bounded attempts.
type NetworkError struct {
	Err error
}

// Error satisfies the error interface.
func (e *NetworkError) Error() string { return "network error: " + e.Err.Error() }

// Unwrap returns the underlying error.
func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError is an error code reported by a mint or payment provider.
// Protocol errors are terminal signals consumed by the state machines'
// error classification, never blindly retried.
type ProtocolError struct {
	Code   int
	Detail string
}

// Error satisfies the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mint error %d: %s", e.Code, e.Detail)
}

// IsConflict checks whether the error is a ledger version conflict.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsNetworkError checks whether the error is a transient transport failure.
func IsNetworkError(err error) bool {
	var e *NetworkError
	return errors.As(err, &e)
}

// IsDomainError checks whether the error carries a user-facing message.
func IsDomainError(err error) bool {
	var e DomainError
	return errors.As(err, &e)
}

// ProtocolCode extracts the mint's error code, or -1 if the error is not a
// ProtocolError.
func ProtocolCode(err error) int {
	var e *ProtocolError
	if errors.As(err, &e) {
		return e.Code
	}
	return -1
}
