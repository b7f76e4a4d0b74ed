// Package cerrors provides the structured error system shared by the three
// engines. Every public entry point returns either a success value or an
// *Error carrying a string code, the failing operation, and the offending
// entity id so callers can diagnose without parsing messages.
package cerrors

import (
	"errors"
	"fmt"
)

// Code identifies a specific error condition. Codes are string-based for
// debuggability and natural JSON serialization.
type Code string

const (
	// CodeNotFound indicates a referenced commitment, pool, or record does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeInvalidAmount indicates a non-positive or otherwise unusable amount.
	CodeInvalidAmount Code = "INVALID_AMOUNT"

	// CodeInvalidRules indicates commitment rules failed validation.
	CodeInvalidRules Code = "INVALID_RULES"

	// CodeInsufficientBalance indicates the owner's available balance does not cover the request.
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"

	// CodeUnauthorized indicates the caller lacks the required role or ownership.
	CodeUnauthorized Code = "UNAUTHORIZED"

	// CodeAlreadySettled covers every "commitment is not resolvable" case,
	// including repeat settle/early-exit calls.
	CodeAlreadySettled Code = "ALREADY_SETTLED"

	// CodeNotExpired indicates a settlement attempt before the expiry timestamp.
	CodeNotExpired Code = "NOT_EXPIRED"

	// CodePoolCapacityExceeded indicates the eligible pools cannot absorb the requested amount.
	CodePoolCapacityExceeded Code = "POOL_CAPACITY_EXCEEDED"

	// CodeArithmeticOverflow indicates an invariant violation upstream.
	// Not retryable; treat as a defect to investigate.
	CodeArithmeticOverflow Code = "ARITHMETIC_OVERFLOW"

	// CodeRateLimited indicates the caller exceeded its fixed-window budget.
	CodeRateLimited Code = "RATE_LIMITED"

	// CodeAlreadyInitialized indicates a repeated initialization attempt.
	CodeAlreadyInitialized Code = "ALREADY_INITIALIZED"

	// CodeAlreadyExists indicates a duplicate registration (pool id, verifier).
	CodeAlreadyExists Code = "ALREADY_EXISTS"

	// CodePaused indicates the engine is paused and rejecting mutations.
	CodePaused Code = "PAUSED"

	// CodeReentrancy indicates a nested call re-entered a held commitment guard.
	CodeReentrancy Code = "REENTRANCY"
)

// Error is the tagged error returned by every engine operation.
type Error struct {
	Code     Code
	Op       string // Operation name, e.g. "lifecycle.Settle"
	EntityID string // Offending id when one exists
	Err      error  // Optional underlying cause
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Code)
	if e.EntityID != "" {
		msg += fmt.Sprintf(" (id=%s)", e.EntityID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for the given code and operation.
func New(code Code, op, entityID string) *Error {
	return &Error{Code: code, Op: op, EntityID: entityID}
}

// Wrap attaches an underlying cause.
func Wrap(code Code, op, entityID string, err error) *Error {
	return &Error{Code: code, Op: op, EntityID: entityID, Err: err}
}

// CodeOf extracts the code from err, or CodeUnknown semantics via empty string.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the caller can reasonably retry after correcting
// input or waiting. Overflow is an upstream invariant violation, not a retry.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case "":
		return false
	case CodeArithmeticOverflow:
		return false
	}
	return true
}
