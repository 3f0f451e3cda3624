// Package fault defines the error taxonomy shared by every service in the
// escrow core. Services return these sentinels (usually wrapped with context);
// adapters map them to machine-readable codes with Code.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a referenced entity as absent.
	ErrNotFound = errors.New("not found")
	// ErrForbidden marks an actor lacking the required role or ownership.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidState marks a failed precondition, e.g. releasing an
	// unapproved milestone. Callers may refresh and retry on their own.
	ErrInvalidState = errors.New("invalid state")
	// ErrInsufficientFunds marks an operation that would drive a balance
	// negative. Never retried.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrConflict marks an optimistic-concurrency conflict detected at
	// commit. Recovered locally via bounded retry.
	ErrConflict = errors.New("conflict")
	// ErrConflictExceeded marks exhausted conflict retries. Transient;
	// safe for the caller to retry.
	ErrConflictExceeded = errors.New("conflict retries exceeded")
	// ErrIdempotentReplay marks a ledger entry that was already applied
	// with identical contents. Converted into success at the ledger
	// boundary.
	ErrIdempotentReplay = errors.New("idempotent replay")
	// ErrInvariantViolation marks a post-condition that would be false.
	// The transaction is rolled back and the project is quarantined.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrQuarantined marks writes against a project frozen after an
	// invariant violation, pending manual inspection.
	ErrQuarantined = errors.New("project quarantined")
)

// Code returns the short machine-readable code for an error, or "internal"
// when the error does not belong to the taxonomy.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrConflictExceeded):
		return "conflict_exceeded"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrIdempotentReplay):
		return "idempotent_replay"
	case errors.Is(err, ErrQuarantined):
		return "quarantined"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	default:
		return "internal"
	}
}

// NotFound wraps ErrNotFound with the entity and id that were missing.
func NotFound(entity, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, entity, id)
}

// Forbidden wraps ErrForbidden with a short reason.
func Forbidden(reason string) error {
	return fmt.Errorf("%w: %s", ErrForbidden, reason)
}

// InvalidState wraps ErrInvalidState with a short reason.
func InvalidState(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, reason)
}
