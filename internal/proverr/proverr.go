// Package proverr defines the provenance error taxonomy shared by the
// chain adapter, the verification index and the provenance service.
//
// Validation failures (Unauthorized, InvalidTransition, DuplicateProduct,
// NotFound) are resolved before any ledger submission and are never retried.
// StaleState is an optimistic-concurrency conflict surfaced at confirmation.
// ChainTimeout means the submission outcome is unknown within the deadline;
// ChainRejected means the ledger explicitly refused the transaction.
package proverr

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrStaleState        = errors.New("stale state")
	ErrDuplicateProduct  = errors.New("duplicate product")
	ErrNotFound          = errors.New("not found")
	ErrChainTimeout      = errors.New("chain timeout")
	ErrChainRejected     = errors.New("chain rejected")
)

// Code returns the stable wire code for a taxonomy error, or "" when the
// error is not part of the taxonomy.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrStaleState):
		return "STALE_STATE"
	case errors.Is(err, ErrDuplicateProduct):
		return "DUPLICATE_PRODUCT"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrChainTimeout):
		return "CHAIN_TIMEOUT"
	case errors.Is(err, ErrChainRejected):
		return "CHAIN_REJECTED"
	default:
		return ""
	}
}

// Rejected wraps a ledger refusal with its reason string.
func Rejected(reason string) error {
	return fmt.Errorf("%w: %s", ErrChainRejected, reason)
}

// Timeout wraps an unknown-outcome submission with the idempotency key the
// caller needs to re-poll or resubmit safely.
func Timeout(idempotencyKey string) error {
	return fmt.Errorf("%w: outcome unknown, re-poll with idempotency key %s", ErrChainTimeout, idempotencyKey)
}
