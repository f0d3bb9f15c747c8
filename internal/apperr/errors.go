// Package apperr defines the sentinel errors shared across the pool engine.
package apperr

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotVerified        = errors.New("member not verified")
	ErrDuplicateDomain    = errors.New("domain already registered")
	ErrInvalidCapacity    = errors.New("invalid capacity")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrInvalidReason      = errors.New("invalid ledger reason")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidState       = errors.New("invalid state")
	ErrNoMatch            = errors.New("no eligible contribution")
	ErrUpstream           = errors.New("upstream unavailable")

	// ErrRaceLost is internal: a conditional update found its precondition
	// already consumed by a concurrent writer. Callers retry with the next
	// candidate instead of surfacing it.
	ErrRaceLost = errors.New("race lost")
)
