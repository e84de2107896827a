package strategy

import "errors"

var (
	// ErrUnauthorized marks callers that lack the capability required for the
	// attempted operation.
	ErrUnauthorized = errors.New("strategy: unauthorized")
	// ErrInvalidState marks operations that are illegal for the current
	// project, recipient or milestone status.
	ErrInvalidState = errors.New("strategy: invalid state")
	// ErrCapacity marks operations that would exceed a configured bound such
	// as the accepted-recipient maximum or the remaining pool balance.
	ErrCapacity = errors.New("strategy: capacity exceeded")
	// ErrDuplicateVote marks a second ballot from the same participant within
	// one tally round.
	ErrDuplicateVote = errors.New("strategy: duplicate vote")
	// ErrValidation marks malformed arguments such as milestone percentages
	// that do not sum to one whole unit.
	ErrValidation = errors.New("strategy: validation failed")
	// ErrNotFound marks lookups for records that do not exist.
	ErrNotFound = errors.New("strategy: not found")

	errStateNotConfigured    = errors.New("strategy: state not configured")
	errLedgerNotConfigured   = errors.New("strategy: pool ledger not configured")
	errRolesNotConfigured    = errors.New("strategy: role oracle not configured")
	errProfilesNotConfigured = errors.New("strategy: profile directory not configured")
)
