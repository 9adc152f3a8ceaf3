package store

import "errors"

// Error taxonomy shared by the store and the maintenance passes layered on
// top of it. Callers match with errors.Is; messages carry detail via %w
// wrapping.
var (
	// ErrValidation marks a malformed entity or attribute, rejected at
	// Create or Revise.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks an operation against a nonexistent or non-active id.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks an operation that would violate a lineage, cycle,
	// or monotonicity invariant.
	ErrConflict = errors.New("conflict")

	// ErrTimeout marks a pass or query that exceeded its deadline.
	ErrTimeout = errors.New("deadline exceeded")

	// ErrUnavailable marks an unreachable store. Maintenance degrades to
	// "no consolidation this cycle" when it surfaces.
	ErrUnavailable = errors.New("store unavailable")
)
