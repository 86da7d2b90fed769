package sequence

import "errors"

var (
	// ErrAllocationRace means the store observed a non-monotonic counter
	// transition. The atomicity contract makes this structurally
	// impossible, so seeing it is a fatal invariant violation: the key is
	// poisoned and all further allocations for it fail until an operator
	// intervenes.
	ErrAllocationRace = errors.New("sequence counter moved backwards: allocation halted for this key")

	// ErrPermissionDenied means a reset was attempted outside maintenance
	// mode.
	ErrPermissionDenied = errors.New("counter reset requires maintenance mode")

	ErrInvalidStep = errors.New("step count must be >= 1")
)
