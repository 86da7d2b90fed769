package catchup

import "errors"

var (
	// ErrRangeTooLarge means the requested gap exceeds the configured cap.
	// Incremental recovery is not worth it; the caller must fall back to a
	// full-state resynchronization.
	ErrRangeTooLarge = errors.New("catch-up range exceeds configured cap")

	// ErrIncompleteRange means the log could not cover the top of the
	// requested range. Partially applying would silently advance the cursor
	// past missing data, so the caller must full-resync instead.
	ErrIncompleteRange = errors.New("catch-up range not fully covered by the log")

	ErrEmptyRange = errors.New("catch-up range is empty")
)
