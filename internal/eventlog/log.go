package eventlog

import "context"

// Log is the durable, range-queryable event log. Implementations must make an
// appended event visible to QueryRange before Append returns; the catch-up
// path relies on that to close gaps without racing the commit path.
type Log interface {
	// Append persists one event at its sequence position. Appending twice
	// at the same (user, channel, sequence) fails with ErrSequenceExists.
	Append(ctx context.Context, ev Event) error

	// QueryRange returns events with fromExclusive < sequence <= toInclusive
	// for the given user and channel, ascending by sequence. A sparse result
	// is not an error here; the caller decides whether holes are tolerable.
	QueryRange(ctx context.Context, userID string, ch Channel, fromExclusive, toInclusive uint64) ([]Event, error)

	// LatestSequence returns the highest appended sequence for the key, or 0
	// when the user has no history on that channel.
	LatestSequence(ctx context.Context, userID string, ch Channel) (uint64, error)
}
