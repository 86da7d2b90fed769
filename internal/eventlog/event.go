package eventlog

import (
	"encoding/json"
	"fmt"
	"time"
)

// Channel identifies one of the per-user update classes. Each channel carries
// its own sequence counter and cursor; ordering guarantees never cross
// channels.
type Channel string

const (
	// ChannelPrimary carries ordinary chat updates: messages, edits,
	// deletes, read receipts, presence changes.
	ChannelPrimary Channel = "primary"

	// ChannelSecondary carries restricted-visibility updates that are
	// sequenced independently of the primary stream.
	ChannelSecondary Channel = "secondary"
)

// ParseChannel validates a channel name from an external caller.
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelPrimary, ChannelSecondary:
		return Channel(s), nil
	}
	return "", fmt.Errorf("unknown channel %q (must be 'primary' or 'secondary')", s)
}

// Event is one committed state change. Sequence is the value of the user's
// counter after applying this event; StepCount is how many sequence slots the
// event consumes (1 for a normal message, N for a bulk commit). Events are
// immutable once appended.
type Event struct {
	UserID    string          `json:"userId"`
	Channel   Channel         `json:"channel"`
	Sequence  uint64          `json:"sequence"`
	StepCount uint64          `json:"stepCount"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// RangeStart returns the first sequence slot this event occupies.
func (e Event) RangeStart() uint64 {
	if e.StepCount == 0 || e.StepCount > e.Sequence {
		return e.Sequence
	}
	return e.Sequence - e.StepCount + 1
}
