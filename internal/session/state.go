package session

// State is the lifecycle of one delivery session. A session is created Idle
// on connect and is terminal once Closed; reconnection always builds a fresh
// session rather than resuming a closed one.
type State int

const (
	// StateIdle: connected, no initial sync yet.
	StateIdle State = iota

	// StateStreaming: live events are classified and applied directly.
	StateStreaming

	// StateCatchingUp: a gap was detected; live events are buffered while a
	// range fetch recovers the missing events.
	StateCatchingUp

	// StateSuspended: the connection is backpressured; live events are
	// buffered until an explicit resume.
	StateSuspended

	// StateClosed: terminal. No further mutation is permitted.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCatchingUp:
		return "catching-up"
	case StateSuspended:
		return "suspended"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
