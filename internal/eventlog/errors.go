package eventlog

import "errors"

var (
	ErrSequenceExists = errors.New("event already appended at this sequence")
	ErrInvalidEvent   = errors.New("event is missing user, sequence, or step count")
	ErrClosed         = errors.New("event log is closed")
)
