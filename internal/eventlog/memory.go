package eventlog

import (
	"context"
	"sort"
	"sync"
)

// MemoryLog is an in-memory Log used by tests of the session and catch-up
// logic, where durability is irrelevant and deterministic setup matters.
type MemoryLog struct {
	mu     sync.RWMutex
	events map[string][]Event // user/channel -> ascending events
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{events: make(map[string][]Event)}
}

func memKey(userID string, ch Channel) string {
	return userID + "/" + string(ch)
}

func (l *MemoryLog) Append(ctx context.Context, ev Event) error {
	if ev.UserID == "" || ev.Sequence == 0 || ev.StepCount == 0 {
		return ErrInvalidEvent
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := memKey(ev.UserID, ev.Channel)
	list := l.events[key]
	idx := sort.Search(len(list), func(i int) bool { return list[i].Sequence >= ev.Sequence })
	if idx < len(list) && list[idx].Sequence == ev.Sequence {
		return ErrSequenceExists
	}
	list = append(list, Event{})
	copy(list[idx+1:], list[idx:])
	list[idx] = ev
	l.events[key] = list
	return nil
}

func (l *MemoryLog) QueryRange(ctx context.Context, userID string, ch Channel, fromExclusive, toInclusive uint64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, ev := range l.events[memKey(userID, ch)] {
		if ev.Sequence > fromExclusive && ev.Sequence <= toInclusive {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *MemoryLog) LatestSequence(ctx context.Context, userID string, ch Channel) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	list := l.events[memKey(userID, ch)]
	if len(list) == 0 {
		return 0, nil
	}
	return list[len(list)-1].Sequence, nil
}
