package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const eventPrefix = "evt/"

// BadgerLog stores events in an embedded BadgerDB keyed by
// evt/{user}/{channel}/{sequence}, with the sequence zero-padded so that
// lexicographic key order matches numeric order and range queries are a
// single prefix iteration.
type BadgerLog struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadgerLog wraps an opened BadgerDB. The caller owns the database
// lifecycle; the sequence store may share the same instance.
func NewBadgerLog(db *badger.DB, logger *zap.Logger) *BadgerLog {
	return &BadgerLog{db: db, logger: logger}
}

func eventKey(userID string, ch Channel, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%020d", eventPrefix, userID, ch, seq))
}

func channelPrefix(userID string, ch Channel) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/", eventPrefix, userID, ch))
}

func (l *BadgerLog) Append(ctx context.Context, ev Event) error {
	if ev.UserID == "" || ev.Sequence == 0 || ev.StepCount == 0 {
		return ErrInvalidEvent
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := eventKey(ev.UserID, ev.Channel, ev.Sequence)
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ErrSequenceExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, value)
	})
	if err != nil {
		if errors.Is(err, ErrSequenceExists) {
			return ErrSequenceExists
		}
		return fmt.Errorf("appending event: %w", err)
	}

	l.logger.Debug("event appended",
		zap.String("userID", ev.UserID),
		zap.String("channel", string(ev.Channel)),
		zap.Uint64("sequence", ev.Sequence),
		zap.Uint64("stepCount", ev.StepCount),
	)
	return nil
}

func (l *BadgerLog) QueryRange(ctx context.Context, userID string, ch Channel, fromExclusive, toInclusive uint64) ([]Event, error) {
	if toInclusive <= fromExclusive {
		return nil, nil
	}

	var events []Event
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = channelPrefix(userID, ch)
		it := txn.NewIterator(opts)
		defer it.Close()

		start := eventKey(userID, ch, fromExclusive+1)
		for it.Seek(start); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var ev Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return fmt.Errorf("decoding event at %s: %w", it.Item().Key(), err)
			}
			if ev.Sequence > toInclusive {
				break
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (l *BadgerLog) LatestSequence(ctx context.Context, userID string, ch Channel) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var latest uint64
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = channelPrefix(userID, ch)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the end of the prefix, then the first valid entry in
		// reverse order is the highest sequence.
		seekKey := append(append([]byte{}, opts.Prefix...), 0xff)
		it.Seek(seekKey)
		if !it.Valid() {
			return nil
		}
		var ev Event
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &ev)
		}); err != nil {
			return err
		}
		latest = ev.Sequence
		return nil
	})
	if err != nil {
		return 0, err
	}
	return latest, nil
}
