// Package sequence owns the per-(user, channel) monotonic counters that give
// every state-changing event its position in the per-user total order, and
// the pure classifier that sessions run against incoming events.
package sequence

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	counterPrefix = "seq/"
	shardCount    = 64
)

// Store is the concurrent sequence counter store. Contention is partitioned
// by (user, channel): each key has its own mutex-guarded counter inside a
// hashed shard, and no lock is ever taken across keys.
//
// When backed by a BadgerDB, the advanced counter value is persisted before
// Allocate returns. A crash between the durable write and the event append
// leaves a permanently unused slot, never a duplicate.
type Store struct {
	shards      [shardCount]shard
	db          *badger.DB // nil for volatile counters (tests)
	maintenance atomic.Bool
	logger      *zap.Logger
}

type shard struct {
	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	mu       sync.Mutex
	loaded   bool
	poisoned bool
	value    uint64
}

// NewStore creates a Store persisting counters to db. A nil db keeps
// counters in memory only, which tests use for deterministic setup.
func NewStore(db *badger.DB, logger *zap.Logger) *Store {
	s := &Store{db: db, logger: logger}
	for i := range s.shards {
		s.shards[i].counters = make(map[string]*counter)
	}
	return s
}

// SetMaintenanceMode toggles the administrative flag gating Reset.
func (s *Store) SetMaintenanceMode(on bool) {
	s.maintenance.Store(on)
	s.logger.Info("maintenance mode changed", zap.Bool("enabled", on))
}

func counterKey(userID, channel string) string {
	return userID + "/" + channel
}

func (s *Store) counterFor(key string) *counter {
	h := fnv.New32a()
	h.Write([]byte(key))
	sh := &s.shards[h.Sum32()%shardCount]

	sh.mu.Lock()
	c, ok := sh.counters[key]
	if !ok {
		c = &counter{}
		sh.counters[key] = c
	}
	sh.mu.Unlock()
	return c
}

// load reads the durable counter value on first access of a key.
// Must be called with c.mu held.
func (s *Store) load(key string, c *counter) error {
	if c.loaded {
		return nil
	}
	if s.db == nil {
		c.loaded = true
		return nil
	}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(counterPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt counter value for %s: %d bytes", key, len(val))
			}
			c.value = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("loading counter %s: %w", key, err)
	}
	c.loaded = true
	return nil
}

// persist durably records the new counter value. Must be called with c.mu
// held so concurrent allocations for the same key serialize their writes.
func (s *Store) persist(key string, value uint64) error {
	if s.db == nil {
		return nil
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(counterPrefix+key), buf[:])
	})
	if err != nil {
		return fmt.Errorf("persisting counter %s: %w", key, err)
	}
	return nil
}

// Current returns the latest committed sequence value for the key, 0 for a
// user with no history. Safe to call concurrently with Allocate.
func (s *Store) Current(userID, channel string) (uint64, error) {
	key := counterKey(userID, channel)
	c := s.counterFor(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.load(key, c); err != nil {
		return 0, err
	}
	return c.value, nil
}

// Allocate atomically advances the counter by stepCount and returns the new
// value, i.e. the last slot of the allocated range. Returned values are
// strictly increasing per key. The advanced value is durable before it is
// handed to the caller.
func (s *Store) Allocate(userID, channel string, stepCount uint64) (uint64, error) {
	if stepCount < 1 {
		return 0, ErrInvalidStep
	}

	key := counterKey(userID, channel)
	c := s.counterFor(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.poisoned {
		return 0, ErrAllocationRace
	}
	if err := s.load(key, c); err != nil {
		return 0, err
	}

	prev := c.value
	next := prev + stepCount
	if next <= prev { // uint64 overflow; treat like a broken monotonicity contract
		c.poisoned = true
		s.logger.Error("allocation halted: counter overflow",
			zap.String("key", key),
			zap.Uint64("value", prev),
			zap.Uint64("stepCount", stepCount),
		)
		return 0, ErrAllocationRace
	}

	// Advance memory first, then make it durable. If the durable write
	// fails the slots are abandoned (a permanent hole), never reissued.
	c.value = next
	if err := s.persist(key, next); err != nil {
		return 0, err
	}
	return next, nil
}

// Reset sets the counter back to 0. Administrative and test use only; it
// fails unless maintenance mode is on.
func (s *Store) Reset(userID, channel string) error {
	if !s.maintenance.Load() {
		return ErrPermissionDenied
	}

	key := counterKey(userID, channel)
	c := s.counterFor(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.value = 0
	c.loaded = true
	c.poisoned = false
	if err := s.persist(key, 0); err != nil {
		return err
	}
	s.logger.Warn("sequence counter reset",
		zap.String("userID", userID),
		zap.String("channel", channel),
	)
	return nil
}
