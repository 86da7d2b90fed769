// Package delivery implements the inbound commit pipeline: producers hand in
// a state change, the sequence store assigns its slot(s), the durable log
// persists it, and every live connection of the user gets a push.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/syncwire/syncwire/internal/eventlog"
	"github.com/syncwire/syncwire/internal/metrics"
	"github.com/syncwire/syncwire/internal/sequence"
)

// Pusher fans a committed event out to a user's live connections. Push is
// fire-and-forget: a frame lost below the transport is recovered by gap
// detection on the client's next delivered event, so the commit path never
// waits on delivery.
type Pusher interface {
	PushEvent(userID string, ev eventlog.Event)
}

// NopPusher discards pushes; used when the websocket layer is disabled.
type NopPusher struct{}

func (NopPusher) PushEvent(string, eventlog.Event) {}

// Committer is the producer-facing commit interface.
type Committer struct {
	seq     *sequence.Store
	log     eventlog.Log
	pusher  Pusher
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewCommitter wires the commit pipeline. ratePerSec <= 0 disables
// producer rate limiting.
func NewCommitter(seq *sequence.Store, log eventlog.Log, pusher Pusher, ratePerSec int, logger *zap.Logger) *Committer {
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2)
	}
	return &Committer{
		seq:     seq,
		log:     log,
		pusher:  pusher,
		limiter: limiter,
		logger:  logger,
	}
}

// Commit allocates stepCount sequence slots for the user's channel, persists
// the event at the allocated position, and pushes it to live connections.
// The allocation is durable before the append, so a crash in between leaves
// a permanently unused slot rather than ever reissuing one.
func (c *Committer) Commit(ctx context.Context, userID string, ch eventlog.Channel, stepCount uint64, payload json.RawMessage) (eventlog.Event, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eventlog.Event{}, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	seq, err := c.seq.Allocate(userID, string(ch), stepCount)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("allocating sequence: %w", err)
	}

	ev := eventlog.Event{
		UserID:    userID,
		Channel:   ch,
		Sequence:  seq,
		StepCount: stepCount,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.log.Append(ctx, ev); err != nil {
		// The allocated slots are abandoned; catch-up treats them as
		// "nothing to deliver there".
		return eventlog.Event{}, fmt.Errorf("appending event at %d: %w", seq, err)
	}

	metrics.EventsCommitted.WithLabelValues(string(ch)).Inc()
	c.logger.Debug("event committed",
		zap.String("userID", userID),
		zap.String("channel", string(ch)),
		zap.Uint64("sequence", seq),
		zap.Uint64("stepCount", stepCount),
	)

	c.pusher.PushEvent(userID, ev)
	return ev, nil
}

// CommitBatch reserves a contiguous range of count slots and commits one
// event spanning all of them, so a multi-recipient broadcast lands as a
// single apply step on every session.
func (c *Committer) CommitBatch(ctx context.Context, userID string, ch eventlog.Channel, count uint64, payload json.RawMessage) (eventlog.Event, uint64, uint64, error) {
	ev, err := c.Commit(ctx, userID, ch, count, payload)
	if err != nil {
		return eventlog.Event{}, 0, 0, err
	}
	return ev, ev.RangeStart(), ev.Sequence, nil
}
