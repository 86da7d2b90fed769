// Package session implements the per-connection delivery state machine. A
// Session owns one (connection, channel) cursor; it decides whether each
// live event is applied, dropped as a replay, or triggers cursor-based
// catch-up, and whether the client must fall back to a full resync.
//
// Sessions are driven by exactly one goroutine (the connection's delivery
// loop) and hold no locks. All I/O is pushed out to the caller: a method
// returns an Outcome saying what to deliver and what to fetch, and the
// caller reports fetch completion back through CompleteCatchUp.
package session

import (
	"errors"

	"go.uber.org/zap"

	"github.com/syncwire/syncwire/internal/catchup"
	"github.com/syncwire/syncwire/internal/eventlog"
	"github.com/syncwire/syncwire/internal/metrics"
	"github.com/syncwire/syncwire/internal/sequence"
)

// DefaultBufferLimit bounds how many live events a session buffers while
// catching up or suspended before it trades the buffer for a wider refetch.
const DefaultBufferLimit = 256

// Config carries the tunables of a session.
type Config struct {
	// BufferLimit bounds the live buffer during CatchingUp and Suspended.
	// Overflow never drops silently: the buffer is cleared and the next
	// catch-up range is widened to cover everything that was buffered.
	BufferLimit int
}

// Outcome tells the delivery loop what a transition produced.
type Outcome struct {
	// Deliver holds events to push to the client, in order.
	Deliver []eventlog.Event

	// Fetch, when non-nil, is a range the loop must recover via the
	// catch-up service, reporting back through CompleteCatchUp.
	Fetch *catchup.Range

	// Resync means local state was discarded; the client must perform a
	// full resynchronization and then a fresh initial sync.
	Resync bool
}

func (o *Outcome) merge(other Outcome) {
	o.Deliver = append(o.Deliver, other.Deliver...)
	if other.Fetch != nil {
		o.Fetch = other.Fetch
	}
	o.Resync = o.Resync || other.Resync
}

// Session is one delivery cursor. Owned exclusively by its connection's
// delivery loop; never shared across connections even for the same user.
type Session struct {
	connID  string
	userID  string
	channel eventlog.Channel

	state       State
	lastApplied uint64
	pending     catchup.Range // valid while state == StateCatchingUp

	buffer     []eventlog.Event
	overflowed bool
	refetchTo  uint64 // widened catch-up top after overflow or suspension

	cfg    Config
	logger *zap.Logger
}

func New(connID, userID string, ch eventlog.Channel, cfg Config, logger *zap.Logger) *Session {
	if cfg.BufferLimit <= 0 {
		cfg.BufferLimit = DefaultBufferLimit
	}
	return &Session{
		connID:  connID,
		userID:  userID,
		channel: ch,
		state:   StateIdle,
		cfg:     cfg,
		logger:  logger,
	}
}

func (s *Session) ConnID() string            { return s.connID }
func (s *Session) UserID() string            { return s.userID }
func (s *Session) Channel() eventlog.Channel { return s.channel }
func (s *Session) State() State              { return s.state }
func (s *Session) LastApplied() uint64       { return s.lastApplied }

// InitialSync positions the cursor at the client's last known sequence and
// moves Idle to Streaming, backfilling (lastKnown, current] first when the
// client is behind. A client claiming a future position is inconsistent and
// is told to resync.
func (s *Session) InitialSync(lastKnown, current uint64) Outcome {
	if s.state != StateIdle {
		s.logger.Warn("initial sync ignored outside idle",
			zap.String("connID", s.connID),
			zap.String("state", s.state.String()),
		)
		return Outcome{}
	}

	if lastKnown > current {
		s.logger.Warn("client ahead of committed sequence, forcing resync",
			zap.String("connID", s.connID),
			zap.Uint64("lastKnown", lastKnown),
			zap.Uint64("current", current),
		)
		metrics.ResyncsForced.Inc()
		return Outcome{Resync: true}
	}

	s.lastApplied = lastKnown
	if lastKnown == current {
		s.state = StateStreaming
		return Outcome{}
	}
	return s.startCatchUp(current)
}

// HandleLive runs the gap detector against one pushed event.
func (s *Session) HandleLive(ev eventlog.Event) Outcome {
	switch s.state {
	case StateClosed:
		return Outcome{}
	case StateCatchingUp, StateSuspended:
		s.bufferLive(ev)
		return Outcome{}
	}

	// Idle and Streaming classify directly: a brand-new client whose first
	// live event is exactly next goes straight to Streaming with no
	// catch-up.
	switch sequence.Classify(s.lastApplied, ev.Sequence, ev.StepCount) {
	case sequence.VerdictApply:
		s.lastApplied = ev.Sequence
		s.state = StateStreaming
		return Outcome{Deliver: []eventlog.Event{ev}}
	case sequence.VerdictSkip:
		return Outcome{}
	default:
		metrics.GapsDetected.Inc()
		s.logger.Debug("gap detected",
			zap.String("connID", s.connID),
			zap.String("channel", string(s.channel)),
			zap.Uint64("lastApplied", s.lastApplied),
			zap.Uint64("incoming", ev.Sequence),
		)
		out := s.startCatchUp(ev.Sequence)
		// The triggering event itself is part of the missing range; keep it
		// buffered so the drain classifies it (usually as a skip).
		s.bufferLive(ev)
		return out
	}
}

// CompleteCatchUp reports the result of the fetch requested by an earlier
// Outcome. Results arriving after the session left CatchingUp (close,
// suspension) are discarded.
func (s *Session) CompleteCatchUp(events []eventlog.Event, err error) Outcome {
	if s.state != StateCatchingUp {
		return Outcome{}
	}

	if err != nil {
		if errors.Is(err, catchup.ErrRangeTooLarge) || errors.Is(err, catchup.ErrIncompleteRange) {
			return s.forceResync(err)
		}
		// Transient failure: fetches carry no side effects, so retry the
		// same range.
		s.logger.Warn("catch-up fetch failed, retrying",
			zap.String("connID", s.connID),
			zap.Error(err),
		)
		r := s.pending
		return Outcome{Fetch: &r}
	}

	out := Outcome{}
	for _, ev := range events {
		if ev.Sequence > s.lastApplied {
			out.Deliver = append(out.Deliver, ev)
			s.lastApplied = ev.Sequence
		}
	}
	// The fetch was validated to cover the range top; holes below it are
	// permanently unused slots and the cursor moves past them.
	if s.pending.ToInclusive > s.lastApplied {
		s.lastApplied = s.pending.ToInclusive
	}

	if s.overflowed && s.refetchTo > s.lastApplied {
		// The buffer overflowed while we were recovering; trade what it
		// lost for one wider fetch.
		out.merge(s.startCatchUp(s.refetchTo))
		return out
	}

	// An overflow whose sequences the fetch already covered leaves nothing
	// to refetch; (lastApplied, refetchTo] would be empty.
	s.overflowed = false
	s.state = StateStreaming
	out.merge(s.drainBuffer())
	return out
}

// Suspend parks the session under backpressure. Live events buffer until
// Resume; an in-flight fetch result will be discarded.
func (s *Session) Suspend() {
	switch s.state {
	case StateStreaming:
		s.state = StateSuspended
	case StateCatchingUp:
		// Remember how far the abandoned recovery reached so Resume can
		// re-evaluate the full range.
		if s.pending.ToInclusive > s.refetchTo {
			s.refetchTo = s.pending.ToInclusive
		}
		s.state = StateSuspended
	}
}

// Resume lifts backpressure: back to Streaming, re-running the gap detector
// over everything buffered, or straight into a catch-up when suspension
// interrupted one.
func (s *Session) Resume() Outcome {
	if s.state != StateSuspended {
		return Outcome{}
	}

	if s.overflowed && s.refetchTo > s.lastApplied {
		return s.startCatchUp(s.refetchTo)
	}
	s.overflowed = false

	// refetchTo tracks the highest sequence seen while parked. If the
	// buffer alone cannot reach it (a catch-up was interrupted), the whole
	// range is re-evaluated instead of trusting the buffer.
	maxSeen := s.lastApplied
	for _, b := range s.buffer {
		if b.Sequence > maxSeen {
			maxSeen = b.Sequence
		}
	}
	if s.refetchTo > maxSeen {
		return s.startCatchUp(s.refetchTo)
	}

	s.state = StateStreaming
	return s.drainBuffer()
}

// Close terminates the session. Terminal: no later call mutates state, so a
// closed session can never reapply stale buffered events.
func (s *Session) Close() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.buffer = nil
}

// startCatchUp moves to CatchingUp over (lastApplied, to].
func (s *Session) startCatchUp(to uint64) Outcome {
	s.state = StateCatchingUp
	s.pending = catchup.Range{
		UserID:        s.userID,
		Channel:       s.channel,
		FromExclusive: s.lastApplied,
		ToInclusive:   to,
	}
	s.overflowed = false
	s.refetchTo = 0
	r := s.pending
	return Outcome{Fetch: &r}
}

// bufferLive buffers a live event while catching up or suspended. On
// overflow the buffer is cleared and the next catch-up covers every
// sequence that passed through it; nothing is silently dropped.
func (s *Session) bufferLive(ev eventlog.Event) {
	if ev.Sequence > s.refetchTo {
		s.refetchTo = ev.Sequence
	}
	if len(s.buffer) >= s.cfg.BufferLimit {
		s.overflowed = true
		s.buffer = s.buffer[:0]
		s.logger.Debug("live buffer overflow, widening catch-up",
			zap.String("connID", s.connID),
			zap.Uint64("refetchTo", s.refetchTo),
		)
		return
	}
	s.buffer = append(s.buffer, ev)
}

// drainBuffer re-runs the gap detector over buffered events. The buffer may
// itself contain a sub-gap if another miss occurred during recovery, in
// which case the tail stays buffered and a new fetch starts.
func (s *Session) drainBuffer() Outcome {
	out := Outcome{}
	buf := s.buffer
	s.buffer = nil
	s.refetchTo = 0

	for i, ev := range buf {
		switch sequence.Classify(s.lastApplied, ev.Sequence, ev.StepCount) {
		case sequence.VerdictApply:
			s.lastApplied = ev.Sequence
			out.Deliver = append(out.Deliver, ev)
		case sequence.VerdictSkip:
			// Covered by the fetch; idempotent drop.
		default:
			metrics.GapsDetected.Inc()
			out.merge(s.startCatchUp(ev.Sequence))
			s.buffer = append(s.buffer, buf[i:]...)
			for _, rest := range buf[i:] {
				if rest.Sequence > s.refetchTo {
					s.refetchTo = rest.Sequence
				}
			}
			return out
		}
	}
	return out
}

// forceResync discards local state so the client reloads its full visible
// history instead of risking a silent inconsistency.
func (s *Session) forceResync(cause error) Outcome {
	metrics.ResyncsForced.Inc()
	s.logger.Info("forcing full resync",
		zap.String("connID", s.connID),
		zap.String("channel", string(s.channel)),
		zap.Uint64("lastApplied", s.lastApplied),
		zap.Error(cause),
	)
	s.state = StateIdle
	s.lastApplied = 0
	s.buffer = nil
	s.overflowed = false
	s.refetchTo = 0
	s.pending = catchup.Range{}
	return Outcome{Resync: true}
}
