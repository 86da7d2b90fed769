// Package snapshot serves full-state resynchronization. When a gap is too
// large or the log cannot cover it, incremental catch-up is abandoned and
// the client reloads a compressed window of recent history plus the current
// sequence position.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/syncwire/syncwire/internal/eventlog"
	"github.com/syncwire/syncwire/internal/sequence"
)

// DefaultWindow is how many trailing sequence slots a snapshot includes.
const DefaultWindow = 500

// Snapshot is the decoded resync payload. Sequence is the client's new
// cursor; applying Events then streaming from Sequence leaves no gap.
type Snapshot struct {
	UserID   string           `json:"userId"`
	Channel  eventlog.Channel `json:"channel"`
	Sequence uint64           `json:"sequence"`
	Events   []eventlog.Event `json:"events"`
}

// Encoder builds zstd-compressed snapshots from the log and counter store.
type Encoder struct {
	log    eventlog.Log
	seq    *sequence.Store
	window uint64
	logger *zap.Logger
}

func NewEncoder(log eventlog.Log, seq *sequence.Store, window uint64, logger *zap.Logger) *Encoder {
	if window == 0 {
		window = DefaultWindow
	}
	return &Encoder{log: log, seq: seq, window: window, logger: logger}
}

// WriteSnapshot streams a compressed snapshot for (userID, ch) into w and
// returns the sequence position it was taken at.
func (e *Encoder) WriteSnapshot(ctx context.Context, w io.Writer, userID string, ch eventlog.Channel) (uint64, error) {
	current, err := e.seq.Current(userID, string(ch))
	if err != nil {
		return 0, fmt.Errorf("reading current sequence: %w", err)
	}

	var from uint64
	if current > e.window {
		from = current - e.window
	}
	events, err := e.log.QueryRange(ctx, userID, ch, from, current)
	if err != nil {
		return 0, fmt.Errorf("querying snapshot window: %w", err)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("creating zstd writer: %w", err)
	}
	snap := Snapshot{UserID: userID, Channel: ch, Sequence: current, Events: events}
	if err := json.NewEncoder(zw).Encode(snap); err != nil {
		zw.Close()
		return 0, fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("flushing snapshot: %w", err)
	}

	e.logger.Debug("snapshot written",
		zap.String("userID", userID),
		zap.String("channel", string(ch)),
		zap.Uint64("sequence", current),
		zap.Int("events", len(events)),
	)
	return current, nil
}

// Read decodes a compressed snapshot, primarily for tests and client tools.
func Read(r io.Reader) (Snapshot, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer zr.Close()

	var snap Snapshot
	if err := json.NewDecoder(zr).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snap, nil
}
