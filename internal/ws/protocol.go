package ws

import (
	"encoding/json"
	"fmt"

	"github.com/syncwire/syncwire/internal/eventlog"
)

// Downstream frame types.
const (
	frameConnected = "connected"
	frameEvent     = "event"
	frameSyncing   = "syncing"
	frameSynced    = "synced"
	frameResync    = "resync"
	framePong      = "pong"
)

// Upstream message types for internal routing.
type (
	syncRequest struct {
		channel   eventlog.Channel
		lastKnown uint64
	}
	suspendRequest struct{}
	resumeRequest  struct{}
	pingRequest    struct{}
)

type upstreamFrame struct {
	Type              string `json:"type"`
	Channel           string `json:"channel,omitempty"`
	LastKnownSequence uint64 `json:"lastKnownSequence,omitempty"`
}

// parseClientFrame parses a JSON-encoded upstream frame.
func parseClientFrame(data []byte) (any, error) {
	var frame upstreamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("unmarshal client frame: %w", err)
	}

	switch frame.Type {
	case "sync":
		ch, err := eventlog.ParseChannel(frame.Channel)
		if err != nil {
			return nil, err
		}
		return &syncRequest{channel: ch, lastKnown: frame.LastKnownSequence}, nil
	case "suspend":
		return &suspendRequest{}, nil
	case "resume":
		return &resumeRequest{}, nil
	case "ping":
		return &pingRequest{}, nil
	default:
		return nil, fmt.Errorf("unknown frame type: %q", frame.Type)
	}
}

type downstreamFrame struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connectionId,omitempty"`
	UserID       string          `json:"userId,omitempty"`
	Channel      string          `json:"channel,omitempty"`
	From         uint64          `json:"from,omitempty"`
	To           uint64          `json:"to,omitempty"`
	Sequence     uint64          `json:"sequence,omitempty"`
	Event        *eventlog.Event `json:"event,omitempty"`
}

func marshalFrame(f downstreamFrame) []byte {
	data, _ := json.Marshal(f)
	return data
}

func buildConnectedFrame(connectionID, userID string) []byte {
	return marshalFrame(downstreamFrame{Type: frameConnected, ConnectionID: connectionID, UserID: userID})
}

func buildEventFrame(ev eventlog.Event) []byte {
	return marshalFrame(downstreamFrame{Type: frameEvent, Event: &ev})
}

// buildSyncingFrame tells the client recovery is running so it can show a
// brief "syncing" state instead of missing messages.
func buildSyncingFrame(ch eventlog.Channel, from, to uint64) []byte {
	return marshalFrame(downstreamFrame{Type: frameSyncing, Channel: string(ch), From: from, To: to})
}

func buildSyncedFrame(ch eventlog.Channel, sequence uint64) []byte {
	return marshalFrame(downstreamFrame{Type: frameSynced, Channel: string(ch), Sequence: sequence})
}

// buildResyncFrame tells the client incremental recovery was abandoned; it
// must reload its full visible history via the resync endpoint, then sync
// again from the snapshot position.
func buildResyncFrame(ch eventlog.Channel) []byte {
	return marshalFrame(downstreamFrame{Type: frameResync, Channel: string(ch)})
}

func buildPongFrame() []byte {
	return marshalFrame(downstreamFrame{Type: framePong})
}
