package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/syncwire/syncwire/internal/catchup"
	"github.com/syncwire/syncwire/internal/eventlog"
	"github.com/syncwire/syncwire/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024 // 64KB

	// Send buffer size per client.
	sendBufferSize = 256

	// Delivery queue size per client. A full queue drops the push; gap
	// detection recovers it.
	deliverQueueSize = 256

	// Backoff before reporting a failed catch-up fetch, so a transient
	// log error does not retry in a tight loop.
	fetchRetryDelay = 250 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Auth/origin policy lives at the edge proxy
}

// Client represents one websocket connection. Its delivery loop exclusively
// owns one Session per channel; sessions are never shared across
// connections, and a reconnect always builds fresh ones.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	deliver  chan eventlog.Event
	inbound  chan any
	fetchOut chan fetchResult
	closed   chan struct{}
	connID   string
	userID   string
	sessions map[eventlog.Channel]*session.Session
	logger   *zap.Logger
}

type fetchResult struct {
	channel eventlog.Channel
	events  []eventlog.Event
	err     error
}

// HandleWS upgrades an HTTP request to a websocket connection and starts the
// connection's pumps and delivery loop.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "missing userId", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		deliver:  make(chan eventlog.Event, deliverQueueSize),
		inbound:  make(chan any, 16),
		fetchOut: make(chan fetchResult, 4),
		closed:   make(chan struct{}),
		connID:   uuid.New().String(),
		userID:   userID,
		sessions: make(map[eventlog.Channel]*session.Session),
		logger:   h.logger,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	client.send <- buildConnectedFrame(client.connID, client.userID)

	go client.writePump()
	go client.readPump()
	go client.deliveryLoop()
}

// readPump reads frames from the websocket connection and routes them to
// the delivery loop.
func (c *Client) readPump() {
	defer func() {
		// The hub may already be gone during shutdown; it closes every
		// client itself, so skipping the unregister is safe.
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
			}
			break
		}

		msg, err := parseClientFrame(message)
		if err != nil {
			c.logger.Debug("failed to parse client frame",
				zap.String("connID", c.connID),
				zap.Error(err),
			)
			continue
		}
		select {
		case c.inbound <- msg:
		case <-c.closed:
			return
		}
	}
}

// writePump writes frames to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// deliveryLoop is the single goroutine driving this connection's sessions.
// Sessions hold no locks because everything that mutates them funnels
// through here: pushed events, fetch completions, and client requests.
func (c *Client) deliveryLoop() {
	defer func() {
		for _, s := range c.sessions {
			s.Close()
		}
	}()

	for {
		select {
		case <-c.closed:
			return

		case msg := <-c.inbound:
			c.handleControl(msg)

		case ev := <-c.deliver:
			s := c.sessionFor(ev.Channel)
			c.applyOutcome(s, s.HandleLive(ev))

		case res := <-c.fetchOut:
			s := c.sessionFor(res.channel)
			c.applyOutcome(s, s.CompleteCatchUp(res.events, res.err))
			if res.err == nil && s.State() == session.StateStreaming {
				c.sendFrame(buildSyncedFrame(res.channel, s.LastApplied()))
			}
		}
	}
}

func (c *Client) sessionFor(ch eventlog.Channel) *session.Session {
	s, ok := c.sessions[ch]
	if !ok {
		s = session.New(c.connID, c.userID, ch, c.hub.sessCfg, c.logger)
		c.sessions[ch] = s
	}
	return s
}

// handleControl processes an upstream frame from the client.
func (c *Client) handleControl(msg any) {
	switch m := msg.(type) {
	case *syncRequest:
		s := c.sessionFor(m.channel)
		current, err := c.hub.seq.Current(c.userID, string(m.channel))
		if err != nil {
			c.logger.Error("reading current sequence for sync",
				zap.String("connID", c.connID),
				zap.Error(err),
			)
			c.sendFrame(buildResyncFrame(m.channel))
			return
		}
		c.applyOutcome(s, s.InitialSync(m.lastKnown, current))
		if s.State() == session.StateStreaming {
			c.sendFrame(buildSyncedFrame(m.channel, s.LastApplied()))
		}

	case *suspendRequest:
		for _, s := range c.sessions {
			s.Suspend()
		}

	case *resumeRequest:
		for _, s := range c.sessions {
			c.applyOutcome(s, s.Resume())
		}

	case *pingRequest:
		c.sendFrame(buildPongFrame())
	}
}

// applyOutcome turns a session transition into frames and fetches.
func (c *Client) applyOutcome(s *session.Session, out session.Outcome) {
	for _, ev := range out.Deliver {
		c.sendFrame(buildEventFrame(ev))
	}
	if out.Fetch != nil {
		r := *out.Fetch
		c.sendFrame(buildSyncingFrame(r.Channel, r.FromExclusive, r.ToInclusive))
		go c.runFetch(r)
	}
	if out.Resync {
		c.sendFrame(buildResyncFrame(s.Channel()))
	}
}

// runFetch performs one catch-up fetch off the delivery loop. The fetch is
// side-effect free, so it is safe to cancel on connection close and discard
// on late completion.
func (c *Client) runFetch(r catchup.Range) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	events, err := c.hub.fetcher.FetchRange(ctx, r)
	if err != nil {
		time.Sleep(fetchRetryDelay)
	}
	select {
	case c.fetchOut <- fetchResult{channel: r.Channel, events: events, err: err}:
	case <-c.closed:
	}
}

// sendFrame queues a frame for the write pump without blocking the delivery
// loop. A full send buffer drops the frame; the session-level gap detector
// recovers dropped event frames on the next delivery.
func (c *Client) sendFrame(frame []byte) {
	select {
	case <-c.closed:
	case c.send <- frame:
	default:
		c.logger.Debug("send buffer full, frame dropped",
			zap.String("connID", c.connID),
		)
	}
}
