package ws

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/syncwire/syncwire/internal/catchup"
	"github.com/syncwire/syncwire/internal/eventlog"
	"github.com/syncwire/syncwire/internal/metrics"
	"github.com/syncwire/syncwire/internal/sequence"
	"github.com/syncwire/syncwire/internal/session"
)

// Hub manages websocket connections and the per-user fan-out of committed
// events. It implements delivery.Pusher.
type Hub struct {
	clients    map[*Client]bool
	byUser     map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	seq     *sequence.Store
	fetcher *catchup.Service
	sessCfg session.Config
	logger  *zap.Logger
}

// NewHub creates a new Hub. seq answers initial sync requests and fetcher
// serves the catch-up ranges that connection sessions request.
func NewHub(seq *sequence.Store, fetcher *catchup.Service, sessCfg session.Config, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byUser:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		seq:        seq,
		fetcher:    fetcher,
		sessCfg:    sessCfg,
		logger:     logger,
	}
}

// Run processes hub registration events. Call this in a goroutine.
// Returns when context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub shutting down")
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if h.byUser[client.userID] == nil {
				h.byUser[client.userID] = make(map[*Client]bool)
			}
			h.byUser[client.userID][client] = true
			h.mu.Unlock()
			metrics.LiveConnections.Inc()
			h.logger.Debug("client registered",
				zap.String("connID", client.connID),
				zap.String("userID", client.userID),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				if conns, ok := h.byUser[client.userID]; ok {
					delete(conns, client)
					if len(conns) == 0 {
						delete(h.byUser, client.userID)
					}
				}
				// send is never closed: the client's delivery loop may
				// still be draining queued events, and sendFrame must stay
				// safe to call until closed wins its select. Pumps and the
				// delivery loop all exit on closed.
				close(client.closed)
				metrics.LiveConnections.Dec()
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered",
				zap.String("connID", client.connID),
				zap.String("userID", client.userID),
			)
		}
	}
}

// shutdown gracefully closes all client connections.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.closed)
		delete(h.clients, client)
	}
	h.byUser = make(map[string]map[*Client]bool)
}

// PushEvent delivers a committed event to every live connection of the
// user. Delivery into a connection's queue is non-blocking: a full queue
// drops the event there, and that session recovers it through gap
// detection on its next delivered event.
func (h *Hub) PushEvent(userID string, ev eventlog.Event) {
	h.mu.RLock()
	conns, ok := h.byUser[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	// Copy clients to avoid holding the lock during sends.
	clientList := make([]*Client, 0, len(conns))
	for client := range conns {
		clientList = append(clientList, client)
	}
	h.mu.RUnlock()

	for _, client := range clientList {
		select {
		case client.deliver <- ev:
		default:
			metrics.PushesDropped.Inc()
			h.logger.Debug("delivery queue full, event dropped",
				zap.String("connID", client.connID),
				zap.Uint64("sequence", ev.Sequence),
			)
		}
	}
}

// ConnectionsFor returns how many live connections a user has.
func (h *Hub) ConnectionsFor(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}
