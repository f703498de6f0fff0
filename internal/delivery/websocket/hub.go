// Package websocket serves the operator event feed.
package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marko911/layerbridge/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// ServerMessage is the frame written for every event.
type ServerMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Hub upgrades operators to a WebSocket feed of transfer and protocol events
// taken from an in-process bus. A transfer_id query parameter restricts the
// feed to that transfer's events.
type Hub struct {
	bus      *events.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	total   int64
	closed  bool
}

func New(bus *events.Bus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bus:    bus,
		logger: logger.With("component", "ws-hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	// Subscribe before the handshake completes so nothing published after
	// the client sees the upgrade is missed.
	sub := h.bus.Subscribe(sendBuffer)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		h.logger.Warn("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &client{
		id:         uuid.NewString(),
		hub:        h,
		conn:       conn,
		sub:        sub,
		transferID: r.URL.Query().Get("transfer_id"),
		done:       make(chan struct{}),
	}
	if !h.register(c) {
		c.close()
		return
	}
	h.logger.Info("client connected", "client_id", c.id, "remote", r.RemoteAddr, "transfer_id", c.transferID)

	go c.writePump()
	c.readPump()
}

// ActiveCount returns the number of connected operators.
func (h *Hub) ActiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) TotalConnections() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	// Outside the lock: client.close calls back into unregister.
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	h.total++
	return true
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	_, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()
	if ok {
		h.logger.Info("client disconnected", "client_id", id)
	}
}

type client struct {
	id         string
	hub        *Hub
	conn       *websocket.Conn
	sub        *events.Subscription
	transferID string

	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sub.Close()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(writeWait))
		_ = c.conn.Close()
		c.hub.unregister(c.id)
	})
}

// readPump discards client frames; it exists to process pongs and notice
// the peer going away.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return

		case env, ok := <-c.sub.C:
			if !ok {
				return
			}
			msg, ok := c.frame(env)
			if !ok {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// frame encodes env, reporting false for events the client filtered out.
func (c *client) frame(env events.Envelope) ([]byte, bool) {
	var msg ServerMessage
	switch {
	case env.Transfer != nil:
		if c.transferID != "" && env.Transfer.TransferId != c.transferID {
			return nil, false
		}
		msg = ServerMessage{Type: "transfer", Timestamp: env.Transfer.OccurredAt, Data: env.Transfer}
	case env.Protocol != nil:
		if c.transferID != "" {
			return nil, false
		}
		msg = ServerMessage{Type: "protocol", Timestamp: env.Protocol.OccurredAt, Data: env.Protocol}
	default:
		return nil, false
	}

	b, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("encode event", "client_id", c.id, "error", err)
		return nil, false
	}
	return b, true
}
