// Package wshub keeps one websocket connection per (tenant, user) and
// broadcasts events to every connection of a tenant.
package wshub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"predictive-maintenance-core/shared/logx"
	"predictive-maintenance-core/shared/metricsx"
	"predictive-maintenance-core/shared/tenantx"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

var ErrHubClosed = errors.New("websocket hub closed")

// Message is what every connection receives.
type Message struct {
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	ServerTime time.Time       `json:"server_time"`
}

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	tenantID uuid.UUID
	userID   string
	send     chan []byte

	mu     sync.Mutex
	closed bool
}

// trySend never blocks; false means the connection is closed or full.
func (c *client) trySend(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	metricsx.AddWebsocketConnections(-1)
}

type Hub struct {
	mu      sync.RWMutex
	tenants map[uuid.UUID]map[string]*client
	closed  bool
	log     logx.Logger
	now     func() time.Time
}

func New(log logx.Logger) *Hub {
	return &Hub{
		tenants: make(map[uuid.UUID]map[string]*client),
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Attach registers conn for (tenantID, userID) and starts its pumps. A newer
// connection for the same user replaces and closes the older one.
func (h *Hub) Attach(tenantID uuid.UUID, userID string, conn *websocket.Conn) error {
	if err := tenantx.Require(tenantID); err != nil {
		return err
	}
	c := &client{hub: h, conn: conn, tenantID: tenantID, userID: userID, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	users, ok := h.tenants[tenantID]
	if !ok {
		users = make(map[string]*client)
		h.tenants[tenantID] = users
	}
	old := users[userID]
	users[userID] = c
	h.mu.Unlock()

	metricsx.AddWebsocketConnections(1)
	if old != nil {
		old.close()
		h.log.Info(context.Background(), "ws_replaced", "newer connection replaced existing one", logx.Tenant(tenantID), slog.String("user_id", userID))
	}
	go c.writePump()
	go c.readPump()
	return nil
}

// Broadcast queues the message on every connection of tenantID. A connection
// whose buffer is full is dropped; the rest still receive the message.
func (h *Hub) Broadcast(ctx context.Context, tenantID uuid.UUID, topic string, payload json.RawMessage) (int, error) {
	if err := tenantx.Require(tenantID); err != nil {
		return 0, err
	}
	raw, err := json.Marshal(Message{Topic: topic, Payload: payload, ServerTime: h.now()})
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.tenants[tenantID]))
	for _, c := range h.tenants[tenantID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.trySend(raw) {
			delivered++
			continue
		}
		h.log.Warn(ctx, "ws_send_dropped", "connection not keeping up, removing", logx.Tenant(tenantID), slog.String("user_id", c.userID))
		h.remove(c)
	}
	return delivered, nil
}

// Connections reports how many users of tenantID are connected.
func (h *Hub) Connections(tenantID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tenants[tenantID])
}

// Close drops every connection and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	tenants := h.tenants
	h.tenants = make(map[uuid.UUID]map[string]*client)
	h.mu.Unlock()
	for _, users := range tenants {
		for _, c := range users {
			c.close()
		}
	}
}

// remove unregisters c if it is still the current connection of its user.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if users, ok := h.tenants[c.tenantID]; ok && users[c.userID] == c {
		delete(users, c.userID)
		if len(users) == 0 {
			delete(h.tenants, c.tenantID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// readPump only services control frames; client payloads are ignored.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn(context.Background(), "ws_read_failed", "websocket read failed", logx.Tenant(c.tenantID), slog.String("user_id", c.userID), logx.Err(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.log.Warn(context.Background(), "ws_write_failed", "dead connection skipped", logx.Tenant(c.tenantID), slog.String("user_id", c.userID), logx.Err(err))
				c.hub.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.remove(c)
				return
			}
		}
	}
}
