// Package relay is the signaling relay: every frame a client sends to a
// session is fanned out to all connections of that session.
package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/peercall/internal/util"
)

// client is one WebSocket connection joined to a session.
type client struct {
	id      string
	session string
	conn    *websocket.Conn

	writeMu   sync.Mutex
	writeWait time.Duration
}

func newClient(session string, conn *websocket.Conn, writeWait time.Duration) *client {
	return &client{
		id:        uuid.NewString(),
		session:   session,
		conn:      conn,
		writeWait: writeWait,
	}
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

// Hub tracks the connections of every session.
type Hub struct {
	metrics *Metrics

	mu       sync.RWMutex
	sessions map[string]map[string]*client
}

// NewHub creates an empty hub reporting to metrics.
func NewHub(metrics *Metrics) *Hub {
	return &Hub{
		metrics:  metrics,
		sessions: make(map[string]map[string]*client),
	}
}

func (h *Hub) join(c *client) {
	h.mu.Lock()
	members, ok := h.sessions[c.session]
	if !ok {
		members = make(map[string]*client)
		h.sessions[c.session] = members
		h.metrics.sessionOpened()
	}
	members[c.id] = c
	size := len(members)
	h.mu.Unlock()

	h.metrics.clientConnected()
	util.LogInfo("[relay %s] client %s joined (%d in session)", c.session, c.id[:8], size)
}

// leave removes c; reports false if it was already gone.
func (h *Hub) leave(c *client) bool {
	h.mu.Lock()
	members, ok := h.sessions[c.session]
	if !ok {
		h.mu.Unlock()
		return false
	}
	if _, present := members[c.id]; !present {
		h.mu.Unlock()
		return false
	}
	delete(members, c.id)
	if len(members) == 0 {
		delete(h.sessions, c.session)
		h.metrics.sessionClosed()
	}
	h.mu.Unlock()

	h.metrics.clientDisconnected()
	util.LogInfo("[relay %s] client %s left", c.session, c.id[:8])
	return true
}

func (h *Hub) contains(c *client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[c.session][c.id]
	return ok
}

// broadcast writes data to every connection of session, the sender
// included, and returns the number of successful deliveries. Connections
// that fail to accept the write are dropped from the session.
func (h *Hub) broadcast(session string, data []byte) int {
	h.mu.RLock()
	members := make([]*client, 0, len(h.sessions[session]))
	for _, c := range h.sessions[session] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range members {
		if err := c.write(data); err != nil {
			util.LogWarning("[relay %s] write to %s failed, dropping client: %v", session, c.id[:8], err)
			if h.leave(c) {
				c.conn.Close()
			}
			continue
		}
		delivered++
	}
	return delivered
}

// Sessions returns the number of sessions with at least one client.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Clients returns the number of clients joined to session.
func (h *Hub) Clients(session string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[session])
}

// CloseAll sends a going-away close frame to every client and drops it.
// Clients reconnect to whichever relay replaces this one.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var all []*client
	for _, members := range h.sessions {
		for _, c := range members {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down")
	for _, c := range all {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
		c.writeMu.Unlock()
		if h.leave(c) {
			c.conn.Close()
		}
	}
}
