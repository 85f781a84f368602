// Package signaling carries SignalMessages for one session over a shared
// transport.Registry entry.
package signaling

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/util"
)

// ErrChannelClosed is returned by Send after Close.
var ErrChannelClosed = errors.New("signaling: channel closed")

// Path is the relay endpoint serving signaling sessions.
const Path = "/signaling"

// Handlers receive accepted inbound messages and relay status changes.
// Either may be nil.
type Handlers struct {
	OnMessage func(protocol.SignalMessage)
	OnStatus  func(transport.Status)
}

// Channel is one participant's view of a session on the relay. Messages
// sent by the participant itself, addressed to someone else or stamped with
// another session never reach OnMessage. Channels of the same registry and
// session share one relay connection.
type Channel struct {
	reg       *transport.Registry
	address   string
	sessionID string
	selfID    string
	entry     *entry

	mu          sync.RWMutex
	handlers    Handlers
	unsubscribe func()
	closed      bool
}

// RelayURL turns a relay base URL (with or without scheme and path) into the
// signaling address of sessionID, e.g. wss://host/signaling?session_id=abc.
func RelayURL(base, sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("signaling: empty session id")
	}

	raw := strings.TrimSpace(base)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", base)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay URL scheme: %s", u.Scheme)
	}

	if !strings.HasSuffix(u.Path, Path) {
		u.Path = strings.TrimSuffix(u.Path, "/") + Path
	}

	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	u.Fragment = ""

	return u.String(), nil
}

// Open connects (or reuses) the registry entry for the session and routes
// inbound frames to h. opts tunes reconnect and heartbeat behaviour; its
// callbacks are replaced by the channel's own.
func Open(reg *transport.Registry, baseURL, sessionID, selfID string, h Handlers, opts transport.Options) (*Channel, error) {
	if selfID == "" {
		return nil, errors.New("signaling: empty participant id")
	}

	address, err := RelayURL(baseURL, sessionID)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		reg:       reg,
		address:   address,
		sessionID: sessionID,
		selfID:    selfID,
		handlers:  h,
	}

	e, err := attach(reg, address, sessionID, c, opts)
	if err != nil {
		return nil, err
	}
	c.entry = e

	unsubscribe, err := reg.Subscribe(address, c.status)
	if err != nil {
		detach(reg, address, c)
		return nil, fmt.Errorf("subscribe relay status: %w", err)
	}

	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	return c, nil
}

// Address returns the relay address this channel is bound to.
func (c *Channel) Address() string {
	return c.address
}

// Send stamps msg with the participant id, session and connection type when
// they are missing and writes it to the relay.
func (c *Channel) Send(msg protocol.SignalMessage) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrChannelClosed
	}

	if msg.From == "" {
		msg.From = c.selfID
	}
	if msg.SessionID == "" {
		msg.SessionID = c.sessionID
	}
	if msg.ConnectionType == "" {
		msg.ConnectionType = protocol.ConnectionCamera
	}

	if err := c.reg.Send(c.address, msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Kind, msg.To, err)
	}

	util.Stats.AddSignalSent()
	return nil
}

// Detach stops delivering inbound messages and status changes. The relay
// connection stays open.
func (c *Channel) Detach() {
	c.mu.Lock()
	c.handlers = Handlers{}
	c.mu.Unlock()
}

// Close detaches the handlers and releases the relay entry, which is
// disconnected once its last channel is gone. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handlers = Handlers{}
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	detach(c.reg, c.address, c)
	return nil
}

// deliver hands msg to the participant if it is meant for it.
func (c *Channel) deliver(msg protocol.SignalMessage) {
	if !msg.Accepts(c.selfID, c.sessionID) {
		return
	}

	c.mu.RLock()
	onMessage := c.handlers.OnMessage
	c.mu.RUnlock()

	if onMessage == nil {
		return
	}

	util.Stats.AddSignalRecv()
	onMessage(msg)
}

func (c *Channel) status(s transport.Status) {
	c.mu.RLock()
	onStatus := c.handlers.OnStatus
	c.mu.RUnlock()

	if onStatus != nil {
		onStatus(s)
	}
}
