package signaling

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/util"
)

type entryKey struct {
	reg     *transport.Registry
	address string
}

// entry fans the frames of one relay connection out to every channel opened
// on it. The relay echoes a sender's own frames back, so participants
// sharing a connection still see each other's messages.
type entry struct {
	sessionID string

	mu       sync.RWMutex
	channels map[*Channel]struct{}
}

var entries = struct {
	sync.Mutex
	m map[entryKey]*entry
}{m: make(map[entryKey]*entry)}

// attach registers c on the entry for (reg, address), connecting the relay
// if needed. The options of the latest channel win.
func attach(reg *transport.Registry, address, sessionID string, c *Channel, opts transport.Options) (*entry, error) {
	entries.Lock()
	defer entries.Unlock()

	key := entryKey{reg: reg, address: address}
	e, ok := entries.m[key]
	if !ok {
		e = &entry{sessionID: sessionID, channels: make(map[*Channel]struct{})}
	}

	opts.OnMessage = e.receive
	opts.OnStatus = nil
	if err := reg.Connect(address, opts); err != nil {
		return nil, fmt.Errorf("connect relay: %w", err)
	}

	e.mu.Lock()
	e.channels[c] = struct{}{}
	e.mu.Unlock()
	entries.m[key] = e
	return e, nil
}

// detach removes c and disconnects the relay when no channel is left.
func detach(reg *transport.Registry, address string, c *Channel) {
	entries.Lock()
	defer entries.Unlock()

	key := entryKey{reg: reg, address: address}
	e, ok := entries.m[key]
	if !ok {
		return
	}

	e.mu.Lock()
	delete(e.channels, c)
	left := len(e.channels)
	e.mu.Unlock()

	if left > 0 {
		return
	}
	delete(entries.m, key)
	reg.Disconnect(address)
}

func (e *entry) receive(frame json.RawMessage) {
	msg, err := protocol.DecodeSignal(frame)
	if err != nil {
		util.LogWarning("[signal %s] dropping frame: %v", e.sessionID, err)
		return
	}

	e.mu.RLock()
	channels := make([]*Channel, 0, len(e.channels))
	for c := range e.channels {
		channels = append(channels, c)
	}
	e.mu.RUnlock()

	for _, c := range channels {
		c.deliver(msg)
	}
}

func (e *entry) size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.channels)
}
