// Package call implements the peer negotiation engine: one Engine per
// (user, session) negotiating bidirectional media with the other
// participant over a signaling relay.
package call

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/transport"
	rtc "github.com/1ureka/peercall/internal/webrtc"
)

var (
	ErrMissingUserID    = errors.New("call: missing user id")
	ErrMissingSessionID = errors.New("call: missing session id")
)

// Dependencies are shared by every engine a Registry creates.
type Dependencies struct {
	// Transport and RelayURL locate the signaling relay. TransportOptions
	// tunes reconnect and heartbeat behaviour.
	Transport        *transport.Registry
	RelayURL         string
	TransportOptions transport.Options

	// API is the pion API; a default one is built when nil.
	API         *webrtc.API
	STUNServers []string
	Credentials rtc.CredentialsProvider

	// Media acquires local tracks. Nil means receive-only.
	Media rtc.MediaSource

	// LeaveGrace delays dropping the remote stream after a leave.
	LeaveGrace time.Duration

	// OpenSignaler replaces the relay channel, mostly for tests.
	OpenSignaler func(sessionID, selfID string, h signaling.Handlers) (Signaler, error)
}

type engineKey struct {
	userID    string
	sessionID string
}

// Registry owns the live engines of a process, keyed by user and session.
type Registry struct {
	deps Dependencies

	mu      sync.Mutex
	engines map[engineKey]*Engine
}

func NewRegistry(deps Dependencies) *Registry {
	return &Registry{
		deps:    deps,
		engines: make(map[engineKey]*Engine),
	}
}

// Engine returns the live engine for the pair, creating it on first use.
func (r *Registry) Engine(userID, sessionID string) (*Engine, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if sessionID == "" {
		return nil, ErrMissingSessionID
	}

	key := engineKey{userID: userID, sessionID: sessionID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.engines[key]; ok {
		return e, nil
	}
	e := newEngine(r, userID, sessionID, r.deps)
	r.engines[key] = e
	return e, nil
}

// Lookup returns the live engine for the pair without creating one.
func (r *Registry) Lookup(userID, sessionID string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[engineKey{userID: userID, sessionID: sessionID}]
	return e, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}

// Close leaves every live call.
func (r *Registry) Close() {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.Unlock()

	for _, e := range engines {
		e.LeaveCall()
	}
}

// remove forgets e if it is still the registered instance for its key.
func (r *Registry) remove(e *Engine) {
	key := engineKey{userID: e.userID, sessionID: e.sessionID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.engines[key] == e {
		delete(r.engines, key)
	}
}
