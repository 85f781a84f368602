package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/1ureka/peercall/internal/protocol"
)

// State is the lifecycle state of one relay connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Status is a snapshot of one connection. Exhausted is set once automatic
// reconnection gave up after MaxRetries attempts.
type Status struct {
	Address   string
	State     State
	Attempts  int
	Exhausted bool
}

var (
	ErrEmptyAddress   = errors.New("transport: empty address")
	ErrNoHandler      = errors.New("transport: message handler is required")
	ErrNotConnected   = errors.New("transport: not connected")
	ErrUnknownAddress = errors.New("transport: no connection for address")
	ErrRegistryClosed = errors.New("transport: registry closed")
)

// Defaults applied to zero Options fields.
const (
	DefaultBaseDelay         = 2 * time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultMaxRetries        = 10
	DefaultHeartbeatInterval = 10 * time.Second

	visibilityDebounce = 2 * time.Second
	dialTimeout        = 15 * time.Second
	writeWait          = 10 * time.Second
)

// Options configures a connection. OnMessage is required; every inbound
// frame that is a JSON object is passed to it unmodified.
type Options struct {
	OnMessage func(frame json.RawMessage)
	OnOpen    func()
	OnClose   func(err error)
	OnError   func(err error)
	OnStatus  func(Status)

	DisableReconnect  bool
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxRetries        int
	HeartbeatInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return o
}

// Config configures a Registry. A nil Dialer dials with gorilla/websocket;
// a nil Visibility disables visibility-triggered recovery.
type Config struct {
	Dialer     Dialer
	Visibility VisibilitySource
}

// timer is the part of *time.Timer the reconnect logic uses.
type timer interface {
	Stop() bool
}

// Registry owns at most one connection per address. It is safe for
// concurrent use and is meant to be shared by every session of a process.
type Registry struct {
	dialer     Dialer
	visibility VisibilitySource

	// Swapped in tests to control time.
	now       func() time.Time
	afterFunc func(d time.Duration, fn func()) timer

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[string]*connection
	closed bool
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg Config) *Registry {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = WebSocketDialer{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Registry{
		dialer:     dialer,
		visibility: cfg.Visibility,
		now:        time.Now,
		afterFunc: func(d time.Duration, fn func()) timer {
			return time.AfterFunc(d, fn)
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*connection),
	}
}

// Connect opens (or reuses) the connection for address. On an existing
// entry the handlers are replaced and opts.OnStatus joins the subscriber
// list; a fresh dial starts only if that entry had fully stopped.
// Dialing happens in the background; watch OnStatus / OnOpen.
func (r *Registry) Connect(address string, opts Options) error {
	if address == "" {
		return ErrEmptyAddress
	}
	if opts.OnMessage == nil {
		return ErrNoHandler
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}

	if c, ok := r.conns[address]; ok {
		r.mu.Unlock()
		c.update(opts)
		return nil
	}

	c := newConnection(r, address, opts.withDefaults())
	r.conns[address] = c
	r.mu.Unlock()

	c.start()
	return nil
}

// Disconnect closes the connection for address with a normal closure,
// cancels its timers and removes it from the registry. Unknown addresses
// are ignored.
func (r *Registry) Disconnect(address string) {
	r.mu.Lock()
	c := r.conns[address]
	delete(r.conns, address)
	r.mu.Unlock()

	if c != nil {
		c.shutdown()
	}
}

// Send wraps payload in a MESSAGE frame and writes it to address.
func (r *Registry) Send(address string, payload any) error {
	c := r.lookup(address)
	if c == nil {
		return ErrNotConnected
	}

	data, err := protocol.EncodeMessage(payload)
	if err != nil {
		return err
	}
	return c.send(data)
}

// Status reports the state of address. Unknown addresses are reported as
// disconnected.
func (r *Registry) Status(address string) Status {
	c := r.lookup(address)
	if c == nil {
		return Status{Address: address, State: StateDisconnected}
	}
	return c.status()
}

// Subscribe registers fn for status changes of address. fn is invoked once
// immediately with the current status.
func (r *Registry) Subscribe(address string, fn func(Status)) (func(), error) {
	c := r.lookup(address)
	if c == nil {
		return nil, ErrUnknownAddress
	}
	return c.subscribe(fn), nil
}

// Close disconnects every address and rejects further Connect calls.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*connection, 0, len(r.conns))
	for addr, c := range r.conns {
		conns = append(conns, c)
		delete(r.conns, addr)
	}
	r.mu.Unlock()

	r.cancel()
	for _, c := range conns {
		c.shutdown()
	}
}

func (r *Registry) lookup(address string) *connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[address]
}
