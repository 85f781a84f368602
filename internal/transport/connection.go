package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/util"
)

type subscriber struct {
	id int
	fn func(Status)
}

// connection is the registry record for one address.
//
// Invariants: at most one live socket; dial attempts never overlap
// (dialing); callbacks from a socket whose generation is stale are ignored.
type connection struct {
	reg     *Registry
	address string
	tag     string

	writeMu sync.Mutex // serializes writes to sock

	mu             sync.Mutex
	opts           Options
	sock           Socket
	state          State
	attempts       int
	exhausted      bool
	closing        bool
	dialing        bool
	generation     uint64
	reconnectTimer timer
	heartbeatStop  chan struct{}
	limiter        *rate.Limiter
	cancelWatch    func()
	subs           []subscriber
	nextSub        int
}

func newConnection(reg *Registry, address string, opts Options) *connection {
	c := &connection{
		reg:     reg,
		address: address,
		tag:     util.ConnTag(address),
		opts:    opts,
		state:   StateConnecting,
		limiter: rate.NewLimiter(rate.Every(visibilityDebounce), 1),
	}
	if opts.OnStatus != nil {
		c.subs = append(c.subs, subscriber{id: c.nextSub, fn: opts.OnStatus})
		c.nextSub++
	}
	return c
}

func (c *connection) start() {
	if c.reg.visibility != nil {
		cancel := c.reg.visibility.Watch(c.onVisibility)
		c.mu.Lock()
		c.cancelWatch = cancel
		c.mu.Unlock()
	}
	go c.dial()
}

// ---------------------------------------------------------------------------
// Handlers & subscribers
// ---------------------------------------------------------------------------

func (c *connection) update(opts Options) {
	c.mu.Lock()
	c.opts.OnMessage = opts.OnMessage
	if opts.OnOpen != nil {
		c.opts.OnOpen = opts.OnOpen
	}
	if opts.OnClose != nil {
		c.opts.OnClose = opts.OnClose
	}
	if opts.OnError != nil {
		c.opts.OnError = opts.OnError
	}

	var sub func(Status)
	if opts.OnStatus != nil {
		sub = opts.OnStatus
		c.subs = append(c.subs, subscriber{id: c.nextSub, fn: sub})
		c.nextSub++
	}

	restart := !c.closing && !c.dialing && c.state == StateDisconnected && c.reconnectTimer == nil
	if restart {
		c.attempts = 0
		c.exhausted = false
	}
	st := c.statusLocked()
	c.mu.Unlock()

	if sub != nil {
		sub(st)
	}
	if restart {
		util.LogDebug("[ws %s] reusing idle entry, dialing again", c.tag)
		go c.dial()
	}
}

func (c *connection) subscribe(fn func(Status)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	st := c.statusLocked()
	c.mu.Unlock()

	fn(st)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *connection) status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *connection) statusLocked() Status {
	return Status{
		Address:   c.address,
		State:     c.state,
		Attempts:  c.attempts,
		Exhausted: c.exhausted,
	}
}

// publishLocked snapshots status and subscribers; the returned func
// delivers them and must be called without c.mu held.
func (c *connection) publishLocked() func() {
	st := c.statusLocked()
	subs := make([]func(Status), len(c.subs))
	for i, s := range c.subs {
		subs[i] = s.fn
	}
	return func() {
		for _, fn := range subs {
			fn(st)
		}
	}
}

// ---------------------------------------------------------------------------
// Dial / reconnect
// ---------------------------------------------------------------------------

func (c *connection) dial() {
	c.mu.Lock()
	if c.closing || c.dialing || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.dialing = true
	c.reconnectTimer = nil
	c.state = StateConnecting
	gen := c.generation
	publish := c.publishLocked()
	c.mu.Unlock()
	publish()

	ctx, cancel := context.WithTimeout(c.reg.ctx, dialTimeout)
	sock, err := c.reg.dialer.Dial(ctx, c.address)
	cancel()

	c.mu.Lock()
	c.dialing = false

	if c.closing || gen != c.generation {
		c.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
		return
	}

	if err != nil {
		c.state = StateDisconnected
		onError := c.opts.OnError
		c.mu.Unlock()

		util.LogWarning("[ws %s] dial failed: %v", c.tag, err)
		if onError != nil {
			onError(err)
		}
		c.scheduleReconnect()
		return
	}

	c.generation++
	gen = c.generation
	c.sock = sock
	c.state = StateConnected
	c.attempts = 0
	c.exhausted = false

	stop := make(chan struct{})
	c.heartbeatStop = stop
	interval := c.opts.HeartbeatInterval
	onOpen := c.opts.OnOpen
	publish = c.publishLocked()
	c.mu.Unlock()

	util.LogInfo("[ws %s] connected to %s", c.tag, c.address)

	go c.heartbeat(sock, stop, interval)
	go c.readLoop(sock, gen)

	if onOpen != nil {
		onOpen()
	}
	publish()
}

// scheduleReconnect arms the reconnect timer if retries remain, otherwise
// marks the entry exhausted. Either way subscribers see the new status.
func (c *connection) scheduleReconnect() {
	c.mu.Lock()
	if c.closing || c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}

	if c.opts.DisableReconnect {
		publish := c.publishLocked()
		c.mu.Unlock()
		publish()
		return
	}

	if c.attempts >= c.opts.MaxRetries {
		c.exhausted = true
		publish := c.publishLocked()
		c.mu.Unlock()

		util.LogError("[ws %s] giving up after %d reconnect attempts", c.tag, c.opts.MaxRetries)
		publish()
		return
	}

	delay := ReconnectDelay(c.opts.BaseDelay, c.attempts, c.opts.MaxDelay)
	c.attempts++
	attempt := c.attempts
	c.reconnectTimer = c.reg.afterFunc(delay, c.dial)
	publish := c.publishLocked()
	c.mu.Unlock()

	util.Stats.AddReconnect()
	util.LogInfo("[ws %s] reconnecting in %s (attempt %d/%d)", c.tag, delay, attempt, c.opts.MaxRetries)
	publish()
}

// onVisibility retries at once when the process becomes visible again and
// the socket is down, at most once per visibilityDebounce.
func (c *connection) onVisibility(visible bool) {
	if !visible {
		return
	}

	c.mu.Lock()
	if c.closing || c.dialing || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	if !c.limiter.AllowN(c.reg.now(), 1) {
		c.mu.Unlock()
		util.LogDebug("[ws %s] visibility reconnect suppressed", c.tag)
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	util.LogInfo("[ws %s] visible again, reconnecting now", c.tag)
	go c.dial()
}

// ---------------------------------------------------------------------------
// Read / write
// ---------------------------------------------------------------------------

func (c *connection) readLoop(sock Socket, gen uint64) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}

		frame, err := protocol.CheckInbound(data)
		if err != nil {
			util.LogWarning("[ws %s] dropping malformed frame: %v", c.tag, err)
			continue
		}

		c.mu.Lock()
		stale := gen != c.generation
		handler := c.opts.OnMessage
		c.mu.Unlock()
		if stale {
			return
		}

		handler(frame)
	}
}

// handleClose reacts to an unexpected end of the socket identified by gen.
func (c *connection) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if c.closing || gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.stopHeartbeatLocked()
	sock := c.sock
	c.sock = nil
	c.state = StateDisconnected
	onClose := c.opts.OnClose
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		util.LogInfo("[ws %s] closed by relay", c.tag)
	} else {
		util.LogWarning("[ws %s] connection lost: %v", c.tag, err)
	}

	if onClose != nil {
		onClose(err)
	}
	c.scheduleReconnect()
}

func (c *connection) send(data []byte) error {
	c.mu.Lock()
	sock := c.sock
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || sock == nil {
		return ErrNotConnected
	}
	return c.write(sock, data)
}

func (c *connection) write(sock Socket, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return sock.WriteMessage(websocket.TextMessage, data)
}

func (c *connection) heartbeat(sock Socket, stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.write(sock, protocol.PingFrame()); err != nil {
				util.LogDebug("[ws %s] heartbeat failed: %v", c.tag, err)
			}
		}
	}
}

func (c *connection) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

// shutdown is the intentional close: no reconnect follows.
func (c *connection) shutdown() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.generation++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	sock := c.sock
	c.sock = nil
	c.state = StateDisconnected
	cancelWatch := c.cancelWatch
	c.cancelWatch = nil
	onClose := c.opts.OnClose
	publish := c.publishLocked()
	c.mu.Unlock()

	if cancelWatch != nil {
		cancelWatch()
	}

	if sock != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "manual disconnect")
		_ = sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		sock.Close()
		if onClose != nil {
			onClose(nil)
		}
	}

	util.LogDebug("[ws %s] disconnected", c.tag)
	publish()
}
