package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// wsServer is a minimal relay stand-in recording every frame it receives.
type wsServer struct {
	*httptest.Server
	upgrades atomic.Int32
	conns    chan *websocket.Conn
	frames   chan []byte
	closes   chan error
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()

	s := &wsServer{
		conns:  make(chan *websocket.Conn, 8),
		frames: make(chan []byte, 64),
		closes: make(chan error, 8),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.upgrades.Add(1)
		s.conns <- conn

		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					s.closes <- err
					return
				}
				s.frames <- data
			}
		}()
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func (s *wsServer) nextFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-s.frames:
		return data
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

// failingDialer refuses every dial and counts attempts.
type failingDialer struct {
	dials atomic.Int32
}

func (d *failingDialer) Dial(context.Context, string) (Socket, error) {
	d.dials.Add(1)
	return nil, errors.New("connection refused")
}

// manualClock records scheduled reconnects instead of waiting for them.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	delays  []time.Duration
	pending []func()
}

type manualTimer struct{}

func (manualTimer) Stop() bool { return true }

func (m *manualClock) install(r *Registry) {
	m.now = time.Unix(1_700_000_000, 0)
	r.now = func() time.Time {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.now
	}
	r.afterFunc = func(d time.Duration, fn func()) timer {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.delays = append(m.delays, d)
		m.pending = append(m.pending, fn)
		return manualTimer{}
	}
}

func (m *manualClock) advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func (m *manualClock) scheduled() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.delays...)
}

// fire runs the oldest pending reconnect on the caller's goroutine.
func (m *manualClock) fire(t *testing.T) {
	t.Helper()
	m.mu.Lock()
	require.NotEmpty(t, m.pending, "nothing scheduled")
	fn := m.pending[0]
	m.pending = m.pending[1:]
	m.mu.Unlock()
	fn()
}

func waitState(t *testing.T, r *Registry, address string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.Status(address).State == want
	}, 5*time.Second, 5*time.Millisecond, "state never became %s", want)
}

func noop(json.RawMessage) {}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestReconnectDelay(t *testing.T) {
	base := time.Second

	assert.Equal(t, 1000*time.Millisecond, ReconnectDelay(base, 0, 0))
	assert.Equal(t, 1500*time.Millisecond, ReconnectDelay(base, 1, 0))
	assert.Equal(t, 2250*time.Millisecond, ReconnectDelay(base, 2, 0))
	assert.Equal(t, 30*time.Second, ReconnectDelay(base, 20, 30*time.Second))
	assert.Equal(t, base, ReconnectDelay(base, -1, 0))
}

func TestReconnectBacksOffUntilExhausted(t *testing.T) {
	dialer := &failingDialer{}
	reg := NewRegistry(Config{Dialer: dialer})
	defer reg.Close()

	clock := &manualClock{}
	clock.install(reg)

	var last atomic.Value
	const address = "ws://relay.invalid/signaling?session_id=s1"
	require.NoError(t, reg.Connect(address, Options{
		OnMessage:  noop,
		OnStatus:   func(s Status) { last.Store(s) },
		BaseDelay:  time.Second,
		MaxRetries: 3,
	}))

	require.Eventually(t, func() bool { return len(clock.scheduled()) == 1 }, 5*time.Second, 5*time.Millisecond)

	clock.fire(t)
	clock.fire(t)
	clock.fire(t)

	assert.Equal(t, []time.Duration{
		1000 * time.Millisecond,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
	}, clock.scheduled())
	assert.EqualValues(t, 4, dialer.dials.Load())

	st := reg.Status(address)
	assert.Equal(t, StateDisconnected, st.State)
	assert.True(t, st.Exhausted)
	assert.True(t, last.Load().(Status).Exhausted)
}

func TestConnectIsIdempotentPerAddress(t *testing.T) {
	srv := newWSServer(t)
	vis := NewVisibility()
	reg := NewRegistry(Config{Visibility: vis})
	defer reg.Close()

	first := make(chan json.RawMessage, 1)
	second := make(chan json.RawMessage, 1)

	require.NoError(t, reg.Connect(srv.url(), Options{OnMessage: func(f json.RawMessage) { first <- f }}))
	waitState(t, reg, srv.url(), StateConnected)
	require.NoError(t, reg.Connect(srv.url(), Options{OnMessage: func(f json.RawMessage) { second <- f }}))

	conn := srv.nextConn(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":"world"}`)))

	select {
	case f := <-second:
		assert.JSONEq(t, `{"hello":"world"}`, string(f))
	case <-time.After(5 * time.Second):
		t.Fatal("replacement handler not invoked")
	}
	assert.Empty(t, first)

	// visible while connected is a no-op
	vis.Notify(true)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, srv.upgrades.Load())
}

func TestMalformedFramesAreDropped(t *testing.T) {
	srv := newWSServer(t)
	reg := NewRegistry(Config{})
	defer reg.Close()

	got := make(chan json.RawMessage, 4)
	require.NoError(t, reg.Connect(srv.url(), Options{OnMessage: func(f json.RawMessage) { got <- f }}))

	conn := srv.nextConn(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`[1,2,3]`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"ok":true}`)))

	select {
	case f := <-got:
		assert.JSONEq(t, `{"ok":true}`, string(f))
	case <-time.After(5 * time.Second):
		t.Fatal("valid frame not delivered")
	}
	assert.Equal(t, StateConnected, reg.Status(srv.url()).State)
}

func TestSendAndHeartbeat(t *testing.T) {
	srv := newWSServer(t)
	reg := NewRegistry(Config{})
	defer reg.Close()

	require.NoError(t, reg.Connect(srv.url(), Options{
		OnMessage:         noop,
		HeartbeatInterval: 20 * time.Millisecond,
	}))
	waitState(t, reg, srv.url(), StateConnected)

	require.NoError(t, reg.Send(srv.url(), map[string]string{"from": "alice"}))

	var sawPing, sawMessage bool
	for i := 0; i < 20 && !(sawPing && sawMessage); i++ {
		var frame struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(srv.nextFrame(t), &frame))
		switch frame.Type {
		case "PING":
			sawPing = true
		case "MESSAGE":
			sawMessage = true
			assert.JSONEq(t, `{"from":"alice"}`, string(frame.Payload))
		}
	}
	assert.True(t, sawPing, "no heartbeat observed")
	assert.True(t, sawMessage, "payload not relayed")
}

func TestSendWhileDisconnected(t *testing.T) {
	reg := NewRegistry(Config{Dialer: &failingDialer{}})
	defer reg.Close()

	assert.ErrorIs(t, reg.Send("ws://nowhere", "x"), ErrNotConnected)

	require.NoError(t, reg.Connect("ws://nowhere", Options{OnMessage: noop, DisableReconnect: true}))
	waitState(t, reg, "ws://nowhere", StateDisconnected)
	assert.ErrorIs(t, reg.Send("ws://nowhere", "x"), ErrNotConnected)
}

func TestReconnectsAfterAbnormalClose(t *testing.T) {
	srv := newWSServer(t)
	reg := NewRegistry(Config{})
	defer reg.Close()

	opened := make(chan struct{}, 4)
	require.NoError(t, reg.Connect(srv.url(), Options{
		OnMessage: noop,
		OnOpen:    func() { opened <- struct{}{} },
		BaseDelay: 10 * time.Millisecond,
	}))

	<-opened
	srv.nextConn(t).Close()

	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("did not reconnect")
	}
	assert.EqualValues(t, 2, srv.upgrades.Load())
	assert.Equal(t, 0, reg.Status(srv.url()).Attempts)
}

func TestDisconnectIsFinal(t *testing.T) {
	srv := newWSServer(t)
	vis := NewVisibility()
	reg := NewRegistry(Config{Visibility: vis})
	defer reg.Close()

	require.NoError(t, reg.Connect(srv.url(), Options{OnMessage: noop, BaseDelay: 10 * time.Millisecond}))
	waitState(t, reg, srv.url(), StateConnected)
	srv.nextConn(t)
	assert.Equal(t, 1, vis.Len())

	reg.Disconnect(srv.url())

	select {
	case err := <-srv.closes:
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the close")
	}

	assert.Equal(t, 0, vis.Len())
	assert.Equal(t, StateDisconnected, reg.Status(srv.url()).State)

	vis.Notify(true)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, srv.upgrades.Load())

	_, err := reg.Subscribe(srv.url(), func(Status) {})
	assert.ErrorIs(t, err, ErrUnknownAddress)
}

func TestVisibilityReconnectIsDebounced(t *testing.T) {
	dialer := &failingDialer{}
	vis := NewVisibility()
	reg := NewRegistry(Config{Dialer: dialer, Visibility: vis})
	defer reg.Close()

	clock := &manualClock{}
	clock.install(reg)

	const address = "ws://relay.invalid/signaling?session_id=s1"
	require.NoError(t, reg.Connect(address, Options{OnMessage: noop, DisableReconnect: true}))

	settled := func(n int32) func() bool {
		return func() bool {
			return dialer.dials.Load() == n && reg.Status(address).State == StateDisconnected
		}
	}
	require.Eventually(t, settled(1), 5*time.Second, 5*time.Millisecond)

	vis.Notify(true)
	require.Eventually(t, settled(2), 5*time.Second, 5*time.Millisecond)

	vis.Notify(true)
	vis.Notify(false)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 2, dialer.dials.Load())

	clock.advance(2*time.Second + time.Millisecond)
	vis.Notify(true)
	require.Eventually(t, settled(3), 5*time.Second, 5*time.Millisecond)
}

func TestSubscribeEmitsCurrentStatus(t *testing.T) {
	srv := newWSServer(t)
	reg := NewRegistry(Config{})
	defer reg.Close()

	require.NoError(t, reg.Connect(srv.url(), Options{OnMessage: noop}))
	waitState(t, reg, srv.url(), StateConnected)

	var calls []Status
	var mu sync.Mutex
	unsubscribe, err := reg.Subscribe(srv.url(), func(s Status) {
		mu.Lock()
		calls = append(calls, s)
		mu.Unlock()
	})
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, calls, 1)
	assert.Equal(t, StateConnected, calls[0].State)
	mu.Unlock()

	unsubscribe()
	reg.Disconnect(srv.url())

	mu.Lock()
	assert.Len(t, calls, 1)
	mu.Unlock()
}

func TestConnectValidation(t *testing.T) {
	reg := NewRegistry(Config{})
	assert.ErrorIs(t, reg.Connect("", Options{OnMessage: noop}), ErrEmptyAddress)
	assert.ErrorIs(t, reg.Connect("ws://x", Options{}), ErrNoHandler)

	reg.Close()
	assert.ErrorIs(t, reg.Connect("ws://x", Options{OnMessage: noop}), ErrRegistryClosed)
}
