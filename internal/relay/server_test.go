package relay

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peercall/internal/protocol"
)

func startRelay(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func join(t *testing.T, ts *httptest.Server, session string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signaling?session_id=" + session
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendSignal(t *testing.T, conn *websocket.Conn, msg protocol.SignalMessage) {
	t.Helper()
	data, err := protocol.EncodeMessage(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readSignal(t *testing.T, conn *websocket.Conn) protocol.SignalMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	msg, err := protocol.DecodeSignal(data)
	require.NoError(t, err)
	return msg
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %s", data)

	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func waitClients(t *testing.T, srv *Server, session string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.Hub().Clients(session) == n },
		5*time.Second, 5*time.Millisecond)
}

func TestMissingSessionIsRejected(t *testing.T) {
	_, ts := startRelay(t)

	resp, err := http.Get(ts.URL + "/signaling")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFanOutStaysWithinSession(t *testing.T) {
	srv, ts := startRelay(t)

	alice := join(t, ts, "s1")
	bob := join(t, ts, "s1")
	carol := join(t, ts, "s2")
	waitClients(t, srv, "s1", 2)
	waitClients(t, srv, "s2", 1)

	sendSignal(t, alice, protocol.SignalMessage{
		From:    "alice",
		To:      protocol.Broadcast,
		Kind:    protocol.KindOffer,
		Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})

	got := readSignal(t, bob)
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, protocol.KindOffer, got.Kind)
	assert.Equal(t, "s1", got.SessionID, "relay stamps the session")
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(got.Payload))

	echo := readSignal(t, alice)
	assert.Equal(t, "alice", echo.From)

	expectSilence(t, carol)
}

func TestPingsAndGarbageAreNotRelayed(t *testing.T) {
	srv, ts := startRelay(t)

	alice := join(t, ts, "s1")
	bob := join(t, ts, "s1")
	waitClients(t, srv, "s1", 2)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, protocol.PingFrame()))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"SHOUT"}`)))
	sendSignal(t, alice, protocol.SignalMessage{From: "alice", To: "bob", Kind: protocol.KindLeave, SessionID: "other"})
	sendSignal(t, alice, protocol.SignalMessage{From: "alice", To: "bob", Kind: protocol.KindLeave})

	got := readSignal(t, bob)
	assert.Equal(t, protocol.KindLeave, got.Kind)
	assert.Equal(t, "s1", got.SessionID)
	expectSilence(t, bob)
}

func TestClientsLeaveOnClose(t *testing.T) {
	srv, ts := startRelay(t)

	alice := join(t, ts, "s1")
	waitClients(t, srv, "s1", 1)
	assert.Equal(t, 1, srv.Hub().Sessions())

	require.NoError(t, alice.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	waitClients(t, srv, "s1", 0)
	assert.Equal(t, 0, srv.Hub().Sessions())
}

func TestMetricsAndHealth(t *testing.T) {
	srv, ts := startRelay(t)

	alice := join(t, ts, "s1")
	waitClients(t, srv, "s1", 1)
	sendSignal(t, alice, protocol.SignalMessage{From: "alice", To: protocol.Broadcast, Kind: protocol.KindLeave})
	readSignal(t, alice)

	scrape := func() string {
		resp, err := http.Get(ts.URL + "/metrics")
		if err != nil {
			return ""
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}
	require.Eventually(t, func() bool {
		return strings.Contains(scrape(), `relay_messages_received_total{kind="leave"} 1`)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, scrape(), "relay_active_clients 1")

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 1, health["sessions"])
}

func TestAllowedOrigins(t *testing.T) {
	srv := NewServer(Options{AllowedOrigins: []string{"https://app.example"}})

	req := httptest.NewRequest(http.MethodGet, "/signaling?session_id=s1", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, srv.checkOrigin(req))

	req.Header.Set("Origin", "https://app.example")
	assert.True(t, srv.checkOrigin(req))
}
