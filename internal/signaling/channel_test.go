package signaling

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/relay"
	"github.com/1ureka/peercall/internal/transport"
)

func TestRelayURL(t *testing.T) {
	testCases := []struct {
		base string
		want string
	}{
		{base: "relay.example.com", want: "wss://relay.example.com/signaling?session_id=s1"},
		{base: "http://localhost:8080", want: "ws://localhost:8080/signaling?session_id=s1"},
		{base: "https://relay.example.com/", want: "wss://relay.example.com/signaling?session_id=s1"},
		{base: "ws://relay/signaling", want: "ws://relay/signaling?session_id=s1"},
		{base: "wss://relay/api/", want: "wss://relay/api/signaling?session_id=s1"},
	}

	for _, tc := range testCases {
		got, err := RelayURL(tc.base, "s1")
		require.NoError(t, err, tc.base)
		assert.Equal(t, tc.want, got, tc.base)
	}

	_, err := RelayURL("ftp://relay", "s1")
	assert.Error(t, err)
	_, err = RelayURL("relay", "")
	assert.Error(t, err)
}

// participant is one process: its own transport registry and channel.
type participant struct {
	reg     *transport.Registry
	ch      *Channel
	inbox   chan protocol.SignalMessage
	relayUp chan struct{}
}

func openParticipant(t *testing.T, base, session, self string) *participant {
	t.Helper()

	p := &participant{
		reg:     transport.NewRegistry(transport.Config{}),
		inbox:   make(chan protocol.SignalMessage, 16),
		relayUp: make(chan struct{}, 16),
	}
	t.Cleanup(p.reg.Close)

	ch, err := Open(p.reg, base, session, self, Handlers{
		OnMessage: func(m protocol.SignalMessage) { p.inbox <- m },
		OnStatus: func(s transport.Status) {
			if s.State == transport.StateConnected {
				p.relayUp <- struct{}{}
			}
		},
	}, transport.Options{})
	require.NoError(t, err)
	p.ch = ch

	select {
	case <-p.relayUp:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s never connected", self)
	}
	return p
}

func (p *participant) expect(t *testing.T) protocol.SignalMessage {
	t.Helper()
	select {
	case m := <-p.inbox:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
		return protocol.SignalMessage{}
	}
}

func (p *participant) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case m := <-p.inbox:
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestChannelSuppressesEchoAndForeignTargets(t *testing.T) {
	ts := httptest.NewServer(relay.NewServer(relay.Options{}).Handler())
	defer ts.Close()

	alice := openParticipant(t, ts.URL, "s1", "alice")
	bob := openParticipant(t, ts.URL, "s1", "bob")

	require.NoError(t, alice.ch.Send(protocol.SignalMessage{To: "carol", Kind: protocol.KindLeave}))
	require.NoError(t, bob.ch.Send(protocol.SignalMessage{To: protocol.Broadcast, Kind: protocol.KindLeave}))
	require.NoError(t, alice.ch.Send(protocol.SignalMessage{To: protocol.Broadcast, Kind: protocol.KindLeave}))

	got := bob.expect(t)
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, protocol.Broadcast, got.To)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, protocol.ConnectionCamera, got.ConnectionType)
	bob.expectNothing(t)

	got = alice.expect(t)
	assert.Equal(t, "bob", got.From)
	alice.expectNothing(t)
}

func TestDetachAndClose(t *testing.T) {
	ts := httptest.NewServer(relay.NewServer(relay.Options{}).Handler())
	defer ts.Close()

	alice := openParticipant(t, ts.URL, "s1", "alice")
	bob := openParticipant(t, ts.URL, "s1", "bob")

	bob.ch.Detach()
	require.NoError(t, alice.ch.Send(protocol.SignalMessage{To: "bob", Kind: protocol.KindLeave}))
	bob.expectNothing(t)

	require.NoError(t, bob.ch.Close())
	require.NoError(t, bob.ch.Close())
	assert.ErrorIs(t, bob.ch.Send(protocol.SignalMessage{To: "alice", Kind: protocol.KindLeave}), ErrChannelClosed)
	assert.Equal(t, transport.StateDisconnected, bob.reg.Status(bob.ch.Address()).State)
}

func TestChannelsShareOneRelayConnection(t *testing.T) {
	ts := httptest.NewServer(relay.NewServer(relay.Options{}).Handler())
	defer ts.Close()

	reg := transport.NewRegistry(transport.Config{})
	defer reg.Close()

	open := func(self string) (*Channel, chan protocol.SignalMessage) {
		inbox := make(chan protocol.SignalMessage, 16)
		ch, err := Open(reg, ts.URL, "s1", self, Handlers{
			OnMessage: func(m protocol.SignalMessage) { inbox <- m },
		}, transport.Options{})
		require.NoError(t, err)
		return ch, inbox
	}
	receive := func(inbox chan protocol.SignalMessage) protocol.SignalMessage {
		t.Helper()
		select {
		case m := <-inbox:
			return m
		case <-time.After(5 * time.Second):
			t.Fatal("no message delivered")
			return protocol.SignalMessage{}
		}
	}

	alice, aliceInbox := open("alice")
	bob, bobInbox := open("bob")
	require.Equal(t, alice.Address(), bob.Address())
	assert.Same(t, alice.entry, bob.entry)
	assert.Equal(t, 2, alice.entry.size())

	require.Eventually(t, func() bool {
		return reg.Status(alice.Address()).State == transport.StateConnected
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Send(protocol.SignalMessage{To: "alice", Kind: protocol.KindLeave}))
	assert.Equal(t, "bob", receive(aliceInbox).From, "first channel keeps receiving after the second opened")

	require.NoError(t, alice.Send(protocol.SignalMessage{To: protocol.Broadcast, Kind: protocol.KindLeave}))
	assert.Equal(t, "alice", receive(bobInbox).From)

	select {
	case m := <-aliceInbox:
		t.Fatalf("echo delivered to its sender: %+v", m)
	case <-time.After(150 * time.Millisecond):
	}

	require.NoError(t, bob.Close())
	assert.Equal(t, transport.StateConnected, reg.Status(alice.Address()).State, "still used by alice")

	carol := openParticipant(t, ts.URL, "s1", "carol")
	require.NoError(t, alice.Send(protocol.SignalMessage{To: "carol", Kind: protocol.KindLeave}))
	assert.Equal(t, "alice", carol.expect(t).From)

	require.NoError(t, alice.Close())
	assert.Equal(t, transport.StateDisconnected, reg.Status(alice.Address()).State)

	reopened, _ := open("alice")
	defer reopened.Close()
	assert.NotSame(t, alice.entry, reopened.entry)
	assert.Equal(t, 1, reopened.entry.size())
}
