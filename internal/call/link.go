package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/protocol"
	rtc "github.com/1ureka/peercall/internal/webrtc"
)

// link is one peer connection of an engine together with its negotiation:
// the camera call, or a screen share. Links of one engine never share
// signaling state; messages are routed by their connection type.
type link struct {
	connection string
	pc         *webrtc.PeerConnection
	neg        *NegotiationState
}

// newLink creates the peer connection for connection and wires its
// callbacks into the engine loop.
func (e *Engine) newLink(connection string) (*link, error) {
	pc, err := rtc.NewPeerConnection(e.api, e.iceServers)
	if err != nil {
		return nil, err
	}

	l := &link{connection: connection, pc: pc, neg: NewNegotiationState()}
	l.neg.CandidateError = func(c webrtc.ICECandidateInit, err error) {
		e.logWarning(l, "buffered candidate %q rejected: %v", c.Candidate, err)
	}

	pc.OnNegotiationNeeded(func() { e.post(negotiationNeededEvent{link: l}) })
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			e.post(localCandidateEvent{link: l, candidate: c.ToJSON()})
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.post(remoteTrackEvent{link: l, track: track})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.post(connectionStateEvent{link: l, state: s})
	})

	return l, nil
}

func (l *link) isScreen() bool {
	return l.connection == protocol.ConnectionScreen
}

// sender returns the RTP sender currently carrying a track of kind.
func (l *link) sender(kind webrtc.RTPCodecType) *webrtc.RTPSender {
	for _, s := range l.pc.GetSenders() {
		if t := s.Track(); t != nil && t.Kind() == kind {
			return s
		}
	}
	return nil
}

func (l *link) close() error {
	return l.pc.Close()
}
