package call

import (
	"errors"
	"fmt"

	"github.com/gammazero/deque"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/protocol"
)

// Role is the perfect-negotiation role of a participant. Both sides of a
// call are polite: on an offer collision each rolls back its own offer and
// answers the remote one.
type Role int

const (
	RolePolite Role = iota
	RoleImpolite
)

func (r Role) String() string {
	if r == RoleImpolite {
		return "impolite"
	}
	return "polite"
}

// Phase is the coarse negotiation progress reported to subscribers.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseNegotiating
	PhaseStable
)

func (p Phase) String() string {
	switch p {
	case PhaseNegotiating:
		return "negotiating"
	case PhaseStable:
		return "stable"
	default:
		return "idle"
	}
}

// ErrUnexpectedAnswer is returned for an answer that matches no local offer.
var ErrUnexpectedAnswer = errors.New("answer received without a pending local offer")

// Peer is the part of *webrtc.PeerConnection the negotiation needs.
type Peer interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	LocalDescription() *webrtc.SessionDescription
	PendingLocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
}

// SendFunc delivers a signal of kind to a participant (or Broadcast).
type SendFunc func(kind protocol.Kind, to string, payload any) error

// NegotiationState is the offer/answer bookkeeping of one engine. It is
// confined to the engine's event loop and must not be shared.
type NegotiationState struct {
	role             Role
	phase            Phase
	isNegotiating    bool
	retryOnReconnect bool

	// Remote candidates received before any remote description, in
	// arrival order.
	pending deque.Deque[webrtc.ICECandidateInit]

	// CandidateError, when set, observes candidates that failed to apply
	// while flushing the buffer.
	CandidateError func(webrtc.ICECandidateInit, error)
}

// NewNegotiationState returns an idle state with the polite role.
func NewNegotiationState() *NegotiationState {
	return &NegotiationState{role: RolePolite}
}

func (s *NegotiationState) Role() Role                  { return s.role }
func (s *NegotiationState) Phase() Phase                { return s.phase }
func (s *NegotiationState) IsNegotiating() bool         { return s.isNegotiating }
func (s *NegotiationState) PendingCandidates() int      { return s.pending.Len() }
func (s *NegotiationState) NeedsRetryOnReconnect() bool { return s.retryOnReconnect }

// Renegotiate broadcasts a local offer. An offer still waiting for its
// answer is sent again instead of being replaced, since a peer in
// have-local-offer cannot apply a new one. A send failure is remembered so
// the next relay reconnect can retry. On failure the phase goes back to
// what it was before the attempt.
func (s *NegotiationState) Renegotiate(pc Peer, send SendFunc) (err error) {
	s.isNegotiating = true
	defer func() { s.isNegotiating = false }()
	defer s.restorePhaseOnError(s.phase, &err)
	s.phase = PhaseNegotiating

	offer, err := s.localOffer(pc)
	if err != nil {
		return err
	}

	if err := send(protocol.KindOffer, protocol.Broadcast, localOrDefault(pc, offer)); err != nil {
		s.retryOnReconnect = true
		return fmt.Errorf("send offer: %w", err)
	}

	s.retryOnReconnect = false
	return nil
}

// localOffer returns the pending local offer, creating and applying a new
// one when the peer is stable.
func (s *NegotiationState) localOffer(pc Peer) (webrtc.SessionDescription, error) {
	if pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if pending := pc.PendingLocalDescription(); pending != nil {
			return *pending, nil
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// HandleOffer applies a remote offer and answers its sender. On collision
// (a negotiation in flight or a non-stable signaling state) the local offer
// is rolled back first.
func (s *NegotiationState) HandleOffer(pc Peer, from string, offer webrtc.SessionDescription, send SendFunc) (err error) {
	collision := s.isNegotiating || pc.SignalingState() != webrtc.SignalingStateStable
	defer s.restorePhaseOnError(s.phase, &err)
	s.phase = PhaseNegotiating

	if collision && pc.SignalingState() != webrtc.SignalingStateStable {
		if err := rollback(pc); err != nil {
			return fmt.Errorf("rollback local offer: %w", err)
		}
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	s.flush(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	if err := send(protocol.KindAnswer, from, localOrDefault(pc, answer)); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}

	s.phase = PhaseStable
	return nil
}

// restorePhaseOnError puts back the phase seen before an abandoned attempt.
func (s *NegotiationState) restorePhaseOnError(prev Phase, err *error) {
	if *err != nil {
		s.phase = prev
	}
}

// HandleAnswer applies the answer to our pending offer.
func (s *NegotiationState) HandleAnswer(pc Peer, answer webrtc.SessionDescription) error {
	if pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return ErrUnexpectedAnswer
	}

	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	s.flush(pc)

	s.phase = PhaseStable
	return nil
}

// HandleCandidate applies a remote candidate, or buffers it until a remote
// description exists.
func (s *NegotiationState) HandleCandidate(pc Peer, candidate webrtc.ICECandidateInit) error {
	if pc.RemoteDescription() == nil {
		s.pending.PushBack(candidate)
		return nil
	}

	if err := pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// flush replays the buffered candidates once, in arrival order.
func (s *NegotiationState) flush(pc Peer) {
	for s.pending.Len() > 0 {
		c := s.pending.PopFront()
		if err := pc.AddICECandidate(c); err != nil && s.CandidateError != nil {
			s.CandidateError(c, err)
		}
	}
}

// rollback discards the pending local offer. pion refuses an empty body for
// rollback, so the pending SDP is passed back.
func rollback(pc Peer) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
	if pending := pc.PendingLocalDescription(); pending != nil {
		desc.SDP = pending.SDP
	} else if local := pc.LocalDescription(); local != nil {
		desc.SDP = local.SDP
	}
	return pc.SetLocalDescription(desc)
}

// localOrDefault prefers the applied local description, which also carries
// the candidates gathered so far.
func localOrDefault(pc Peer, fallback webrtc.SessionDescription) webrtc.SessionDescription {
	if local := pc.LocalDescription(); local != nil && local.Type == fallback.Type {
		return *local
	}
	return fallback
}
