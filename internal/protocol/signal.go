// Package protocol defines the signaling message and the relay frame format
// exchanged over the WebSocket relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the purpose of a signaling message.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindLeave     Kind = "leave"

	// KindStopScreen tells the other side a screen share ended.
	KindStopScreen Kind = "stopScreen"
)

// Broadcast is the "to" value addressing every participant of a session.
const Broadcast = "broadcast"

// ConnectionCamera is the connection type used by camera/microphone calls.
// It is also assumed when a message carries no connection type.
const ConnectionCamera = "camera"

// ConnectionScreen is the connection type of a screen share, negotiated on a
// peer connection of its own.
const ConnectionScreen = "screen"

var (
	ErrEmptyMessage = errors.New("empty signal message")
	ErrUnknownKind  = errors.New("unknown signal kind")
	ErrMissingFrom  = errors.New("signal message has no sender")
)

// SignalMessage is the envelope routed by the relay between participants.
// Payload is opaque to the relay: a session description for offer/answer,
// an ICE candidate init for candidate, and nothing for leave and
// stopScreen.
type SignalMessage struct {
	From           string          `json:"from"`
	To             string          `json:"to"`
	Kind           Kind            `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SessionID      string          `json:"sessionId"`
	ConnectionType string          `json:"connectionType,omitempty"`
}

// NewSignal builds a message of the given kind, marshalling payload (which
// may be nil) into the raw payload field.
func NewSignal(kind Kind, from, to, sessionID string, payload any) (SignalMessage, error) {
	msg := SignalMessage{
		From:           from,
		To:             to,
		Kind:           kind,
		SessionID:      sessionID,
		ConnectionType: ConnectionCamera,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return SignalMessage{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Valid reports whether k is one of the known message kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindCandidate, KindLeave, KindStopScreen:
		return true
	}
	return false
}

// Connection returns the connection type, defaulting to camera.
func (m SignalMessage) Connection() string {
	if m.ConnectionType == "" {
		return ConnectionCamera
	}
	return m.ConnectionType
}

// Accepts reports whether a participant selfID in session sessionID should
// process m. Messages sent by selfID itself, addressed to somebody else, or
// stamped with another session are rejected.
func (m SignalMessage) Accepts(selfID, sessionID string) bool {
	if m.From == selfID {
		return false
	}
	if m.To != Broadcast && m.To != selfID {
		return false
	}
	if m.SessionID != "" && sessionID != "" && m.SessionID != sessionID {
		return false
	}
	return true
}

// DecodePayload unmarshals the raw payload into v.
func (m SignalMessage) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message from %s has no payload", m.Kind, m.From)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// DecodeSignal parses and validates a SignalMessage.
func DecodeSignal(data []byte) (SignalMessage, error) {
	if len(data) == 0 {
		return SignalMessage{}, ErrEmptyMessage
	}

	var msg SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SignalMessage{}, fmt.Errorf("decode signal message: %w", err)
	}
	if !msg.Kind.Valid() {
		return SignalMessage{}, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}
	if msg.From == "" {
		return SignalMessage{}, ErrMissingFrom
	}
	return msg, nil
}
