package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType is the type tag of a client-to-relay frame.
type FrameType string

const (
	FrameMessage FrameType = "MESSAGE"
	FramePing    FrameType = "PING"
)

// ErrNotObject is returned for inbound frames that are not JSON objects.
var ErrNotObject = errors.New("frame is not a JSON object")

// Frame is what a client writes to the relay. Relayed messages come back
// without the envelope.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var pingFrame = []byte(`{"type":"PING"}`)

// PingFrame returns the encoded keep-alive frame.
func PingFrame() []byte {
	return pingFrame
}

// EncodeMessage wraps v in a MESSAGE frame.
func EncodeMessage(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal frame payload: %w", err)
	}
	return json.Marshal(Frame{Type: FrameMessage, Payload: payload})
}

// DecodeFrame parses a client-to-relay frame.
func DecodeFrame(data []byte) (Frame, error) {
	if err := requireObject(data); err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// CheckInbound validates a relay-to-client frame: it must be a JSON object.
// The returned slice is the frame itself, ready for a typed decode.
func CheckInbound(data []byte) (json.RawMessage, error) {
	if err := requireObject(data); err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrNotObject)
	}
	return json.RawMessage(data), nil
}

func requireObject(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ErrNotObject
	}
	return nil
}
