// Package transport keeps one self-healing WebSocket connection per relay
// address: serialized dials, capped exponential reconnect, application
// level heartbeat and recovery when the process becomes visible again.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// readLimit bounds a single inbound frame; session descriptions are the
// largest thing the relay carries.
const readLimit = 5 << 20

// Socket is the subset of *websocket.Conn the registry depends on.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Socket to address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Socket, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	Dialer *websocket.Dialer // websocket.DefaultDialer when nil
	Header http.Header
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, address string) (Socket, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, address, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s (HTTP %d): %w", address, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	conn.SetReadLimit(readLimit)
	return conn, nil
}
