package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/util"
)

const credentialsTimeout = 5 * time.Second

// Credentials is the relay (TURN) configuration handed out by the platform.
type Credentials struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// CredentialsProvider fetches short-lived relay credentials.
type CredentialsProvider interface {
	RelayCredentials(ctx context.Context) (Credentials, error)
}

// HTTPCredentials fetches Credentials as JSON from URL.
type HTTPCredentials struct {
	URL    string
	Client *http.Client // http.DefaultClient when nil
	Header http.Header
}

// RelayCredentials implements CredentialsProvider.
func (h HTTPCredentials) RelayCredentials(ctx context.Context) (Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("build credentials request: %w", err)
	}
	for k, vs := range h.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("fetch credentials: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("fetch credentials: unexpected status %s", resp.Status)
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

// ResolveICEServers returns the STUN servers followed by whatever relay
// servers provider hands out. A nil or failing provider degrades to STUN
// only; the call still works on networks that allow direct paths.
func ResolveICEServers(ctx context.Context, stun []string, provider CredentialsProvider) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}

	if provider == nil {
		return servers
	}

	ctx, cancel := context.WithTimeout(ctx, credentialsTimeout)
	defer cancel()

	creds, err := provider.RelayCredentials(ctx)
	if err != nil {
		util.LogWarning("relay credentials unavailable, continuing with STUN only: %v", err)
		return servers
	}

	return append(servers, creds.ICEServers...)
}
