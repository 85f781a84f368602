package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingProvider struct{}

func (failingProvider) RelayCredentials(context.Context) (Credentials, error) {
	return Credentials{}, errors.New("credentials service down")
}

func TestResolveICEServers(t *testing.T) {
	ctx := context.Background()

	servers := ResolveICEServers(ctx, DefaultSTUNServers, nil)
	require.Len(t, servers, 1)
	assert.Equal(t, DefaultSTUNServers, servers[0].URLs)

	servers = ResolveICEServers(ctx, DefaultSTUNServers, failingProvider{})
	require.Len(t, servers, 1, "failing provider falls back to STUN only")

	assert.Empty(t, ResolveICEServers(ctx, nil, nil))
}

func TestHTTPCredentials(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"iceServers": []map[string]any{{
				"urls":       []string{"turn:turn.example.com:3478"},
				"username":   "u",
				"credential": "p",
			}},
		})
	}))
	defer ts.Close()

	provider := HTTPCredentials{URL: ts.URL, Header: http.Header{"Authorization": {"Bearer token"}}}
	servers := ResolveICEServers(context.Background(), DefaultSTUNServers, provider)
	require.Len(t, servers, 2)
	assert.Equal(t, []string{"turn:turn.example.com:3478"}, servers[1].URLs)
	assert.Equal(t, "u", servers[1].Username)

	_, err := HTTPCredentials{URL: ts.URL}.RelayCredentials(context.Background())
	assert.Error(t, err)
}

func TestMediaKindsOfReceiveOnlyOffer(t *testing.T) {
	api, err := NewAPI(APIOptions{})
	require.NoError(t, err)

	pc, err := NewPeerConnection(api, nil)
	require.NoError(t, err)
	defer pc.Close()

	require.NoError(t, AddReceiveOnly(pc))

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)

	kinds, err := MediaKinds(offer)
	require.NoError(t, err)
	assert.Equal(t, []string{"audio", "video"}, kinds)
	assert.Equal(t, "offer [audio video]", Describe(offer))

	_, err = MediaKinds(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "garbage"})
	assert.Error(t, err)
	assert.Equal(t, "offer [unparsable]", Describe(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "garbage"}))
}

func TestTestPatternSource(t *testing.T) {
	stream, err := TestPatternSource{Audio: true, Video: true}.Acquire(context.Background())
	require.NoError(t, err)

	require.Len(t, stream.Tracks(), 2)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, stream.Tracks()[0].Kind())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, stream.Tracks()[1].Kind())
	assert.True(t, stream.Enabled(webrtc.RTPCodecTypeVideo))

	assert.True(t, stream.SetEnabled(webrtc.RTPCodecTypeVideo, false))
	assert.False(t, stream.Enabled(webrtc.RTPCodecTypeVideo))
	assert.True(t, stream.Enabled(webrtc.RTPCodecTypeAudio))

	stream.Stop()
	stream.Stop()
	<-stream.Done()
	assert.False(t, stream.Enabled(webrtc.RTPCodecTypeAudio))

	audioOnly, err := TestPatternSource{Audio: true}.Acquire(context.Background())
	require.NoError(t, err)
	defer audioOnly.Stop()
	assert.False(t, audioOnly.SetEnabled(webrtc.RTPCodecTypeVideo, true))
}

func TestUnavailableSources(t *testing.T) {
	_, err := UnavailableSource{}.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrNoMediaDevices)

	_, err = TestPatternSource{}.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrNoMediaDevices)
}

func TestTestPatternDevices(t *testing.T) {
	ctx := context.Background()
	source := TestPatternSource{Audio: true, Video: true}

	devices, err := source.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, TestPatternAudioDevice, devices[0].ID)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, devices[1].Kind)

	video, err := source.Open(ctx, TestPatternVideoDevice)
	require.NoError(t, err)
	defer video.Stop()
	require.Len(t, video.Tracks(), 1)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, video.Tracks()[0].Kind())

	_, err = source.Open(ctx, "usb:cam0")
	assert.ErrorIs(t, err, ErrUnknownDevice)

	_, err = TestPatternSource{Audio: true}.Open(ctx, TestPatternVideoDevice)
	assert.ErrorIs(t, err, ErrUnknownDevice)

	var _ DeviceCatalog = source
}

func TestLocalStreamReplaceTrack(t *testing.T) {
	ctx := context.Background()

	stream, err := TestPatternSource{Audio: true, Video: true}.Acquire(ctx)
	require.NoError(t, err)
	defer stream.Stop()

	other, err := TestPatternSource{Video: true}.Acquire(ctx)
	require.NoError(t, err)
	replacement := other.Track(webrtc.RTPCodecTypeVideo)
	other.Detach(replacement)
	assert.Empty(t, other.Tracks())

	old := stream.ReplaceTrack(replacement)
	require.NotNil(t, old)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, old.Kind())
	assert.Same(t, replacement, stream.Track(webrtc.RTPCodecTypeVideo))
	assert.Len(t, stream.Tracks(), 2)

	old.Stop()
	<-old.Done()
	assert.False(t, old.Enabled())
	assert.True(t, replacement.Enabled(), "stopping one track leaves the others running")

	audioOnly, err := TestPatternSource{Audio: true}.Acquire(ctx)
	require.NoError(t, err)
	defer audioOnly.Stop()
	assert.Nil(t, audioOnly.ReplaceTrack(old), "appended when no track of the kind exists")
	assert.Len(t, audioOnly.Tracks(), 2)

	stream.Stop()
	<-replacement.Done()
}
