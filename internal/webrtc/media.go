package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/peercall/internal/util"
)

// ErrNoMediaDevices is returned by sources that cannot capture anything.
var ErrNoMediaDevices = errors.New("no media devices available")

// MediaSource acquires the local camera/microphone stream.
type MediaSource interface {
	Acquire(ctx context.Context) (*LocalStream, error)
}

// ErrUnknownDevice is returned when a device id matches nothing a catalog
// offers.
var ErrUnknownDevice = errors.New("unknown media device")

// Device is one capture device a catalog can open.
type Device struct {
	ID    string
	Label string
	Kind  webrtc.RTPCodecType
}

// DeviceCatalog is implemented by sources that can list their devices and
// open a single one of them.
type DeviceCatalog interface {
	Devices(ctx context.Context) ([]Device, error)
	Open(ctx context.Context, deviceID string) (*LocalStream, error)
}

// ---------------------------------------------------------------------------
// Local stream
// ---------------------------------------------------------------------------

// LocalTrack is one outgoing track. A disabled track stays negotiated but
// carries no samples. A stopped track never carries samples again.
type LocalTrack struct {
	kind    webrtc.RTPCodecType
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool

	stopOnce sync.Once
	done     chan struct{}
}

func newLocalTrack(kind webrtc.RTPCodecType, mimeType, streamID string) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		kind.String()+"-"+uuid.NewString()[:8],
		streamID,
	)
	if err != nil {
		return nil, err
	}

	t := &LocalTrack{kind: kind, track: track, done: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *LocalTrack) Track() webrtc.TrackLocal  { return t.track }
func (t *LocalTrack) Enabled() bool             { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(on bool)        { t.enabled.Store(on) }

// Stop ends capture for the track. Idempotent.
func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		t.SetEnabled(false)
		close(t.done)
	})
}

// Done is closed once Stop has been called.
func (t *LocalTrack) Done() <-chan struct{} {
	return t.done
}

// LocalStream groups the local tracks of one capture session.
type LocalStream struct {
	ID string

	mu     sync.Mutex
	tracks []*LocalTrack

	stopOnce sync.Once
	stop     chan struct{}
}

// NewLocalStream wraps already created tracks.
func NewLocalStream(id string, tracks ...*LocalTrack) *LocalStream {
	return &LocalStream{
		ID:     id,
		tracks: tracks,
		stop:   make(chan struct{}),
	}
}

// Tracks returns a copy of the stream's tracks.
func (s *LocalStream) Tracks() []*LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*LocalTrack(nil), s.tracks...)
}

// Track returns the first track of kind, or nil.
func (s *LocalStream) Track(kind webrtc.RTPCodecType) *LocalTrack {
	for _, t := range s.Tracks() {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

// SetEnabled toggles every track of kind and reports whether one existed.
func (s *LocalStream) SetEnabled(kind webrtc.RTPCodecType, on bool) bool {
	found := false
	for _, t := range s.Tracks() {
		if t.kind == kind {
			t.SetEnabled(on)
			found = true
		}
	}
	return found
}

// Enabled reports whether any track of kind is enabled.
func (s *LocalStream) Enabled(kind webrtc.RTPCodecType) bool {
	for _, t := range s.Tracks() {
		if t.kind == kind && t.Enabled() {
			return true
		}
	}
	return false
}

// ReplaceTrack puts t in place of the stream's track of the same kind, or
// appends it when there is none. The replaced track is returned, not
// stopped.
func (s *LocalStream) ReplaceTrack(t *LocalTrack) *LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, old := range s.tracks {
		if old.kind == t.kind {
			s.tracks[i] = t
			return old
		}
	}
	s.tracks = append(s.tracks, t)
	return nil
}

// Detach removes t from the stream without stopping it.
func (s *LocalStream) Detach(t *LocalTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.tracks {
		if existing == t {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

// Stop ends capture for every track. Idempotent.
func (s *LocalStream) Stop() {
	s.stopOnce.Do(func() {
		for _, t := range s.Tracks() {
			t.Stop()
		}
		close(s.stop)
	})
}

// Done is closed once Stop has been called.
func (s *LocalStream) Done() <-chan struct{} {
	return s.stop
}

// ---------------------------------------------------------------------------
// Remote stream
// ---------------------------------------------------------------------------

// RemoteStream collects the tracks the peer sends under one stream id.
type RemoteStream struct {
	ID string

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{ID: id}
}

// AddTrack appends t unless a track with the same id is already present.
func (s *RemoteStream) AddTrack(t *webrtc.TrackRemote) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.tracks {
		if existing.ID() == t.ID() {
			return false
		}
	}
	s.tracks = append(s.tracks, t)
	return true
}

// Tracks returns a copy of the received tracks.
func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), s.tracks...)
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

// UnavailableSource never yields media; peers using it join receive-only.
type UnavailableSource struct{}

func (UnavailableSource) Acquire(context.Context) (*LocalStream, error) {
	return nil, ErrNoMediaDevices
}

// Opus frame carrying 20 ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// A tiny VP8 key frame header followed by filler; decoders may reject it
// but it is enough to start RTP flowing.
var vp8Pattern = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00, 0x00, 0x00}

// TestPatternSource produces synthetic Opus silence and VP8 frames. It lets
// headless participants (CLI, tests) send media without capture devices.
type TestPatternSource struct {
	Audio         bool
	Video         bool
	FrameInterval time.Duration // 20 ms when zero
}

const (
	TestPatternAudioDevice = "test-pattern:audio"
	TestPatternVideoDevice = "test-pattern:video"
)

// Acquire implements MediaSource.
func (s TestPatternSource) Acquire(ctx context.Context) (*LocalStream, error) {
	if !s.Audio && !s.Video {
		return nil, ErrNoMediaDevices
	}
	return s.open(ctx, s.Audio, s.Video)
}

// Devices lists one synthetic device per enabled kind.
func (s TestPatternSource) Devices(context.Context) ([]Device, error) {
	var devices []Device
	if s.Audio {
		devices = append(devices, Device{ID: TestPatternAudioDevice, Label: "Opus silence", Kind: webrtc.RTPCodecTypeAudio})
	}
	if s.Video {
		devices = append(devices, Device{ID: TestPatternVideoDevice, Label: "VP8 test pattern", Kind: webrtc.RTPCodecTypeVideo})
	}
	return devices, nil
}

// Open acquires a stream holding only the track of deviceID.
func (s TestPatternSource) Open(ctx context.Context, deviceID string) (*LocalStream, error) {
	switch {
	case deviceID == TestPatternAudioDevice && s.Audio:
		return s.open(ctx, true, false)
	case deviceID == TestPatternVideoDevice && s.Video:
		return s.open(ctx, false, true)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
}

func (s TestPatternSource) open(ctx context.Context, audio, video bool) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := "peercall-" + uuid.NewString()[:8]
	var tracks []*LocalTrack

	if audio {
		t, err := newLocalTrack(webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus, id)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if video {
		t, err := newLocalTrack(webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8, id)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}

	interval := s.FrameInterval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}

	for _, t := range tracks {
		go pump(id, t, interval)
	}
	return NewLocalStream(id, tracks...), nil
}

// pump writes one sample every interval while t is enabled, until t is
// stopped. Writes before the track is bound to a sender are no-ops.
func pump(streamID string, t *LocalTrack, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	data := opusSilence
	if t.kind == webrtc.RTPCodecTypeVideo {
		data = vp8Pattern
	}

	for {
		select {
		case <-t.Done():
			return
		case <-ticker.C:
			if !t.Enabled() {
				continue
			}
			err := t.track.WriteSample(media.Sample{Data: data, Duration: interval})
			if err != nil && !errors.Is(err, io.ErrClosedPipe) {
				util.LogDebug("[media %s] write %s sample: %v", streamID, t.kind, err)
			}
		}
	}
}
