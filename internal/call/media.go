package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/util"
	rtc "github.com/1ureka/peercall/internal/webrtc"
)

// ErrNoDeviceCatalog is returned by device operations when the configured
// media source cannot list or open individual devices.
var ErrNoDeviceCatalog = errors.New("call: media source has no device catalog")

// Devices groups the capture devices of the configured media source.
type Devices struct {
	Cameras     []rtc.Device
	Microphones []rtc.Device
}

// ListDevices asks the media source for its capture devices.
func (e *Engine) ListDevices(ctx context.Context) (Devices, error) {
	catalog, ok := e.deps.Media.(rtc.DeviceCatalog)
	if !ok {
		return Devices{}, ErrNoDeviceCatalog
	}

	all, err := catalog.Devices(ctx)
	if err != nil {
		return Devices{}, fmt.Errorf("list devices: %w", err)
	}

	var d Devices
	for _, dev := range all {
		switch dev.Kind {
		case webrtc.RTPCodecTypeVideo:
			d.Cameras = append(d.Cameras, dev)
		case webrtc.RTPCodecTypeAudio:
			d.Microphones = append(d.Microphones, dev)
		}
	}
	return d, nil
}

// SwitchCamera replaces the outgoing video with the camera deviceID.
func (e *Engine) SwitchCamera(ctx context.Context, deviceID string) error {
	return e.switchDevice(ctx, webrtc.RTPCodecTypeVideo, deviceID)
}

// SwitchMic replaces the outgoing audio with the microphone deviceID.
func (e *Engine) SwitchMic(ctx context.Context, deviceID string) error {
	return e.switchDevice(ctx, webrtc.RTPCodecTypeAudio, deviceID)
}

func (e *Engine) switchDevice(ctx context.Context, kind webrtc.RTPCodecType, deviceID string) error {
	catalog, ok := e.deps.Media.(rtc.DeviceCatalog)
	if !ok {
		return ErrNoDeviceCatalog
	}
	return e.SwitchTrack(ctx, kind, openDevice{catalog: catalog, id: deviceID})
}

type openDevice struct {
	catalog rtc.DeviceCatalog
	id      string
}

func (d openDevice) Acquire(ctx context.Context) (*rtc.LocalStream, error) {
	return d.catalog.Open(ctx, d.id)
}

// SwitchTrack acquires a stream from source and sends its track of kind in
// place of the current one. An existing sender swaps tracks without a new
// offer; without one the track is added and the call renegotiates.
func (e *Engine) SwitchTrack(ctx context.Context, kind webrtc.RTPCodecType, source rtc.MediaSource) error {
	stream, err := source.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", kind, err)
	}
	replies := make(chan error, 1)
	return e.request(switchTrackEvent{kind: kind, stream: stream, reply: replies}, replies)
}

// StartScreenShare sends the video track of source on the screen
// connection. Sharing again replaces the shared track.
func (e *Engine) StartScreenShare(ctx context.Context, source rtc.MediaSource) error {
	stream, err := source.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire screen: %w", err)
	}
	replies := make(chan error, 1)
	return e.request(screenStartEvent{stream: stream, reply: replies}, replies)
}

// StopScreenShare ends a running screen share and tells the peer. It is a
// no-op when nothing is shared.
func (e *Engine) StopScreenShare() error {
	replies := make(chan error, 1)
	return e.request(screenStopEvent{reply: replies}, replies)
}

// ---------------------------------------------------------------------------
// Loop side
// ---------------------------------------------------------------------------

func (e *Engine) handleMediaReady(camera *link, stream *rtc.LocalStream, err error) {
	if err != nil {
		util.LogWarning("%s no local media (%v), joining receive-only", e.tag, err)
		e.setErr(fmt.Errorf("acquire media: %w", err))
		if err := rtc.AddReceiveOnly(camera.pc); err != nil {
			e.fail("receive-only fallback", err)
		}
		return
	}

	// A switch that finished first owns its kind.
	for _, t := range stream.Tracks() {
		if camera.sender(t.Kind()) != nil {
			stream.Detach(t)
			t.Stop()
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		stream.Stop()
		return
	}
	stream.SetEnabled(webrtc.RTPCodecTypeVideo, e.cameraOn)
	stream.SetEnabled(webrtc.RTPCodecTypeAudio, e.micOn)
	if e.local == nil {
		e.local = stream
	} else {
		for _, t := range stream.Tracks() {
			e.local.ReplaceTrack(t)
		}
	}
	e.mu.Unlock()

	tracks := stream.Tracks()
	for _, t := range tracks {
		sender, err := camera.pc.AddTrack(t.Track())
		if err != nil {
			e.fail("add "+t.Kind().String()+" track", err)
			continue
		}
		go drainRTCP(sender)
	}
	util.LogInfo("%s local media ready (%d track(s))", e.tag, len(tracks))
}

// keepOnly stops and detaches every track of stream except the first of
// kind, which it returns.
func keepOnly(stream *rtc.LocalStream, kind webrtc.RTPCodecType) *rtc.LocalTrack {
	keep := stream.Track(kind)
	for _, t := range stream.Tracks() {
		if t != keep {
			stream.Detach(t)
			t.Stop()
		}
	}
	return keep
}

func (e *Engine) handleSwitchTrack(camera *link, kind webrtc.RTPCodecType, stream *rtc.LocalStream) error {
	t := keepOnly(stream, kind)
	if t == nil {
		stream.Stop()
		return fmt.Errorf("switch %s: %w", kind, rtc.ErrNoMediaDevices)
	}

	e.mu.Lock()
	on := e.micOn
	if kind == webrtc.RTPCodecTypeVideo {
		on = e.cameraOn
	}
	e.mu.Unlock()
	t.SetEnabled(on)

	if sender := camera.sender(kind); sender != nil {
		if err := sender.ReplaceTrack(t.Track()); err != nil {
			stream.Stop()
			return fmt.Errorf("replace %s track: %w", kind, err)
		}
	} else {
		sender, err := camera.pc.AddTrack(t.Track())
		if err != nil {
			stream.Stop()
			return fmt.Errorf("add %s track: %w", kind, err)
		}
		go drainRTCP(sender)
	}

	e.mu.Lock()
	var old *rtc.LocalTrack
	if e.local == nil {
		e.local = stream
	} else {
		old = e.local.ReplaceTrack(t)
	}
	e.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	util.LogInfo("%s switched %s track", e.tag, kind)
	return nil
}

func (e *Engine) handleScreenStart(stream *rtc.LocalStream) error {
	t := keepOnly(stream, webrtc.RTPCodecTypeVideo)
	if t == nil {
		stream.Stop()
		return fmt.Errorf("screen share: %w", rtc.ErrNoMediaDevices)
	}

	screen, err := e.screenLink(true)
	if err != nil {
		stream.Stop()
		return fmt.Errorf("create screen connection: %w", err)
	}

	e.mu.Lock()
	sender := e.screenSender
	e.mu.Unlock()

	if sender != nil {
		if err := sender.ReplaceTrack(t.Track()); err != nil {
			stream.Stop()
			return fmt.Errorf("replace screen track: %w", err)
		}
	} else {
		if sender, err = screen.pc.AddTrack(t.Track()); err != nil {
			stream.Stop()
			return fmt.Errorf("add screen track: %w", err)
		}
		go drainRTCP(sender)
	}

	e.mu.Lock()
	old := e.localScreen
	e.localScreen = stream
	e.screenSender = sender
	e.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	e.logSuccess(screen, "sharing screen")
	return nil
}

func (e *Engine) handleScreenStop() error {
	e.mu.Lock()
	stream, sender, screen := e.localScreen, e.screenSender, e.screen
	e.localScreen, e.screenSender = nil, nil
	e.mu.Unlock()

	if stream == nil {
		return nil
	}
	stream.Stop()

	var errs []error
	if err := e.sendOn(protocol.ConnectionScreen, protocol.KindStopScreen, protocol.Broadcast, nil); err != nil {
		errs = append(errs, fmt.Errorf("send stopScreen: %w", err))
	}
	if screen != nil && sender != nil {
		if err := screen.pc.RemoveTrack(sender); err != nil {
			errs = append(errs, fmt.Errorf("remove screen track: %w", err))
		}
	}
	if screen != nil {
		e.logInfo(screen, "screen share stopped")
	}
	return errors.Join(errs...)
}
