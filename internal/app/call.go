// Package app contains the top-level orchestration for the call client and
// the signaling relay.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/call"
	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/util"
	rtc "github.com/1ureka/peercall/internal/webrtc"
)

// ErrRelayUnreachable is returned when the signaling relay stays down after
// every retry.
var ErrRelayUnreachable = errors.New("relay unreachable")

// RunCall orchestrates one participant:
//  1. Build the shared transport registry and pion API
//  2. Create the engine for (user, session) and watch its state
//  3. Start the call and the stats reporter
//  4. Apply console controls from input (may be nil)
//  5. Leave when ctx is cancelled, on "leave", or when the relay is given up on
func RunCall(ctx context.Context, cfg *config.Config, visibility transport.VisibilitySource, input io.Reader) error {
	// ── 1. Shared plumbing ─────────────────────────────────────────────
	tr := transport.NewRegistry(transport.Config{Visibility: visibility})
	defer tr.Close()

	api, err := rtc.NewAPI(rtc.APIOptions{IncludeLoopback: cfg.ICE.IncludeLoopback})
	if err != nil {
		return fmt.Errorf("create WebRTC API: %w", err)
	}

	calls := call.NewRegistry(Dependencies(cfg, tr, api))
	defer calls.Close()

	// ── 2. Engine ──────────────────────────────────────────────────────
	engine, err := calls.Engine(cfg.Call.UserID, cfg.Call.SessionID)
	if err != nil {
		return err
	}

	watcher := newStateWatcher()
	unsubscribe := engine.Subscribe(watcher.observe)
	defer unsubscribe()

	// ── 3. Start ───────────────────────────────────────────────────────
	if err := engine.StartCall(ctx); err != nil {
		return fmt.Errorf("start call: %w", err)
	}
	util.StartStatsReporter(ctx, cfg.Call.StatsInterval)
	util.LogInfo("joined session %s as %s, press Ctrl+C to leave", cfg.Call.SessionID, cfg.Call.UserID)

	// ── 4. Console controls ────────────────────────────────────────────
	leave := make(chan struct{})
	if input != nil {
		go readControls(input, engine, leave)
	}

	// ── 5. Block until shutdown ────────────────────────────────────────
	defer engine.LeaveCall()
	select {
	case <-ctx.Done():
		return nil
	case <-leave:
		return nil
	case <-watcher.exhausted:
		return ErrRelayUnreachable
	}
}

// Controls is the subset of the engine console commands act on.
type Controls interface {
	ToggleCamera(on bool)
	ToggleMic(on bool)
	SwitchCamera(ctx context.Context, deviceID string) error
	SwitchMic(ctx context.Context, deviceID string) error
	ListDevices(ctx context.Context) (call.Devices, error)
	StartScreenShare(ctx context.Context, source rtc.MediaSource) error
	StopScreenShare() error
}

// readControls applies one command per line ("camera off", "mic on",
// "leave") and closes leave on "leave". End of input leaves the call running.
func readControls(r io.Reader, c Controls, leave chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if applyControl(scanner.Text(), c) {
			close(leave)
			return
		}
	}
}

const controlHelp = "camera on|off, mic on|off, screen on|off, devices, use <device>, leave"

func applyControl(line string, c Controls) (leave bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	ctx := context.Background()

	var err error
	switch cmd := strings.ToLower(fields[0]); cmd {
	case "leave", "quit", "q":
		return true
	case "camera", "cam", "mic":
		on := len(fields) < 2 || strings.EqualFold(fields[1], "on")
		if cmd == "mic" {
			c.ToggleMic(on)
		} else {
			c.ToggleCamera(on)
		}
	case "screen":
		if len(fields) > 1 && strings.EqualFold(fields[1], "off") {
			err = c.StopScreenShare()
		} else {
			// Headless clients share a synthetic video feed.
			err = c.StartScreenShare(ctx, rtc.TestPatternSource{Video: true})
		}
	case "devices":
		err = logDevices(ctx, c)
	case "use":
		if len(fields) < 2 {
			util.LogWarning("use needs a device id (see devices)")
			return false
		}
		err = useDevice(ctx, c, fields[1])
	default:
		util.LogWarning("unknown command %q (try: %s)", line, controlHelp)
	}

	if err != nil {
		util.LogWarning("%s: %v", line, err)
	}
	return false
}

func logDevices(ctx context.Context, c Controls) error {
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices.Cameras {
		util.LogInfo("camera      %s (%s)", d.ID, d.Label)
	}
	for _, d := range devices.Microphones {
		util.LogInfo("microphone  %s (%s)", d.ID, d.Label)
	}
	return nil
}

// useDevice switches to deviceID, picking camera or microphone by looking
// the id up in the catalog.
func useDevice(ctx context.Context, c Controls, deviceID string) error {
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices.Cameras {
		if d.ID == deviceID {
			return c.SwitchCamera(ctx, deviceID)
		}
	}
	for _, d := range devices.Microphones {
		if d.ID == deviceID {
			return c.SwitchMic(ctx, deviceID)
		}
	}
	return fmt.Errorf("%w: %q", rtc.ErrUnknownDevice, deviceID)
}

// Dependencies maps the configuration onto the engine dependencies.
func Dependencies(cfg *config.Config, tr *transport.Registry, api *webrtc.API) call.Dependencies {
	deps := call.Dependencies{
		Transport:        tr,
		RelayURL:         cfg.Call.RelayURL,
		TransportOptions: TransportOptions(cfg.Transport),
		API:              api,
		STUNServers:      cfg.ICE.STUNServers,
		Media:            MediaSource(cfg.Call.Media),
		LeaveGrace:       cfg.Call.LeaveGrace,
	}
	if cfg.ICE.CredentialsURL != "" {
		deps.Credentials = rtc.HTTPCredentials{URL: cfg.ICE.CredentialsURL}
	}
	return deps
}

// TransportOptions converts the transport section into registry options.
func TransportOptions(c config.TransportConfig) transport.Options {
	return transport.Options{
		DisableReconnect:  c.DisableReconnect,
		BaseDelay:         c.BaseDelay,
		MaxDelay:          c.MaxDelay,
		MaxRetries:        c.MaxRetries,
		HeartbeatInterval: c.HeartbeatInterval,
	}
}

// MediaSource picks the local media source for mode.
func MediaSource(mode config.MediaMode) rtc.MediaSource {
	switch mode {
	case config.MediaTestPattern:
		return rtc.TestPatternSource{Audio: true, Video: true}
	case config.MediaAudioOnly:
		return rtc.TestPatternSource{Audio: true}
	default:
		return rtc.UnavailableSource{}
	}
}

// stateWatcher logs engine transitions worth a line and flags relay
// exhaustion.
type stateWatcher struct {
	mu    sync.Mutex
	first bool
	last  call.State

	exhausted chan struct{}
	once      sync.Once
}

func newStateWatcher() *stateWatcher {
	return &stateWatcher{first: true, exhausted: make(chan struct{})}
}

func (w *stateWatcher) observe(s call.State) {
	w.mu.Lock()
	defer w.mu.Unlock()

	prev := w.last
	w.last = s

	if s.Err != nil {
		util.LogWarning("call: %v", s.Err)
	}
	if w.first {
		w.first = false
		return
	}

	if s.Relay.State != prev.Relay.State {
		util.LogInfo("relay %s", s.Relay.State)
	}
	if s.Relay.Exhausted {
		w.once.Do(func() { close(w.exhausted) })
	}
	if s.Phase != prev.Phase {
		util.LogDebug("negotiation %s", s.Phase)
	}
	if (s.Remote == nil) != (prev.Remote == nil) {
		if s.Remote != nil {
			util.LogSuccess("remote participant is streaming")
		} else {
			util.LogInfo("remote participant left the call")
		}
	}
	if s.CameraOn != prev.CameraOn || s.MicOn != prev.MicOn {
		util.LogInfo("camera %s, mic %s", onOff(s.CameraOn), onOff(s.MicOn))
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
