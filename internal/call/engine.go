package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/util"
	rtc "github.com/1ureka/peercall/internal/webrtc"
)

// DefaultLeaveGrace is how long a remote leave waits before the remote
// stream is dropped.
const DefaultLeaveGrace = 300 * time.Millisecond

var (
	ErrEngineClosed = errors.New("call: engine closed")
	ErrNotStarted   = errors.New("call: not started")
	ErrNoTransport  = errors.New("call: no transport registry configured")
	errNoSignaler   = errors.New("call: signaling channel not open")
)

// Signaler is the engine's view of a signaling channel.
type Signaler interface {
	Send(msg protocol.SignalMessage) error
	Detach()
	Close() error
}

// State is an immutable snapshot published to subscribers.
type State struct {
	UserID    string
	SessionID string

	Phase      Phase
	Local      *rtc.LocalStream
	Remote     *rtc.RemoteStream
	CameraOn   bool
	MicOn      bool
	Relay      transport.Status
	Connection webrtc.PeerConnectionState

	// Screen share, on a peer connection of its own.
	LocalScreen   *rtc.LocalStream
	RemoteScreen  *rtc.RemoteStream
	ScreenSharing bool

	// Err is the most recent failure. It is reported once and then cleared.
	Err error

	Closed bool
}

type subscription struct {
	id int
	fn func(State)
}

// Engine runs one participant's side of a call.
type Engine struct {
	userID    string
	sessionID string
	tag       string
	deps      Dependencies
	owner     *Registry

	ctx    context.Context
	cancel context.CancelFunc
	queue  *eventQueue

	// Set by StartCall before the loop runs.
	api        *webrtc.API
	iceServers []webrtc.ICEServer

	mu           sync.Mutex
	started      bool
	closed       bool
	camera       *link
	screen       *link
	signaler     Signaler
	local        *rtc.LocalStream
	remote       *rtc.RemoteStream
	localScreen  *rtc.LocalStream
	remoteScreen *rtc.RemoteStream
	screenSender *webrtc.RTPSender
	cameraOn     bool
	micOn        bool
	phase        Phase
	relay        transport.Status
	connection   webrtc.PeerConnectionState
	lastErr      error
	leaveTimer   *time.Timer
	subs         []subscription
	nextSubID    int
}

func newEngine(owner *Registry, userID, sessionID string, deps Dependencies) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		userID:    userID,
		sessionID: sessionID,
		tag:       fmt.Sprintf("[call %s/%s]", userID, sessionID),
		deps:      deps,
		owner:     owner,
		ctx:       ctx,
		cancel:    cancel,
		queue:     newEventQueue(),
		cameraOn:  true,
		micOn:     true,
	}
	return e
}

func (e *Engine) UserID() string    { return e.userID }
func (e *Engine) SessionID() string { return e.sessionID }

// StartCall creates the peer connection, opens signaling and starts
// acquiring local media in the background. Calling it again is a no-op.
func (e *Engine) StartCall(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	api := e.deps.API
	if api == nil {
		var err error
		if api, err = rtc.NewAPI(rtc.APIOptions{}); err != nil {
			e.mu.Lock()
			e.started = false
			e.mu.Unlock()
			return err
		}
	}
	e.api = api
	e.iceServers = rtc.ResolveICEServers(ctx, e.deps.STUNServers, e.deps.Credentials)

	camera, err := e.newLink(protocol.ConnectionCamera)
	if err != nil {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = camera.close()
		return ErrEngineClosed
	}
	e.camera = camera
	e.mu.Unlock()

	go e.queue.run(e.handle)

	sig, err := e.openSignaler(signaling.Handlers{
		OnMessage: func(m protocol.SignalMessage) { e.post(signalEvent{msg: m}) },
		OnStatus:  func(s transport.Status) { e.post(relayStatusEvent{status: s}) },
	})
	if err != nil {
		util.LogError("%s open signaling: %v", e.tag, err)
		e.LeaveCall()
		return fmt.Errorf("open signaling: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		sig.Detach()
		_ = sig.Close()
		return ErrEngineClosed
	}
	e.signaler = sig
	e.mu.Unlock()

	util.LogInfo("%s call started with %d ICE server(s)", e.tag, len(e.iceServers))

	source := e.deps.Media
	if source == nil {
		source = rtc.UnavailableSource{}
	}
	go func() {
		stream, err := source.Acquire(e.ctx)
		ev := mediaReadyEvent{stream: stream, err: err}
		if !e.post(ev) {
			ev.release(ErrEngineClosed)
		}
	}()

	return nil
}

func (e *Engine) openSignaler(h signaling.Handlers) (Signaler, error) {
	if e.deps.OpenSignaler != nil {
		return e.deps.OpenSignaler(e.sessionID, e.userID, h)
	}
	if e.deps.Transport == nil {
		return nil, ErrNoTransport
	}
	return signaling.Open(e.deps.Transport, e.deps.RelayURL, e.sessionID, e.userID, h, e.deps.TransportOptions)
}

// State returns the current snapshot without consuming the pending error.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Subscribe calls fn with the current state and then after every change.
func (e *Engine) Subscribe(fn func(State)) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subs = append(e.subs, subscription{id: id, fn: fn})
	st := e.snapshotLocked()
	e.mu.Unlock()

	fn(st)

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, s := range e.subs {
				if s.id == id {
					e.subs = append(e.subs[:i], e.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// ToggleCamera enables or disables the local video tracks.
func (e *Engine) ToggleCamera(on bool) {
	e.toggle(webrtc.RTPCodecTypeVideo, on)
}

// ToggleMic enables or disables the local audio tracks.
func (e *Engine) ToggleMic(on bool) {
	e.toggle(webrtc.RTPCodecTypeAudio, on)
}

func (e *Engine) toggle(kind webrtc.RTPCodecType, on bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if kind == webrtc.RTPCodecTypeVideo {
		e.cameraOn = on
	} else {
		e.micOn = on
	}
	if e.local != nil {
		e.local.SetEnabled(kind, on)
	}
	e.mu.Unlock()

	util.LogDebug("%s %s enabled=%v", e.tag, kind, on)
	e.notify()
}

// LeaveCall tears the call down. Each step runs even if an earlier one
// failed; later calls are no-ops.
func (e *Engine) LeaveCall() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	sig := e.signaler
	links := e.linksLocked()
	sharing := e.localScreen != nil
	e.mu.Unlock()

	if sig != nil {
		if sharing {
			if err := e.sendWith(sig, protocol.ConnectionScreen, protocol.KindStopScreen, protocol.Broadcast, nil); err != nil {
				util.LogWarning("%s stopScreen not delivered: %v", e.tag, err)
			}
		}
		if err := e.sendWith(sig, protocol.ConnectionCamera, protocol.KindLeave, protocol.Broadcast, nil); err != nil {
			util.LogWarning("%s leave not delivered: %v", e.tag, err)
		}
	}

	e.mu.Lock()
	local, localScreen := e.local, e.localScreen
	e.local, e.localScreen = nil, nil
	e.remote, e.remoteScreen = nil, nil
	e.screenSender = nil
	if e.leaveTimer != nil {
		e.leaveTimer.Stop()
		e.leaveTimer = nil
	}
	e.mu.Unlock()

	for _, s := range []*rtc.LocalStream{local, localScreen} {
		if s != nil {
			s.Stop()
		}
	}

	e.queue.close(func(ev event) {
		if o, ok := ev.(ownedEvent); ok {
			o.release(ErrEngineClosed)
		}
	})
	e.cancel()
	for _, l := range links {
		if err := l.close(); err != nil {
			util.LogWarning("%s close %s peer connection: %v", e.tag, l.connection, err)
		}
	}

	if sig != nil {
		sig.Detach()
		if err := sig.Close(); err != nil {
			util.LogWarning("%s close signaling: %v", e.tag, err)
		}
	}

	e.mu.Lock()
	e.cameraOn = false
	e.micOn = false
	e.mu.Unlock()

	e.publish(true)

	if e.owner != nil {
		e.owner.remove(e)
	}
	util.LogInfo("%s left", e.tag)
}

func (e *Engine) linksLocked() []*link {
	var links []*link
	for _, l := range []*link{e.camera, e.screen} {
		if l != nil {
			links = append(links, l)
		}
	}
	return links
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

func (e *Engine) post(ev event) bool {
	return e.queue.push(ev)
}

// request hands ev to the loop and waits for its reply. Every path ends
// with exactly one reply, so the wait cannot hang.
func (e *Engine) request(ev ownedEvent, replies <-chan error) error {
	e.mu.Lock()
	var err error
	switch {
	case e.closed:
		err = ErrEngineClosed
	case e.camera == nil:
		err = ErrNotStarted
	}
	e.mu.Unlock()

	if err != nil {
		ev.release(err)
		return err
	}
	if !e.post(ev) {
		ev.release(ErrEngineClosed)
		return ErrEngineClosed
	}
	return <-replies
}

func (e *Engine) active() (*link, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.camera, !e.closed && e.camera != nil
}

func (e *Engine) handle(ev event) {
	camera, ok := e.active()
	if !ok {
		if o, owned := ev.(ownedEvent); owned {
			o.release(ErrEngineClosed)
		}
		return
	}

	switch ev := ev.(type) {
	case signalEvent:
		e.handleSignal(camera, ev.msg)
	case negotiationNeededEvent:
		e.renegotiate(ev.link)
	case localCandidateEvent:
		if err := e.sendOn(ev.link.connection, protocol.KindCandidate, protocol.Broadcast, ev.candidate); err != nil {
			e.logDebug(ev.link, "candidate not sent: %v", err)
		}
	case remoteTrackEvent:
		e.handleRemoteTrack(ev.link, ev.track)
	case connectionStateEvent:
		e.handleConnectionState(ev.link, ev.state)
	case mediaReadyEvent:
		e.handleMediaReady(camera, ev.stream, ev.err)
	case relayStatusEvent:
		e.handleRelayStatus(ev.status)
	case remoteLeftEvent:
		e.mu.Lock()
		e.remote = nil
		e.remoteScreen = nil
		e.leaveTimer = nil
		e.mu.Unlock()
		util.LogInfo("%s remote participant left", e.tag)
	case switchTrackEvent:
		reply(ev.reply, e.handleSwitchTrack(camera, ev.kind, ev.stream))
	case screenStartEvent:
		reply(ev.reply, e.handleScreenStart(ev.stream))
	case screenStopEvent:
		reply(ev.reply, e.handleScreenStop())
	}

	e.mu.Lock()
	e.phase = camera.neg.Phase()
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) handleSignal(camera *link, msg protocol.SignalMessage) {
	if !msg.Accepts(e.userID, e.sessionID) {
		return
	}

	switch msg.Connection() {
	case protocol.ConnectionCamera:
		if msg.Kind == protocol.KindLeave {
			e.scheduleRemoteLeft()
			return
		}
		e.negotiate(camera, msg)

	case protocol.ConnectionScreen:
		if msg.Kind == protocol.KindStopScreen {
			e.mu.Lock()
			e.remoteScreen = nil
			e.mu.Unlock()
			util.LogInfo("%s remote screen share ended", e.tag)
			return
		}

		// The screen connection is created by whichever side shares first.
		l, err := e.screenLink(msg.Kind == protocol.KindOffer || msg.Kind == protocol.KindCandidate)
		if err != nil {
			e.fail("create screen connection", err)
			return
		}
		if l != nil {
			e.negotiate(l, msg)
		}
	}
}

// negotiate applies an offer, answer or candidate to l.
func (e *Engine) negotiate(l *link, msg protocol.SignalMessage) {
	send := e.sender(l.connection)

	switch msg.Kind {
	case protocol.KindOffer:
		var offer webrtc.SessionDescription
		if err := msg.DecodePayload(&offer); err != nil {
			e.fail("decode offer", err)
			return
		}
		e.logDebug(l, "received %s from %s", rtc.Describe(offer), msg.From)
		if err := l.neg.HandleOffer(l.pc, msg.From, offer, send); err != nil {
			e.fail("handle "+l.connection+" offer", err)
		}

	case protocol.KindAnswer:
		var answer webrtc.SessionDescription
		if err := msg.DecodePayload(&answer); err != nil {
			e.fail("decode answer", err)
			return
		}
		e.logDebug(l, "received %s from %s", rtc.Describe(answer), msg.From)
		if err := l.neg.HandleAnswer(l.pc, answer); err != nil {
			e.fail("handle "+l.connection+" answer", err)
		}

	case protocol.KindCandidate:
		var candidate webrtc.ICECandidateInit
		if err := msg.DecodePayload(&candidate); err != nil {
			e.logDebug(l, "bad candidate from %s: %v", msg.From, err)
			return
		}
		if err := l.neg.HandleCandidate(l.pc, candidate); err != nil {
			e.logDebug(l, "%v", err)
		}
	}
}

func (e *Engine) renegotiate(l *link) {
	if err := l.neg.Renegotiate(l.pc, e.sender(l.connection)); err != nil {
		e.fail("renegotiate "+l.connection, err)
	}
}

// screenLink returns the screen link, creating it when create is set.
func (e *Engine) screenLink(create bool) (*link, error) {
	e.mu.Lock()
	l := e.screen
	e.mu.Unlock()
	if l != nil || !create {
		return l, nil
	}

	l, err := e.newLink(protocol.ConnectionScreen)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = l.close()
		return nil, ErrEngineClosed
	}
	e.screen = l
	e.mu.Unlock()
	return l, nil
}

func (e *Engine) scheduleRemoteLeft() {
	grace := e.deps.LeaveGrace
	if grace <= 0 {
		grace = DefaultLeaveGrace
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.leaveTimer != nil {
		e.leaveTimer.Stop()
	}
	e.leaveTimer = time.AfterFunc(grace, func() { e.post(remoteLeftEvent{}) })
}

func (e *Engine) handleRemoteTrack(l *link, track *webrtc.TrackRemote) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	target := &e.remote
	if l.isScreen() {
		target = &e.remoteScreen
	}
	if *target == nil || (*target).ID != track.StreamID() {
		*target = rtc.NewRemoteStream(track.StreamID())
	}
	(*target).AddTrack(track)
	e.mu.Unlock()

	e.logSuccess(l, "receiving %s (%s)", track.Kind(), track.Codec().MimeType)
	go drainRemote(track)
}

// drainRemote reads RTP so the receive buffers never fill.
func drainRemote(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		util.Stats.AddMediaBytes(n)
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (e *Engine) handleConnectionState(l *link, s webrtc.PeerConnectionState) {
	if !l.isScreen() {
		e.mu.Lock()
		e.connection = s
		e.mu.Unlock()
	}

	switch s {
	case webrtc.PeerConnectionStateConnected:
		e.logSuccess(l, "peer connected")
	case webrtc.PeerConnectionStateFailed:
		e.logWarning(l, "peer connection failed")
	default:
		e.logDebug(l, "peer connection %s", s)
	}
}

func (e *Engine) handleRelayStatus(s transport.Status) {
	e.mu.Lock()
	e.relay = s
	links := e.linksLocked()
	e.mu.Unlock()

	if s.Exhausted {
		util.LogError("%s relay unreachable after %d attempts", e.tag, s.Attempts)
	}
	if s.State != transport.StateConnected {
		return
	}
	for _, l := range links {
		if l.neg.NeedsRetryOnReconnect() {
			e.logInfo(l, "relay back, retrying offer")
			e.renegotiate(l)
		}
	}
}

// ---------------------------------------------------------------------------
// Outbound and state
// ---------------------------------------------------------------------------

// sender returns the SendFunc stamping messages with connection.
func (e *Engine) sender(connection string) SendFunc {
	return func(kind protocol.Kind, to string, payload any) error {
		return e.sendOn(connection, kind, to, payload)
	}
}

func (e *Engine) sendOn(connection string, kind protocol.Kind, to string, payload any) error {
	e.mu.Lock()
	sig := e.signaler
	e.mu.Unlock()

	if sig == nil {
		return errNoSignaler
	}
	return e.sendWith(sig, connection, kind, to, payload)
}

func (e *Engine) sendWith(sig Signaler, connection string, kind protocol.Kind, to string, payload any) error {
	msg, err := protocol.NewSignal(kind, e.userID, to, e.sessionID, payload)
	if err != nil {
		return err
	}
	msg.ConnectionType = connection
	return sig.Send(msg)
}

func (e *Engine) fail(step string, err error) {
	util.LogWarning("%s %s: %v", e.tag, step, err)
	e.setErr(fmt.Errorf("%s: %w", step, err))
}

func (e *Engine) setErr(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

func (e *Engine) snapshotLocked() State {
	return State{
		UserID:     e.userID,
		SessionID:  e.sessionID,
		Phase:      e.phase,
		Local:      e.local,
		Remote:     e.remote,
		CameraOn:   e.cameraOn,
		MicOn:      e.micOn,
		Relay:      e.relay,
		Connection: e.connection,

		LocalScreen:   e.localScreen,
		RemoteScreen:  e.remoteScreen,
		ScreenSharing: e.localScreen != nil,

		Err:    e.lastErr,
		Closed: e.closed,
	}
}

func (e *Engine) notify() {
	e.publish(false)
}

// publish hands a snapshot to every subscriber. After teardown only the
// final notification goes out.
func (e *Engine) publish(final bool) {
	e.mu.Lock()
	if e.closed && !final {
		e.mu.Unlock()
		return
	}
	st := e.snapshotLocked()
	e.lastErr = nil
	subs := append([]subscription(nil), e.subs...)
	e.mu.Unlock()

	for _, s := range subs {
		s.fn(st)
	}
}

func (e *Engine) logPrefix(l *link) string {
	if l.isScreen() {
		return e.tag + "[screen]"
	}
	return e.tag
}

func (e *Engine) logDebug(l *link, format string, args ...any) {
	util.LogDebug(e.logPrefix(l)+" "+format, args...)
}

func (e *Engine) logInfo(l *link, format string, args ...any) {
	util.LogInfo(e.logPrefix(l)+" "+format, args...)
}

func (e *Engine) logSuccess(l *link, format string, args ...any) {
	util.LogSuccess(e.logPrefix(l)+" "+format, args...)
}

func (e *Engine) logWarning(l *link, format string, args ...any) {
	util.LogWarning(e.logPrefix(l)+" "+format, args...)
}
