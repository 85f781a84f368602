package call

import (
	"sync"

	"github.com/gammazero/deque"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/transport"
	rtc "github.com/1ureka/peercall/internal/webrtc"
)

// event is anything the engine loop reacts to.
type event interface {
	isEvent()
}

// ownedEvent carries resources the loop takes over. release hands them back
// with err when the loop will never see the event.
type ownedEvent interface {
	event
	release(err error)
}

type signalEvent struct{ msg protocol.SignalMessage }

type negotiationNeededEvent struct{ link *link }

type localCandidateEvent struct {
	link      *link
	candidate webrtc.ICECandidateInit
}

type remoteTrackEvent struct {
	link  *link
	track *webrtc.TrackRemote
}

type connectionStateEvent struct {
	link  *link
	state webrtc.PeerConnectionState
}

type mediaReadyEvent struct {
	stream *rtc.LocalStream
	err    error
}

type relayStatusEvent struct{ status transport.Status }

type remoteLeftEvent struct{}

type switchTrackEvent struct {
	kind   webrtc.RTPCodecType
	stream *rtc.LocalStream
	reply  chan error
}

type screenStartEvent struct {
	stream *rtc.LocalStream
	reply  chan error
}

type screenStopEvent struct{ reply chan error }

func (signalEvent) isEvent()            {}
func (negotiationNeededEvent) isEvent() {}
func (localCandidateEvent) isEvent()    {}
func (remoteTrackEvent) isEvent()       {}
func (connectionStateEvent) isEvent()   {}
func (mediaReadyEvent) isEvent()        {}
func (relayStatusEvent) isEvent()       {}
func (remoteLeftEvent) isEvent()        {}
func (switchTrackEvent) isEvent()       {}
func (screenStartEvent) isEvent()       {}
func (screenStopEvent) isEvent()        {}

func (ev mediaReadyEvent) release(error) {
	if ev.stream != nil {
		ev.stream.Stop()
	}
}

func (ev switchTrackEvent) release(err error) {
	ev.stream.Stop()
	reply(ev.reply, err)
}

func (ev screenStartEvent) release(err error) {
	ev.stream.Stop()
	reply(ev.reply, err)
}

func (ev screenStopEvent) release(err error) {
	reply(ev.reply, err)
}

// reply delivers err on a buffered reply channel at most once.
func reply(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}

// eventQueue is an unbounded FIFO feeding one loop goroutine. Producers never
// block; after close every push is dropped.
type eventQueue struct {
	mu     sync.Mutex
	items  deque.Deque[event]
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *eventQueue) push(ev event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items.PushBack(ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *eventQueue) pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.items.Len() == 0 {
		return nil, false
	}
	return q.items.PopFront(), true
}

// close stops the loop. Queued events are passed to drop, in order.
func (q *eventQueue) close(drop func(event)) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := make([]event, 0, q.items.Len())
	for q.items.Len() > 0 {
		dropped = append(dropped, q.items.PopFront())
	}
	close(q.done)
	q.mu.Unlock()

	if drop == nil {
		return
	}
	for _, ev := range dropped {
		drop(ev)
	}
}

// run dispatches events to handle until close.
func (q *eventQueue) run(handle func(event)) {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}

		for {
			ev, ok := q.pop()
			if !ok {
				break
			}
			handle(ev)
		}
	}
}
