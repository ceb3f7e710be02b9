package simulator

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
)

// ErrDeadlock is returned by EventLoop.Run when every
// simulated process is blocked and no event is left that
// could wake one of them up. In a collective-heavy program
// this means some group member never reached a matching
// collective call.
var ErrDeadlock = errors.New("deadlock: all Handles are polling")

// An EventStream is a uni-directional queue of events that
// are delivered through an EventLoop.
//
// It is only safe to use an EventStream on the EventLoop
// that created it.
type EventStream struct {
	loop    *EventLoop
	pending []interface{}
}

// An Event is a message received on some EventStream.
type Event struct {
	Message interface{}
	Stream  *EventStream
}

// A Timer is a single delivery scheduled for the (virtual)
// future.
type Timer struct {
	time  float64
	event *Event
}

// Time gets the virtual time at which the timer fires.
//
// While the loop's time is lower than Time(), the timer is
// guaranteed not to have fired.
func (t *Timer) Time() float64 {
	return t.time
}

// A Handle is one Goroutine's access point to an
// EventLoop. Each simulated process owns exactly one
// Handle; Handles must not be shared.
type Handle struct {
	*EventLoop

	// Both fields are nil while the Goroutine is running
	// in real time (i.e. not blocked in Poll).
	pollStreams []*EventStream
	pollChan    chan<- *Event
}

// Poll blocks until an event is available on one of the
// streams and returns it.
//
// Streams are checked for already-pending events in the
// order they are passed.
func (h *Handle) Poll(streams ...*EventStream) *Event {
	ch := make(chan *Event, 1)
	h.modifyHandles(func() {
		if h.pollStreams != nil {
			panic("Handle is shared between Goroutines")
		}
		for _, stream := range streams {
			if msg, ok := stream.pop(); ok {
				ch <- &Event{Message: msg, Stream: stream}
				return
			}
		}
		h.pollStreams = streams
		h.pollChan = ch
	})
	return <-ch
}

// Schedule creates a Timer that delivers msg to stream
// after delay units of virtual time.
func (h *Handle) Schedule(stream *EventStream, msg interface{}, delay float64) *Timer {
	if stream.loop != h.EventLoop {
		panic("EventStream is not associated with the correct EventLoop")
	}
	var timer *Timer
	h.modify(func() {
		deadline := h.time + delay
		if math.IsInf(deadline, 0) || math.IsNaN(deadline) {
			panic(fmt.Sprintf("invalid deadline: %f", deadline))
		}
		timer = &Timer{time: deadline, event: &Event{Message: msg, Stream: stream}}
		h.timers = append(h.timers, timer)
	})
	return timer
}

// Cancel stops a scheduled timer.
//
// It has no effect if the timer already fired.
func (h *Handle) Cancel(t *Timer) {
	h.modify(func() {
		for i, timer := range h.timers {
			if timer == t {
				essentials.UnorderedDelete(&h.timers, i)
				return
			}
		}
	})
}

// Sleep blocks the Goroutine for delay units of virtual
// time. It is how simulated processes account for local
// computation.
func (h *Handle) Sleep(delay float64) {
	stream := h.Stream()
	h.Schedule(stream, nil, delay)
	h.Poll(stream)
}

// An EventLoop is the global scheduler of a simulated
// cluster.
//
// Every Goroutine that touches the loop must be started
// with Go(). Virtual time only advances while all of those
// Goroutines are blocked in Poll, so real-time computation
// inside a process costs no virtual time unless the process
// says so with Sleep.
type EventLoop struct {
	lock    sync.Mutex
	timers  []*Timer
	handles []*Handle

	time float64

	running  bool
	notifyCh chan struct{}
}

// NewEventLoop creates an event loop whose clock starts
// at 0.
func NewEventLoop() *EventLoop {
	return &EventLoop{notifyCh: make(chan struct{}, 1)}
}

// Stream creates a new EventStream on the loop.
func (e *EventLoop) Stream() *EventStream {
	return &EventStream{loop: e}
}

// Go runs f in a new Goroutine with its own Handle.
func (e *EventLoop) Go(f func(h *Handle)) {
	h := &Handle{EventLoop: e}
	e.lock.Lock()
	e.handles = append(e.handles, h)
	e.lock.Unlock()
	go func() {
		defer e.release(h)
		f(h)
	}()
}

// Run drives the loop until every Handle has finished.
//
// It returns ErrDeadlock (wrapped with the virtual time of
// the hang) if all remaining Goroutines are polling and no
// timer is left to wake them.
//
// It is not safe to call Run from more than one Goroutine
// at once.
func (e *EventLoop) Run() error {
	e.lock.Lock()
	if e.running {
		e.lock.Unlock()
		panic("EventLoop is already running.")
	}
	e.running = true
	e.lock.Unlock()

	defer func() {
		e.lock.Lock()
		e.running = false
		e.lock.Unlock()
	}()

	for range e.notifyCh {
		if shouldContinue, err := e.step(); !shouldContinue {
			return err
		}
	}

	panic("unreachable")
}

// MustRun is like Run, but it panics on deadlock.
func (e *EventLoop) MustRun() {
	if err := e.Run(); err != nil {
		panic(err)
	}
}

// Time gets the current virtual time.
func (e *EventLoop) Time() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.time
}

func (e *EventLoop) release(h *Handle) {
	e.modifyHandles(func() {
		for i, handle := range e.handles {
			if handle == h {
				essentials.UnorderedDelete(&e.handles, i)
				return
			}
		}
		panic("cannot free handle that does not exist")
	})
}

// modify runs f with the loop locked, for changes that
// cannot unblock any Goroutine.
func (e *EventLoop) modify(f func()) {
	e.lock.Lock()
	defer e.lock.Unlock()
	f()
}

// modifyHandles is like modify, but also wakes the
// scheduler since f may change which Handles are polling.
func (e *EventLoop) modifyHandles(f func()) {
	e.lock.Lock()
	defer func() {
		e.lock.Unlock()
		select {
		case e.notifyCh <- struct{}{}:
		default:
		}
	}()
	f()
}

// step delivers the next timer if every Goroutine is
// polling.
//
// The first return value is false when the loop cannot
// make further progress; the error tells a clean finish
// apart from a deadlock.
func (e *EventLoop) step() (bool, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if len(e.handles) == 0 {
		return false, nil
	}
	for _, h := range e.handles {
		if len(h.pollStreams) == 0 {
			// Some Goroutine is still working in real time.
			return true, nil
		}
	}

	for len(e.timers) > 0 {
		idx := e.earliestTimer()
		timer := e.timers[idx]
		essentials.UnorderedDelete(&e.timers, idx)
		e.time = math.Max(e.time, timer.time)
		if e.deliver(timer.event) {
			return true, nil
		}
	}

	return false, errors.Wrapf(ErrDeadlock, "at virtual time %f with %d blocked handles",
		e.time, len(e.handles))
}

// earliestTimer picks the timer with the lowest deadline,
// breaking ties at random so that simultaneous deliveries
// are not ordered deterministically.
func (e *EventLoop) earliestTimer() int {
	indices := rand.Perm(len(e.timers))
	best := indices[0]
	for _, i := range indices[1:] {
		if e.timers[i].time < e.timers[best].time {
			best = i
		}
	}
	return best
}

// deliver hands the event to a polling Goroutine, or
// queues it on its stream if nobody is listening.
// It reports whether a Goroutine was woken.
func (e *EventLoop) deliver(event *Event) bool {
	for _, i := range rand.Perm(len(e.handles)) {
		h := e.handles[i]
		for _, stream := range h.pollStreams {
			if stream == event.Stream {
				h.pollChan <- event
				h.pollChan = nil
				h.pollStreams = nil
				return true
			}
		}
	}
	event.Stream.pending = append(event.Stream.pending, event.Message)
	return false
}

func (s *EventStream) pop() (interface{}, bool) {
	if len(s.pending) == 0 {
		return nil, false
	}
	msg := s.pending[0]
	essentials.OrderedDelete(&s.pending, 0)
	return msg, true
}
