package simulator

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/unixpickle/essentials"
)

// Float64Bytes is the wire size of one tensor element.
const Float64Bytes = 8

// A Device is one simulated process of a mesh, identified
// by its global rank.
type Device struct {
	Rank int
}

// NewDevice creates a Device with the given global rank.
func NewDevice(rank int) *Device {
	return &Device{Rank: rank}
}

// NewDevices creates devices with ranks 0 to n-1.
func NewDevices(n int) []*Device {
	res := make([]*Device, n)
	for i := range res {
		res[i] = NewDevice(i)
	}
	return res
}

// String returns a short label for logs.
func (d *Device) String() string {
	return fmt.Sprintf("device%d", d.Rank)
}

// Port creates a new Port attached to the Device.
//
// A device typically has one Port per communication group
// it belongs to, so that traffic of different groups never
// shares a stream.
func (d *Device) Port(loop *EventLoop) *Port {
	return &Port{Device: d, Incoming: loop.Stream()}
}

// A Port is a point of communication on a Device.
type Port struct {
	// The Device to which the Port is attached.
	Device *Device

	// A stream of *Message objects.
	Incoming *EventStream
}

// Recv blocks until the next message arrives on the Port.
func (p *Port) Recv(h *Handle) *Message {
	return h.Poll(p.Incoming).Message.(*Message)
}

// A Message is a chunk of data sent between two Ports.
type Message struct {
	Source  *Port
	Dest    *Port
	Payload interface{}

	// Size is the number of bytes on the wire, used by
	// networks that model bandwidth.
	Size float64
}

// A Network is an abstract way of moving Messages between
// devices.
type Network interface {
	// Send schedules messages for delivery on their
	// destination Port's Incoming stream.
	//
	// Send never blocks. Passing several messages at once
	// lets a Network plan their delivery together.
	Send(h *Handle, msgs ...*Message)
}

// A FaultyNetwork is a Network that may have devices that
// are unreachable. Communicators consult it to fail fast
// instead of waiting for a message that will never come.
type FaultyNetwork interface {
	Network
	IsDown(d *Device) bool
}

// A RandomNetwork assigns an independent random delay in
// [0, MaxLatency) to every message, so messages between
// the same two ports may arrive out of order.
//
// A zero MaxLatency is treated as 1.
type RandomNetwork struct {
	MaxLatency float64
}

// Send sends the messages with random delays.
func (r RandomNetwork) Send(h *Handle, msgs ...*Message) {
	maxLatency := r.MaxLatency
	if maxLatency == 0 {
		maxLatency = 1
	}
	for _, msg := range msgs {
		h.Schedule(msg.Dest.Incoming, msg, rand.Float64()*maxLatency)
	}
}

// A SwitcherNetwork passes data through a Switcher.
// Messages sent concurrently from or to the same device
// share its bandwidth, so each may take longer to arrive.
type SwitcherNetwork struct {
	lock sync.Mutex

	switcher   Switcher
	numDevices int
	latency    float64

	plan switchedPlan
}

// NewSwitcherNetwork creates a SwitcherNetwork connecting
// devices with ranks 0 to numDevices-1.
//
// The latency argument adds a constant delay to every
// message. Latency periods count towards
// oversubscription, so congestion may be overestimated by
// up to a factor of two.
func NewSwitcherNetwork(switcher Switcher, numDevices int, latency float64) *SwitcherNetwork {
	return &SwitcherNetwork{
		switcher:   switcher,
		numDevices: numDevices,
		latency:    latency,
	}
}

// Send sends the messages over the network.
//
// This may slow down messages that are already in flight.
func (s *SwitcherNetwork) Send(h *Handle, msgs ...*Message) {
	s.lock.Lock()
	defer s.lock.Unlock()

	state := s.stopPlan(h)
	for _, msg := range msgs {
		if msg.Source.Device.Rank >= s.numDevices || msg.Dest.Device.Rank >= s.numDevices {
			panic(fmt.Sprintf("device outside of a %d-device switch", s.numDevices))
		}
		state = append(state, &switchedMsg{
			msg:              msg,
			remainingLatency: s.latency,
			remainingSize:    msg.Size,
		})
	}
	s.createPlan(h, state)
}

// stopPlan cancels the timers of the current plan and
// returns the state of the messages still in flight.
func (s *SwitcherNetwork) stopPlan(h *Handle) []*switchedMsg {
	var inFlight []*switchedMsg
	now := h.Time()
	for _, segment := range s.plan {
		if now >= segment.endTime {
			// These timers may already have fired.
			continue
		}
		if now >= segment.startTime {
			elapsed := now - segment.startTime
			for _, msg := range segment.startState {
				inFlight = append(inFlight, msg.AddTime(elapsed))
			}
		}
		for _, timer := range segment.timers {
			h.Cancel(timer)
		}
	}
	return inFlight
}

func (s *SwitcherNetwork) computeDataRates(state []*switchedMsg) {
	// The latency period is not treated specially: in
	// reality it clogs the sender but not the receiver.
	mat := NewConnMat(s.numDevices)
	counts := NewConnMat(s.numDevices)
	for _, msg := range state {
		src, dst := msg.endpoints()
		mat.Set(src, dst, 1)
		counts.Set(src, dst, counts.Get(src, dst)+1)
	}
	s.switcher.SwitchedRates(mat)
	for _, msg := range state {
		src, dst := msg.endpoints()
		msg.dataRate = mat.Get(src, dst) / counts.Get(src, dst)
	}
}

func (s *SwitcherNetwork) createPlan(h *Handle, state []*switchedMsg) {
	s.plan = make(switchedPlan, 0, len(state))
	startTime := h.Time()
	for len(state) > 0 {
		s.computeDataRates(state)

		nextMsgs, rest, lowestETA := messagesWithLowestETA(state)

		timers := make([]*Timer, len(nextMsgs))
		for i, msg := range nextMsgs {
			delay := startTime - h.Time() + lowestETA
			timers[i] = h.Schedule(msg.msg.Dest.Incoming, msg.msg, delay)
		}

		endTime := timers[0].Time()
		s.plan = append(s.plan, &switchedPlanSegment{
			startTime:  startTime,
			endTime:    endTime,
			timers:     timers,
			startState: state,
		})

		for i, msg := range rest {
			rest[i] = msg.AddTime(endTime - startTime)
		}
		state = rest
		startTime = endTime
	}
}

// switchedMsg is the transmission state of one message.
type switchedMsg struct {
	msg *Message

	remainingLatency float64

	remainingSize float64
	dataRate      float64
}

func (s *switchedMsg) endpoints() (src, dst int) {
	return s.msg.Source.Device.Rank, s.msg.Dest.Device.Rank
}

// ETA gets the time until the message is delivered at the
// current data rate.
func (s *switchedMsg) ETA() float64 {
	return math.Max(0, s.remainingLatency+s.remainingSize/s.dataRate)
}

// AddTime returns the state after t more units of time.
func (s *switchedMsg) AddTime(t float64) *switchedMsg {
	res := *s
	if t < res.remainingLatency {
		res.remainingLatency -= t
		return &res
	}
	t -= res.remainingLatency
	res.remainingLatency = 0
	res.remainingSize -= res.dataRate * t
	return &res
}

// switchedPlanSegment is a period during which the set of
// in-flight messages does not change. It ends with at
// least one delivery Timer.
type switchedPlanSegment struct {
	startTime float64
	endTime   float64
	timers    []*Timer

	startState []*switchedMsg
}

type switchedPlan []*switchedPlanSegment

func messagesWithLowestETA(msgs []*switchedMsg) (lowest, rest []*switchedMsg, lowestETA float64) {
	etas := make([]float64, len(msgs))
	for i, msg := range msgs {
		etas[i] = msg.ETA()
	}
	lowestETA = etas[0]
	for _, eta := range etas[1:] {
		lowestETA = math.Min(lowestETA, eta)
	}

	lowest = make([]*switchedMsg, 0, 1)
	rest = make([]*switchedMsg, 0, len(msgs)-1)
	for i, msg := range msgs {
		if etas[i] == lowestETA {
			lowest = append(lowest, msg)
		} else {
			rest = append(rest, msg)
		}
	}
	return lowest, rest, lowestETA
}

// An OrderedNetwork delivers the messages destined to a
// device in the order they were sent, at a fixed data
// Rate plus a random latency of up to MaxRandomLatency.
//
// Devices can be taken down with SetDown, which drops all
// of their traffic. This models a failed process or link.
type OrderedNetwork struct {
	Rate             float64
	MaxRandomLatency float64

	lock      sync.Mutex
	nextTimes map[*Device]float64
	downNodes map[*Device]bool
	timers    map[*Device][]*Timer
}

// NewOrderedNetwork creates an OrderedNetwork.
func NewOrderedNetwork(rate float64, maxRandomLatency float64) *OrderedNetwork {
	return &OrderedNetwork{
		Rate:             rate,
		MaxRandomLatency: maxRandomLatency,
		nextTimes:        map[*Device]float64{},
		downNodes:        map[*Device]bool{},
		timers:           map[*Device][]*Timer{},
	}
}

// Send sends the messages over the network in order.
func (o *OrderedNetwork) Send(h *Handle, msgs ...*Message) {
	o.lock.Lock()
	defer o.lock.Unlock()

	o.cleanupTimers(h)

	now := h.Time()
	for _, msg := range msgs {
		src := msg.Source.Device
		dest := msg.Dest.Device
		if o.downNodes[src] || o.downNodes[dest] {
			continue
		}
		delay := rand.Float64()*o.MaxRandomLatency + msg.Size/o.Rate

		// Queue behind whatever is still arriving at dest.
		if t, ok := o.nextTimes[dest]; ok && t > now {
			delay += t - now
		}
		o.nextTimes[dest] = now + delay

		timer := h.Schedule(msg.Dest.Incoming, msg, delay)
		o.timers[dest] = append(o.timers[dest], timer)
		o.timers[src] = append(o.timers[src], timer)
	}
}

// IsDown reports whether a device was taken down.
func (o *OrderedNetwork) IsDown(d *Device) bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.downNodes[d]
}

// SetDown takes a device down or brings it back up.
//
// Taking a device down cancels all messages in flight to
// or from it.
func (o *OrderedNetwork) SetDown(h *Handle, d *Device, down bool) {
	o.lock.Lock()
	defer o.lock.Unlock()

	o.downNodes[d] = down
	if !down {
		return
	}

	delete(o.nextTimes, d)

	o.cleanupTimers(h)
	canceled := map[*Timer]bool{}
	for _, t := range o.timers[d] {
		canceled[t] = true
		h.Cancel(t)
	}
	delete(o.timers, d)
	o.filterTimers(func(t *Timer) bool {
		return !canceled[t]
	})
}

func (o *OrderedNetwork) cleanupTimers(h *Handle) {
	now := h.Time()
	o.filterTimers(func(t *Timer) bool {
		return t.Time() >= now
	})
}

func (o *OrderedNetwork) filterTimers(keep func(t *Timer) bool) {
	for d, timers := range o.timers {
		for i := 0; i < len(timers); i++ {
			if !keep(timers[i]) {
				essentials.UnorderedDelete(&timers, i)
				i--
			}
		}
		o.timers[d] = timers
	}
}
