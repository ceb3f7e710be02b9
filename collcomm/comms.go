package collcomm

import (
	"github.com/google/uuid"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/vit3d/simulator"
	"k8s.io/klog/v2"
)

// Comms is one process's view of a single collective
// operation over a set of ports.
//
// Every message a Comms sends is stamped with its Scope
// and Tag, and its receives only return messages with the
// same stamp. A long-lived group therefore creates a new
// Comms (with a fresh Tag) for every operation, which keeps
// consecutive operations on the same ports from
// interfering even when the network reorders messages.
type Comms struct {
	// Handle is the process's main Goroutine's handle on
	// the event loop.
	Handle *simulator.Handle

	// Port is the current process's port.
	Port *simulator.Port

	// Ports contains the ports of all the members of the
	// operation, including Port, in member order.
	Ports []*simulator.Port

	// Network is the network connecting the members.
	Network simulator.Network

	// Scope identifies the group that owns the ports.
	Scope uuid.UUID

	// Tag identifies the operation within the Scope.
	Tag uint64

	// Mailbox holds messages that arrived on Port ahead
	// of the operation they belong to.
	Mailbox *Mailbox
}

// An Envelope is the wire format of every message sent
// through a Comms.
type Envelope struct {
	Scope uuid.UUID
	Tag   uint64
	Body  interface{}
}

// SpawnComms creates Comms objects for every device and
// calls f for each device in its own Goroutine.
//
// The Comms share a fresh Scope and use Tag 0, so they are
// meant for a single operation.
func SpawnComms(loop *simulator.EventLoop, network simulator.Network, devices []*simulator.Device,
	f func(c *Comms)) {
	ports := make([]*simulator.Port, len(devices))
	for i, device := range devices {
		ports[i] = device.Port(loop)
	}
	scope := uuid.New()
	for i := range devices {
		port := ports[i]
		loop.Go(func(h *simulator.Handle) {
			f(&Comms{
				Handle:  h,
				Port:    port,
				Ports:   ports,
				Network: network,
				Scope:   scope,
				Mailbox: NewMailbox(port, scope),
			})
		})
	}
}

// Size gets the number of members.
func (c *Comms) Size() int {
	return len(c.Ports)
}

// Bcast sends a vector to every other member.
func (c *Comms) Bcast(vec []float64) {
	messages := make([]*simulator.Message, 0, len(c.Ports)-1)
	for _, port := range c.Ports {
		if port == c.Port {
			continue
		}
		messages = append(messages, c.message(port, cloneVec(vec), vecSize(vec)))
	}
	c.Network.Send(c.Handle, messages...)
}

// Send schedules a vector to be sent to the destination.
//
// The vector is copied, so the caller may reuse it.
func (c *Comms) Send(dst *simulator.Port, vec []float64) {
	c.Network.Send(c.Handle, c.message(dst, cloneVec(vec), vecSize(vec)))
}

// SendPacket sends an arbitrary payload of the given wire
// size to the destination.
func (c *Comms) SendPacket(dst *simulator.Port, body interface{}, size float64) {
	c.Network.Send(c.Handle, c.message(dst, body, size))
}

// Recv receives the next vector of this operation, from
// any member.
func (c *Comms) Recv() ([]float64, *simulator.Port) {
	body, src := c.RecvPacket()
	return body.([]float64), src
}

// RecvFrom receives the next vector of this operation sent
// by src.
func (c *Comms) RecvFrom(src *simulator.Port) []float64 {
	msg := c.Mailbox.Recv(c.Handle, c.Tag, src)
	return msg.Payload.(*Envelope).Body.([]float64)
}

// RecvPacket receives the next payload of this operation,
// from any member.
func (c *Comms) RecvPacket() (interface{}, *simulator.Port) {
	msg := c.Mailbox.Recv(c.Handle, c.Tag, nil)
	return msg.Payload.(*Envelope).Body, msg.Source
}

// phaseShift leaves room below it for the Tags allocated
// by long-lived groups.
const phaseShift = 40

// Phase returns a copy of c for step i of a multi-step
// operation. Every phase has its own Tag, so a message of
// a later step can overtake an earlier one without being
// mistaken for it.
func (c *Comms) Phase(i int) *Comms {
	res := *c
	res.Tag = c.Tag ^ (uint64(i+1) << phaseShift)
	return &res
}

// Index returns the current member's index.
func (c *Comms) Index() int {
	return c.IndexOf(c.Port)
}

// IndexOf returns any member's index.
func (c *Comms) IndexOf(p *simulator.Port) int {
	for i, port := range c.Ports {
		if port == p {
			return i
		}
	}
	panic("unreachable")
}

func (c *Comms) message(dst *simulator.Port, body interface{}, size float64) *simulator.Message {
	return &simulator.Message{
		Source:  c.Port,
		Dest:    dst,
		Payload: &Envelope{Scope: c.Scope, Tag: c.Tag, Body: body},
		Size:    size,
	}
}

// A Mailbox demultiplexes the messages arriving on one Port
// by operation tag.
//
// It is owned by the Goroutine that reads the Port and is
// not safe for concurrent use.
type Mailbox struct {
	port  *simulator.Port
	scope uuid.UUID
	early map[uint64][]*simulator.Message
}

// NewMailbox creates a Mailbox reading from port and
// accepting messages of the given scope.
func NewMailbox(port *simulator.Port, scope uuid.UUID) *Mailbox {
	return &Mailbox{
		port:  port,
		scope: scope,
		early: map[uint64][]*simulator.Message{},
	}
}

// Pending returns the number of parked messages.
func (m *Mailbox) Pending() int {
	var n int
	for _, msgs := range m.early {
		n += len(msgs)
	}
	return n
}

// Recv blocks until a message with the given tag arrives
// and returns it. If src is not nil, only messages sent
// from src are considered.
//
// Messages of other operations are parked for later calls,
// preserving their arrival order. Messages of a foreign
// scope are dropped.
func (m *Mailbox) Recv(h *simulator.Handle, tag uint64, src *simulator.Port) *simulator.Message {
	if msg := m.takeEarly(tag, src); msg != nil {
		return msg
	}
	for {
		msg := m.port.Recv(h)
		env, ok := msg.Payload.(*Envelope)
		if !ok || env.Scope != m.scope {
			klog.Warningf("dropping message from %v outside of scope %s", msg.Source.Device, m.scope)
			continue
		}
		if env.Tag == tag && (src == nil || msg.Source == src) {
			return msg
		}
		m.early[env.Tag] = append(m.early[env.Tag], msg)
	}
}

func (m *Mailbox) takeEarly(tag uint64, src *simulator.Port) *simulator.Message {
	queue := m.early[tag]
	for i, msg := range queue {
		if src == nil || msg.Source == src {
			essentials.OrderedDelete(&queue, i)
			if len(queue) == 0 {
				delete(m.early, tag)
			} else {
				m.early[tag] = queue
			}
			return msg
		}
	}
	return nil
}

func cloneVec(vec []float64) []float64 {
	return append([]float64(nil), vec...)
}

func vecSize(vec []float64) float64 {
	return float64(len(vec) * simulator.Float64Bytes)
}
