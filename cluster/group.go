package cluster

import (
	"github.com/google/uuid"
	"github.com/unixpickle/vit3d/collcomm"
	"github.com/unixpickle/vit3d/collcomm/allreduce"
	"github.com/unixpickle/vit3d/errdefs"
	"github.com/unixpickle/vit3d/mesh"
	"github.com/unixpickle/vit3d/simulator"
	"k8s.io/klog/v2"
)

// A Group is one process's handle on the processes that
// share all of its coordinates except the one along Axis.
//
// Every operation on a Group is a collective: all members
// must issue the same operations in the same order. Each
// operation gets its own sequence number, so operations
// never interleave on the wire even if the network
// reorders their messages.
//
// A Group is owned by its process's Goroutine and is not
// safe for concurrent use.
type Group struct {
	Axis mesh.Axis

	// ID is shared by all members of the group.
	ID uuid.UUID

	handle  *simulator.Handle
	network simulator.Network
	port    *simulator.Port
	ports   []*simulator.Port
	ranks   []int
	index   int
	mailbox *collcomm.Mailbox
	reducer allreduce.Allreducer

	seq    uint64
	closed bool
	stats  Stats
}

// Stats summarizes the traffic a process generated on a
// Group.
type Stats struct {
	Operations int
	Messages   int
	BytesSent  float64
}

// Add returns the sum of two Stats.
func (s Stats) Add(other Stats) Stats {
	return Stats{
		Operations: s.Operations + other.Operations,
		Messages:   s.Messages + other.Messages,
		BytesSent:  s.BytesSent + other.BytesSent,
	}
}

// Size returns the number of members.
func (g *Group) Size() int {
	return len(g.ranks)
}

// Index returns the local rank of the current process.
func (g *Group) Index() int {
	return g.index
}

// Ranks returns the global ranks of the members, in
// member order.
func (g *Group) Ranks() []int {
	return append([]int(nil), g.ranks...)
}

// Root returns the global rank of the first member.
func (g *Group) Root() int {
	return g.ranks[0]
}

// Stats returns the traffic statistics of this process.
func (g *Group) Stats() Stats {
	return g.stats
}

// Close marks the group as unusable. Later operations
// fail with a communication error.
func (g *Group) Close() {
	g.closed = true
}

// Broadcast sends the root member's vector to every
// member. The root is given as a local rank.
func (g *Group) Broadcast(vec []float64, root int) ([]float64, error) {
	c, err := g.begin("broadcast", len(vec))
	if err != nil {
		return nil, err
	}
	if root < 0 || root >= g.Size() {
		return nil, errdefs.Configurationf("broadcast root %d is outside of a %d-member group",
			root, g.Size())
	}
	return collcomm.Broadcast(c, vec, root), nil
}

// AllReduce sums the members' vectors with the configured
// all-reduce algorithm. Every member gets a bit-identical
// result.
func (g *Group) AllReduce(vec []float64) ([]float64, error) {
	c, err := g.begin("all-reduce", len(vec))
	if err != nil {
		return nil, err
	}
	return g.reducer.Allreduce(c, vec, collcomm.Sum), nil
}

// AllGather returns every member's vector, in member
// order.
func (g *Group) AllGather(vec []float64) ([][]float64, error) {
	c, err := g.begin("all-gather", len(vec))
	if err != nil {
		return nil, err
	}
	return collcomm.AllGather(c, vec), nil
}

// ReduceScatter splits every member's vector into Size()
// equal chunks and returns the sum of every member's chunk
// at the current process's local rank.
func (g *Group) ReduceScatter(vec []float64) ([]float64, error) {
	if len(vec)%g.Size() != 0 {
		return nil, errdefs.ShapeMismatchf("%s reduce-scatter of %d values over %d members",
			g.Axis, len(vec), g.Size())
	}
	c, err := g.begin("reduce-scatter", len(vec))
	if err != nil {
		return nil, err
	}
	return collcomm.ReduceScatter(c, vec, collcomm.Sum), nil
}

// A Shift is a ring rotation that has been started but
// not yet received.
type Shift struct {
	comms *collcomm.Comms
}

// StartShift sends vec to the next member of the ring
// without waiting. The caller may compute while the
// message is in flight and then call Wait to receive the
// previous member's vector.
func (g *Group) StartShift(vec []float64) (*Shift, error) {
	c, err := g.begin("shift", len(vec))
	if err != nil {
		return nil, err
	}
	collcomm.SendNext(c, vec)
	return &Shift{comms: c}, nil
}

// Wait blocks until the previous member's vector arrives.
func (s *Shift) Wait() []float64 {
	return collcomm.RecvPrev(s.comms)
}

func (g *Group) begin(op string, size int) (*collcomm.Comms, error) {
	if g.closed {
		return nil, errdefs.Communicationf("%s %s group %s is closed", op, g.Axis, g.ID)
	}
	if faulty, ok := g.network.(simulator.FaultyNetwork); ok {
		for _, port := range g.ports {
			if faulty.IsDown(port.Device) {
				klog.Errorf("%s on %s group %s: %v is down", op, g.Axis, g.ID, port.Device)
				return nil, errdefs.Communicationf("%s on %s group: %v is unreachable",
					op, g.Axis, port.Device)
			}
		}
	}
	g.seq++
	g.stats.Operations++
	klog.V(2).Infof("%v: %s #%d on %s group (%d values)", g.port.Device, op, g.seq, g.Axis, size)
	return &collcomm.Comms{
		Handle:  g.handle,
		Port:    g.port,
		Ports:   g.ports,
		Network: &countingNetwork{Network: g.network, stats: &g.stats},
		Scope:   g.ID,
		Tag:     g.seq,
		Mailbox: g.mailbox,
	}, nil
}

type countingNetwork struct {
	simulator.Network
	stats *Stats
}

func (c *countingNetwork) Send(h *simulator.Handle, msgs ...*simulator.Message) {
	for _, msg := range msgs {
		c.stats.Messages++
		c.stats.BytesSent += msg.Size
	}
	c.Network.Send(h, msgs...)
}
