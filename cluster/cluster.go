// Package cluster runs the processes of a simulated
// d×d×d mesh and gives each of them a communicator for
// every axis group it belongs to.
package cluster

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/unixpickle/vit3d/collcomm"
	"github.com/unixpickle/vit3d/collcomm/allreduce"
	"github.com/unixpickle/vit3d/errdefs"
	"github.com/unixpickle/vit3d/mesh"
	"github.com/unixpickle/vit3d/simulator"
	"k8s.io/klog/v2"
)

const (
	DefaultRate    = 1e9
	DefaultLatency = 1e-5
)

// Config describes a simulated cluster.
type Config struct {
	// Depth is the number of processes along every axis.
	Depth int

	// Network creates the network that connects the
	// devices. If nil, a switched network with DefaultRate
	// and DefaultLatency is used.
	Network func(devices []*simulator.Device) simulator.Network

	// Allreducer is used for every Group.AllReduce.
	// If nil, a RingAllreducer is used.
	Allreducer allreduce.Allreducer
}

func (c *Config) network(devices []*simulator.Device) simulator.Network {
	if c.Network != nil {
		return c.Network(devices)
	}
	switcher := simulator.NewGreedyDropSwitcher(len(devices), DefaultRate)
	return simulator.NewSwitcherNetwork(switcher, len(devices), DefaultLatency)
}

func (c *Config) allreducer() allreduce.Allreducer {
	if c.Allreducer != nil {
		return c.Allreducer
	}
	return allreduce.RingAllreducer{}
}

// A Process is one member of the mesh, running in its own
// Goroutine.
type Process struct {
	Handle  *simulator.Handle
	Device  *simulator.Device
	Mesh    *mesh.ProcessMesh
	Network simulator.Network

	groups [3]*Group
}

// Group returns the process's group along an axis.
func (p *Process) Group(axis mesh.Axis) *Group {
	return p.groups[axis]
}

// Compute accounts for flops floating-point operations of
// local work in virtual time.
func (p *Process) Compute(flops int) {
	if flops > 0 {
		p.Handle.Sleep(collcomm.FlopTime * float64(flops))
	}
}

// Stats returns the total traffic of the process over all
// of its groups.
func (p *Process) Stats() Stats {
	var res Stats
	for _, g := range p.groups {
		res = res.Add(g.Stats())
	}
	return res
}

// Close closes every group of the process.
func (p *Process) Close() {
	for _, g := range p.groups {
		g.Close()
	}
}

// Spawn creates the d³ processes of a mesh on the event
// loop and calls f for each of them in its own Goroutine.
//
// The caller is responsible for running the loop.
func Spawn(loop *simulator.EventLoop, cfg Config, f func(p *Process)) error {
	if cfg.Depth < 1 {
		return errdefs.Configurationf("mesh depth must be positive (got %d)", cfg.Depth)
	}
	size := cfg.Depth * cfg.Depth * cfg.Depth
	devices := simulator.NewDevices(size)
	network := cfg.network(devices)
	reducer := cfg.allreducer()

	processes := make([]*Process, size)
	for rank := range processes {
		m, err := mesh.New(cfg.Depth, rank)
		if err != nil {
			return err
		}
		processes[rank] = &Process{Device: devices[rank], Mesh: m, Network: network}
	}

	for _, axis := range mesh.Axes {
		for _, ranks := range mesh.ReplicaGroups(cfg.Depth, axis) {
			id := uuid.New()
			ports := make([]*simulator.Port, len(ranks))
			for i, rank := range ranks {
				ports[i] = devices[rank].Port(loop)
			}
			klog.V(1).Infof("created %s group %s with ranks %v", axis, id, ranks)
			for i, rank := range ranks {
				processes[rank].groups[axis] = &Group{
					Axis:    axis,
					ID:      id,
					network: network,
					port:    ports[i],
					ports:   ports,
					ranks:   ranks,
					index:   i,
					mailbox: collcomm.NewMailbox(ports[i], id),
					reducer: reducer,
				}
			}
		}
	}

	for _, p := range processes {
		p := p
		loop.Go(func(h *simulator.Handle) {
			p.Handle = h
			for _, g := range p.groups {
				g.handle = h
			}
			f(p)
		})
	}
	return nil
}

// Run simulates a mesh until every process returns, and
// returns the virtual time it took.
//
// If processes fail, the error of the lowest failing rank
// is returned, even if its peers were left hanging. A
// collective that some member never joins otherwise
// surfaces as simulator.ErrDeadlock.
func Run(cfg Config, f func(p *Process) error) (float64, error) {
	if cfg.Depth < 1 {
		return 0, errdefs.Configurationf("mesh depth must be positive (got %d)", cfg.Depth)
	}
	loop := simulator.NewEventLoop()
	errs := make([]error, cfg.Depth*cfg.Depth*cfg.Depth)
	err := Spawn(loop, cfg, func(p *Process) {
		errs[p.Mesh.Rank()] = f(p)
	})
	if err != nil {
		return 0, err
	}
	runErr := loop.Run()
	for rank, err := range errs {
		if err != nil {
			return loop.Time(), errors.WithMessagef(err, "rank %d", rank)
		}
	}
	return loop.Time(), runErr
}
