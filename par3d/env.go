// Package par3d implements Vision Transformer layers whose
// parameters and activations are partitioned over the
// input, weight and output axes of a d×d×d process mesh.
//
// Every layer is a Module. A Forward call returns the local
// output shard together with a Backprop closure; calling
// the closure with the gradient of the output shard
// accumulates parameter gradients and returns the gradient
// of the input shard. Gradients of replicated parameters
// are partial until ReduceGradients is called.
//
// All processes of a mesh must construct the same modules
// and call Forward and Backprop in the same order, since
// every one of these calls issues collectives.
package par3d

import (
	"math/rand"

	"github.com/unixpickle/vit3d/cluster"
	"github.com/unixpickle/vit3d/mesh"
	"github.com/unixpickle/vit3d/tensor"
)

// A RotationSchedule decides how the weight shards of a
// Linear travel around the weight group.
type RotationSchedule int

const (
	// Overlapped sends the current shard to the next
	// member before multiplying by it.
	Overlapped RotationSchedule = iota

	// Blocking multiplies by the current shard and then
	// exchanges it.
	Blocking
)

func (r RotationSchedule) String() string {
	if r == Blocking {
		return "blocking"
	}
	return "overlapped"
}

// Env is everything a process needs to build and run
// partitioned modules.
type Env struct {
	Process *cluster.Process

	// Seed is the global seed. It must be the same on every
	// process.
	Seed int64

	Schedule RotationSchedule

	counter uint64
}

// NewEnv creates an Env for a process.
func NewEnv(p *cluster.Process, seed int64) *Env {
	return &Env{Process: p, Seed: seed}
}

// Depth returns the number of processes along each axis.
func (e *Env) Depth() int {
	return e.Process.Mesh.Depth()
}

// Mesh returns the process's view of the mesh.
func (e *Env) Mesh() *mesh.ProcessMesh {
	return e.Process.Mesh
}

// Group returns the process's group along an axis.
func (e *Env) Group(axis mesh.Axis) *cluster.Group {
	return e.Process.Group(axis)
}

// NextSeed derives a fresh seed from the global seed, the
// process's coordinates and a per-process call counter.
func (e *Env) NextSeed() int64 {
	seed := DeriveSeed(e.Seed, e.Process.Mesh.Coord(), e.counter)
	e.counter++
	return seed
}

// NextRand creates a generator seeded with NextSeed.
func (e *Env) NextRand() *rand.Rand {
	return rand.New(rand.NewSource(e.NextSeed()))
}

func (e *Env) compute(flops int) {
	e.Process.Compute(flops)
}

// DeriveSeed mixes a global seed, a mesh coordinate and a
// call counter into a seed. Distinct coordinates or
// counters give unrelated seeds.
func DeriveSeed(global int64, coord mesh.Coord, counter uint64) int64 {
	h := splitMix64(uint64(global))
	for _, x := range coord {
		h = splitMix64(h ^ uint64(x))
	}
	return int64(splitMix64(h ^ counter))
}

func splitMix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func dropoutMask(seed int64, p float64, shape []int) *tensor.Tensor {
	return tensor.DropoutMask(rand.New(rand.NewSource(seed)), p, shape...)
}
