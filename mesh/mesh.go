// Package mesh maps the global ranks of a d×d×d cluster to
// coordinates along its input, weight and output axes.
//
// Ranks are laid out row-major: rank = i*d*d + j*d + k,
// where i, j and k are the coordinates along the input,
// weight and output axes respectively.
package mesh

import (
	"fmt"
	"os"
	"strconv"

	"github.com/unixpickle/vit3d/errdefs"
)

// DepthEnv is the environment variable that holds the
// depth of the mesh.
const DepthEnv = "DEPTH_3D"

// An Axis is one of the three orthogonal directions of a
// mesh.
type Axis int

const (
	Input Axis = iota
	Weight
	Output
)

// Axes lists every axis in the order gradients are
// reduced along them.
var Axes = []Axis{Input, Weight, Output}

func (a Axis) String() string {
	switch a {
	case Input:
		return "input"
	case Weight:
		return "weight"
	case Output:
		return "output"
	}
	return fmt.Sprintf("Axis(%d)", int(a))
}

// A Coord is a position in the mesh, one component per
// axis.
type Coord [3]int

// Along returns the component of c for an axis.
func (c Coord) Along(a Axis) int {
	return c[a]
}

// A ProcessMesh is the immutable view of the mesh from one
// process.
type ProcessMesh struct {
	depth int
	rank  int
	coord Coord
}

// New creates the mesh of the given depth as seen by the
// process with the given global rank.
func New(depth, rank int) (*ProcessMesh, error) {
	if depth < 1 {
		return nil, errdefs.Configurationf("mesh depth must be positive (got %d)", depth)
	}
	if rank < 0 || rank >= depth*depth*depth {
		return nil, errdefs.Configurationf("rank %d is outside of a %d-process mesh",
			rank, depth*depth*depth)
	}
	return &ProcessMesh{depth: depth, rank: rank, coord: CoordOf(depth, rank)}, nil
}

// FromWorld creates a mesh from the total number of
// processes, which must be a perfect cube.
func FromWorld(worldSize, rank int) (*ProcessMesh, error) {
	depth, ok := CubeRoot(worldSize)
	if !ok {
		return nil, errdefs.Configurationf("world size %d is not a perfect cube", worldSize)
	}
	return New(depth, rank)
}

// DepthFromEnv reads the mesh depth from DepthEnv.
func DepthFromEnv() (int, error) {
	value, ok := os.LookupEnv(DepthEnv)
	if !ok {
		return 0, errdefs.Configurationf("%s is not set", DepthEnv)
	}
	depth, err := strconv.Atoi(value)
	if err != nil {
		return 0, errdefs.Configurationf("%s=%q is not an integer", DepthEnv, value)
	}
	if depth < 1 {
		return 0, errdefs.Configurationf("%s must be positive (got %d)", DepthEnv, depth)
	}
	return depth, nil
}

// CubeRoot returns the integer cube root of n, if n is a
// positive perfect cube.
func CubeRoot(n int) (int, bool) {
	if n < 1 {
		return 0, false
	}
	for d := 1; d*d*d <= n; d++ {
		if d*d*d == n {
			return d, true
		}
	}
	return 0, false
}

// CoordOf converts a global rank into mesh coordinates.
func CoordOf(depth, rank int) Coord {
	return Coord{rank / (depth * depth), (rank / depth) % depth, rank % depth}
}

// RankOf converts mesh coordinates into a global rank.
func RankOf(depth int, c Coord) int {
	return c[Input]*depth*depth + c[Weight]*depth + c[Output]
}

// Depth returns the number of processes along each axis.
func (p *ProcessMesh) Depth() int {
	return p.depth
}

// Size returns the total number of processes.
func (p *ProcessMesh) Size() int {
	return p.depth * p.depth * p.depth
}

// Rank returns this process's global rank.
func (p *ProcessMesh) Rank() int {
	return p.rank
}

// Coord returns this process's coordinates.
func (p *ProcessMesh) Coord() Coord {
	return p.coord
}

// AxisGroup returns the global ranks of the processes that
// share every coordinate with this one except the one along
// axis, ordered by that coordinate.
func (p *ProcessMesh) AxisGroup(axis Axis) []int {
	return groupAlong(p.depth, p.coord, axis)
}

// LocalRank returns this process's index in its group
// along axis.
func (p *ProcessMesh) LocalRank(axis Axis) int {
	return p.coord.Along(axis)
}

// RootRank returns the global rank of the first member of
// this process's group along axis.
func (p *ProcessMesh) RootRank(axis Axis) int {
	return p.AxisGroup(axis)[0]
}

func (p *ProcessMesh) String() string {
	return fmt.Sprintf("rank %d (input=%d, weight=%d, output=%d)", p.rank,
		p.coord[Input], p.coord[Weight], p.coord[Output])
}

// ReplicaGroups lists every group along axis in a mesh of
// the given depth. The groups partition the ranks, and the
// groups themselves are ordered by the smallest rank they
// contain.
func ReplicaGroups(depth int, axis Axis) [][]int {
	var groups [][]int
	for rank := 0; rank < depth*depth*depth; rank++ {
		c := CoordOf(depth, rank)
		if c.Along(axis) == 0 {
			groups = append(groups, groupAlong(depth, c, axis))
		}
	}
	return groups
}

func groupAlong(depth int, c Coord, axis Axis) []int {
	res := make([]int, depth)
	for i := range res {
		c[axis] = i
		res[i] = RankOf(depth, c)
	}
	return res
}
