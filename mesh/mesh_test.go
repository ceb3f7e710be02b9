package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/vit3d/errdefs"
)

func TestCoordBijection(t *testing.T) {
	for depth := 1; depth <= 4; depth++ {
		seen := map[Coord]bool{}
		for rank := 0; rank < depth*depth*depth; rank++ {
			c := CoordOf(depth, rank)
			for _, x := range c {
				assert.True(t, x >= 0 && x < depth)
			}
			assert.False(t, seen[c], "duplicate coordinate %v", c)
			seen[c] = true
			assert.Equal(t, rank, RankOf(depth, c))
		}
	}
}

func TestAxisGroups(t *testing.T) {
	m, err := New(2, 5)
	require.NoError(t, err)
	assert.Equal(t, Coord{1, 0, 1}, m.Coord())

	assert.Equal(t, []int{1, 5}, m.AxisGroup(Input))
	assert.Equal(t, []int{5, 7}, m.AxisGroup(Weight))
	assert.Equal(t, []int{4, 5}, m.AxisGroup(Output))

	assert.Equal(t, 1, m.LocalRank(Input))
	assert.Equal(t, 0, m.LocalRank(Weight))
	assert.Equal(t, 1, m.LocalRank(Output))

	assert.Equal(t, 1, m.RootRank(Input))
	assert.Equal(t, 5, m.RootRank(Weight))
	assert.Equal(t, 4, m.RootRank(Output))
}

func TestGroupsAreOrthogonal(t *testing.T) {
	const depth = 3
	for rank := 0; rank < depth*depth*depth; rank++ {
		m, err := New(depth, rank)
		require.NoError(t, err)
		for _, axis := range Axes {
			group := m.AxisGroup(axis)
			require.Len(t, group, depth)
			assert.Equal(t, rank, group[m.LocalRank(axis)])
			for _, other := range Axes {
				if other == axis {
					continue
				}
				shared := 0
				for _, r := range m.AxisGroup(other) {
					for _, r1 := range group {
						if r == r1 {
							shared++
						}
					}
				}
				assert.Equal(t, 1, shared, "groups %v and %v must only share rank %d", axis, other, rank)
			}
		}
	}
}

func TestReplicaGroups(t *testing.T) {
	assert.Equal(t, [][]int{{0, 4}, {1, 5}, {2, 6}, {3, 7}}, ReplicaGroups(2, Input))
	assert.Equal(t, [][]int{{0, 2}, {1, 3}, {4, 6}, {5, 7}}, ReplicaGroups(2, Weight))
	assert.Equal(t, [][]int{{0, 1}, {2, 3}, {4, 5}, {6, 7}}, ReplicaGroups(2, Output))

	for _, axis := range Axes {
		count := map[int]int{}
		for _, group := range ReplicaGroups(3, axis) {
			for _, r := range group {
				count[r]++
			}
		}
		assert.Len(t, count, 27)
		for _, c := range count {
			assert.Equal(t, 1, c)
		}
	}
}

func TestFromWorld(t *testing.T) {
	m, err := FromWorld(8, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Depth())
	assert.Equal(t, 8, m.Size())

	m, err = FromWorld(1, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, m.AxisGroup(Weight))

	_, err = FromWorld(12, 0)
	assert.True(t, errdefs.IsConfiguration(err))
	_, err = FromWorld(0, 0)
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestNewErrors(t *testing.T) {
	_, err := New(0, 0)
	assert.True(t, errdefs.IsConfiguration(err))
	_, err = New(2, 8)
	assert.True(t, errdefs.IsConfiguration(err))
	_, err = New(2, -1)
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestDepthFromEnv(t *testing.T) {
	t.Setenv(DepthEnv, "3")
	depth, err := DepthFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	for _, bad := range []string{"", "two", "0", "-2"} {
		t.Setenv(DepthEnv, bad)
		_, err := DepthFromEnv()
		assert.True(t, errdefs.IsConfiguration(err), "value %q", bad)
	}
}

func TestAxisString(t *testing.T) {
	assert.Equal(t, "input", Input.String())
	assert.Equal(t, "weight", Weight.String())
	assert.Equal(t, "output", Output.String())
	assert.Equal(t, "Axis(7)", Axis(7).String())
}
