package par3d

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/vit3d/cluster"
	"github.com/unixpickle/vit3d/mesh"
	"github.com/unixpickle/vit3d/simulator"
	"github.com/unixpickle/vit3d/tensor"
)

const testSeed = 1337

func runMesh(t *testing.T, depth int, f func(env *Env) error) float64 {
	t.Helper()
	cfg := cluster.Config{
		Depth: depth,
		Network: func(devices []*simulator.Device) simulator.Network {
			return simulator.RandomNetwork{MaxLatency: 1e-3}
		},
	}
	elapsed, err := cluster.Run(cfg, func(p *cluster.Process) error {
		return f(NewEnv(p, testSeed))
	})
	require.NoError(t, err)
	return elapsed
}

func otherAxis(alpha mesh.Axis) mesh.Axis {
	gamma, err := outputAxisFor(alpha)
	if err != nil {
		panic(err)
	}
	return gamma
}

// inputShard selects the block of a global tensor that a
// Linear with input axis alpha expects on a process.
func inputShard(x *tensor.Tensor, depth int, c mesh.Coord, alpha mesh.Axis) *tensor.Tensor {
	rows := x.Dim(0) / (depth * depth)
	cols := x.Dim(-1) / depth
	res := tensor.Narrow(x, 0, (c[mesh.Weight]*depth+c[alpha])*rows, rows)
	return tensor.Narrow(res, x.Rank()-1, c[otherAxis(alpha)]*cols, cols)
}

// outputShard selects the block of a global tensor that a
// Linear with input axis alpha produces on a process.
func outputShard(y *tensor.Tensor, depth int, c mesh.Coord, alpha mesh.Axis) *tensor.Tensor {
	rows := y.Dim(0) / (depth * depth)
	cols := y.Dim(-1) / depth
	res := tensor.Narrow(y, 0, (c[mesh.Weight]*depth+c[otherAxis(alpha)])*rows, rows)
	return tensor.Narrow(res, y.Rank()-1, c[alpha]*cols, cols)
}

// globalWeight assembles the weight shards of every rank.
func globalWeight(depth int, alpha mesh.Axis, shards []*tensor.Tensor) *tensor.Tensor {
	rows, cols := shards[0].Dim(0), shards[0].Dim(1)
	out := cols * depth * depth
	res := tensor.New(rows*depth, out)
	for rank, shard := range shards {
		c := mesh.CoordOf(depth, rank)
		rowStart := c[otherAxis(alpha)] * rows
		colStart := (c[alpha]*depth + c[mesh.Weight]) * cols
		for r := 0; r < rows; r++ {
			dst := (rowStart+r)*out + colStart
			copy(res.Data()[dst:dst+cols], shard.Data()[r*cols:(r+1)*cols])
		}
	}
	return res
}

// globalBias assembles the bias shards of every rank.
func globalBias(depth int, alpha mesh.Axis, shards []*tensor.Tensor) *tensor.Tensor {
	n := shards[0].Len()
	res := tensor.New(n * depth)
	for rank, shard := range shards {
		c := mesh.CoordOf(depth, rank)
		copy(res.Data()[c[alpha]*n:(c[alpha]+1)*n], shard.Data())
	}
	return res
}

// linearState is everything a test needs to rebuild a
// Linear's global parameters.
type linearState struct {
	weight, weightGrad *tensor.Tensor
	bias, biasGrad     *tensor.Tensor
}

func captureLinear(l *Linear) linearState {
	return linearState{
		weight:     l.Weight.Value,
		weightGrad: l.Weight.Grad,
		bias:       l.Bias.Value,
		biasGrad:   l.Bias.Grad,
	}
}

func field(states []linearState, f func(s linearState) *tensor.Tensor) []*tensor.Tensor {
	res := make([]*tensor.Tensor, len(states))
	for i, s := range states {
		res[i] = f(s)
	}
	return res
}

// loadLinear copies the global parameters described by
// per-rank states of a deeper mesh into a depth 1 Linear.
func loadLinear(l *Linear, depth int, states []linearState) {
	l.Weight.Value = globalWeight(depth, l.InputAxis(), field(states, func(s linearState) *tensor.Tensor {
		return s.weight
	}))
	l.Bias.Value = globalBias(depth, l.InputAxis(), field(states, func(s linearState) *tensor.Tensor {
		return s.bias
	}))
}

func assertLinearGrads(t *testing.T, l *Linear, depth int, states []linearState) {
	assertClose(t, l.Weight.Grad, globalWeight(depth, l.InputAxis(),
		field(states, func(s linearState) *tensor.Tensor { return s.weightGrad })))
	assertClose(t, l.Bias.Grad, globalBias(depth, l.InputAxis(),
		field(states, func(s linearState) *tensor.Tensor { return s.biasGrad })))
}

func assertClose(t *testing.T, expected, actual *tensor.Tensor) {
	t.Helper()
	if !assert.NotNil(t, actual) || !assert.Equal(t, expected.Shape(), actual.Shape()) {
		return
	}
	assert.InDelta(t, 0, tensor.MaxAbsDiff(expected, actual), 1e-9)
}
