package par3d

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/vit3d/cluster"
	"github.com/unixpickle/vit3d/errdefs"
	"github.com/unixpickle/vit3d/mesh"
	"github.com/unixpickle/vit3d/simulator"
	"github.com/unixpickle/vit3d/tensor"
)

func TestLinearMatchesDense(t *testing.T) {
	// Divisible by d² for depths 2 and 3. At depth 3 the
	// weight ring has a direction.
	const batch, seq, in, out = 36, 2, 6, 36
	rng := rand.New(rand.NewSource(0))
	x := tensor.Normal(rng, 1, batch, seq, in)
	bias := tensor.Normal(rng, 1, out)
	grad := tensor.Normal(rng, 1, batch, seq, out)

	for _, depth := range []int{1, 2, 3} {
		for _, alpha := range []mesh.Axis{mesh.Input, mesh.Output} {
			for _, schedule := range []RotationSchedule{Overlapped, Blocking} {
				name := fmt.Sprintf("Depth=%d,Input=%v,Schedule=%v", depth, alpha, schedule)
				t.Run(name, func(t *testing.T) {
					n := depth * depth * depth
					states := make([]linearState, n)
					outputs := make([]*tensor.Tensor, n)
					inputGrads := make([]*tensor.Tensor, n)
					runMesh(t, depth, func(env *Env) error {
						env.Schedule = schedule
						l, err := NewLinear(env, "fc", in, out, alpha, true)
						if err != nil {
							return err
						}
						c := env.Mesh().Coord()
						l.Bias.Value = tensor.Narrow(bias, 0, c[alpha]*out/depth, out/depth)

						y, backprop, err := l.Forward(inputShard(x, depth, c, alpha))
						if err != nil {
							return err
						}
						dx, err := backprop(outputShard(grad, depth, c, alpha))
						if err != nil {
							return err
						}
						if err := ReduceGradients(l.Parameters()); err != nil {
							return err
						}
						rank := env.Mesh().Rank()
						states[rank] = captureLinear(l)
						outputs[rank] = y
						inputGrads[rank] = dx
						return nil
					})

					w := globalWeight(depth, alpha, field(states, func(s linearState) *tensor.Tensor {
						return s.weight
					}))
					expected := tensor.AddRow(tensor.MatMul(x, w), bias)
					expectedInputGrad := tensor.MatMulTransB(grad, w)
					for rank := range outputs {
						c := mesh.CoordOf(depth, rank)
						assertClose(t, outputShard(expected, depth, c, alpha), outputs[rank])
						assertClose(t, inputShard(expectedInputGrad, depth, c, alpha), inputGrads[rank])
					}
					assertClose(t, tensor.MatMulTransA(x, grad), globalWeight(depth, alpha,
						field(states, func(s linearState) *tensor.Tensor { return s.weightGrad })))
					assertClose(t, tensor.SumRows(grad), globalBias(depth, alpha,
						field(states, func(s linearState) *tensor.Tensor { return s.biasGrad })))
				})
			}
		}
	}
}

func TestLinearChaining(t *testing.T) {
	runMesh(t, 2, func(env *Env) error {
		first, err := NewLinear(env, "first", 4, 8, mesh.Input, false)
		if err != nil {
			return err
		}
		second, err := NewLinear(env, "second", 8, 4, first.OutputAxis(), false)
		if err != nil {
			return err
		}
		assert.Equal(t, mesh.Output, first.OutputAxis())
		assert.Equal(t, mesh.Input, second.OutputAxis())
		assert.Len(t, first.Parameters(), 1)
		assert.Empty(t, first.Weight.Replicas())

		x := tensor.New(2, 3, 2)
		h, _, err := first.Forward(x)
		if err != nil {
			return err
		}
		assert.Equal(t, []int{2, 3, 4}, h.Shape())
		y, _, err := second.Forward(h)
		if err != nil {
			return err
		}
		assert.Equal(t, x.Shape(), y.Shape())
		return nil
	})
}

func TestLinearBiasReplicas(t *testing.T) {
	runMesh(t, 2, func(env *Env) error {
		l, err := NewLinear(env, "fc", 4, 8, mesh.Output, true)
		if err != nil {
			return err
		}
		assert.Equal(t, []mesh.Axis{mesh.Input, mesh.Weight}, l.Bias.Replicas())
		assert.Equal(t, "fc.bias", l.Bias.Name)
		assert.Equal(t, []int{2, 2}, l.Weight.Value.Shape())
		return nil
	})
}

func TestLinearErrors(t *testing.T) {
	runMesh(t, 2, func(env *Env) error {
		_, err := NewLinear(env, "fc", 3, 8, mesh.Input, true)
		assert.True(t, errdefs.IsShapeMismatch(err), "input features: %v", err)
		_, err = NewLinear(env, "fc", 4, 6, mesh.Input, true)
		assert.True(t, errdefs.IsShapeMismatch(err), "output features: %v", err)
		_, err = NewLinear(env, "fc", 4, 8, mesh.Weight, true)
		assert.True(t, errdefs.IsConfiguration(err), "weight axis: %v", err)

		l, err := NewLinear(env, "fc", 4, 8, mesh.Input, true)
		if err != nil {
			return err
		}
		_, _, err = l.Forward(tensor.New(2, 3))
		assert.True(t, errdefs.IsShapeMismatch(err), "input shard: %v", err)
		return nil
	})
}

func TestOverlappedRotationIsFaster(t *testing.T) {
	elapsed := map[RotationSchedule]float64{}
	for _, schedule := range []RotationSchedule{Overlapped, Blocking} {
		cfg := cluster.Config{
			Depth: 2,
			Network: func(devices []*simulator.Device) simulator.Network {
				return simulator.NewOrderedNetwork(1e6, 0)
			},
		}
		var err error
		elapsed[schedule], err = cluster.Run(cfg, func(p *cluster.Process) error {
			env := NewEnv(p, testSeed)
			env.Schedule = schedule
			l, err := NewLinear(env, "fc", 64, 256, mesh.Input, false)
			if err != nil {
				return err
			}
			_, _, err = l.Forward(tensor.New(2, 64, 32))
			return err
		})
		require.NoError(t, err)
	}
	assert.Less(t, elapsed[Overlapped], elapsed[Blocking])
}

func TestSyncOnClosedGroup(t *testing.T) {
	runMesh(t, 2, func(env *Env) error {
		env.Group(mesh.Weight).Close()
		_, err := NewLinear(env, "fc", 4, 8, mesh.Input, true)
		assert.True(t, errdefs.IsCommunication(err), "got %v", err)
		return nil
	})
}
