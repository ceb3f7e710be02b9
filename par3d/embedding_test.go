package par3d

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/unixpickle/vit3d/errdefs"
	"github.com/unixpickle/vit3d/mesh"
	"github.com/unixpickle/vit3d/tensor"
)

func TestPatchEmbeddingScenario(t *testing.T) {
	images := tensor.Normal(rand.New(rand.NewSource(0)), 1, 8, 3, 224, 224)
	cfg := EmbeddingConfig{ImageSize: 224, PatchSize: 16, InChannels: 3, EmbedSize: 8}
	runMesh(t, 2, func(env *Env) error {
		e, err := NewPatchEmbedding(env, "embed", cfg)
		if err != nil {
			return err
		}
		assert.Equal(t, 197, e.SeqLen())
		y, _, err := e.Forward(images)
		if err != nil {
			return err
		}
		assert.Equal(t, []int{2, 197, 4}, y.Shape())
		return nil
	})
}

func TestPatchEmbeddingMatchesSingleDevice(t *testing.T) {
	const depth, batch, embed = 2, 4, 4
	cfg := EmbeddingConfig{ImageSize: 8, PatchSize: 4, InChannels: 2, EmbedSize: embed}
	rng := rand.New(rand.NewSource(1))
	images := tensor.Normal(rng, 1, batch, 2, 8, 8)
	weight := tensor.Normal(rng, 1, embed, 32)
	bias := tensor.Normal(rng, 1, embed)
	cls := tensor.Normal(rng, 1, 1, 1, embed)
	pos := tensor.Normal(rng, 1, 1, 5, embed)
	grad := tensor.Normal(rng, 1, batch, 5, embed)

	load := func(e *PatchEmbedding, d, k int) {
		n := embed / d
		e.Weight.Value = tensor.Narrow(weight, 0, k*n, n)
		e.Bias.Value = tensor.Narrow(bias, 0, k*n, n)
		e.ClassTok.Value = tensor.Narrow(cls, 2, k*n, n)
		e.PosEmbed.Value = tensor.Narrow(pos, 2, k*n, n)
	}

	var expected *tensor.Tensor
	var expectedGrads []*tensor.Tensor
	runMesh(t, 1, func(env *Env) error {
		e, err := NewPatchEmbedding(env, "embed", cfg)
		if err != nil {
			return err
		}
		load(e, 1, 0)
		y, backprop, err := e.Forward(images)
		if err != nil {
			return err
		}
		inputGrad, err := backprop(grad)
		assert.Nil(t, inputGrad)
		expected = y
		for _, p := range e.Parameters() {
			expectedGrads = append(expectedGrads, p.Grad)
		}
		return err
	})

	n := depth * depth * depth
	outputs := make([]*tensor.Tensor, n)
	grads := make([][]*tensor.Tensor, n)
	runMesh(t, depth, func(env *Env) error {
		e, err := NewPatchEmbedding(env, "embed", cfg)
		if err != nil {
			return err
		}
		c := env.Mesh().Coord()
		load(e, depth, c[mesh.Output])
		y, backprop, err := e.Forward(images)
		if err != nil {
			return err
		}
		if _, err := backprop(inputShard(grad, depth, c, mesh.Input)); err != nil {
			return err
		}
		if err := ReduceGradients(e.Parameters()); err != nil {
			return err
		}
		rank := env.Mesh().Rank()
		outputs[rank] = y
		for _, p := range e.Parameters() {
			grads[rank] = append(grads[rank], p.Grad)
		}
		return nil
	})

	for rank, y := range outputs {
		c := mesh.CoordOf(depth, rank)
		assertClose(t, inputShard(expected, depth, c, mesh.Input), y)
		k := c[mesh.Output]
		shardDims := []int{0, 0, 2, 2}
		for i, g := range grads[rank] {
			dim := shardDims[i]
			size := expectedGrads[i].Dim(dim) / depth
			assertClose(t, tensor.Narrow(expectedGrads[i], dim, k*size, size), g)
		}
	}
}

func TestPatchEmbeddingReplicas(t *testing.T) {
	runMesh(t, 2, func(env *Env) error {
		e, err := NewPatchEmbedding(env, "embed", EmbeddingConfig{
			ImageSize: 8, PatchSize: 4, InChannels: 1, EmbedSize: 4,
		})
		if err != nil {
			return err
		}
		for _, p := range e.Parameters() {
			assert.Equal(t, []mesh.Axis{mesh.Input, mesh.Weight}, p.Replicas(), p.Name)
		}
		assert.Equal(t, []int{2, 16}, e.Weight.Value.Shape())
		assert.Equal(t, []int{1, 5, 2}, e.PosEmbed.Value.Shape())
		return nil
	})
}

func TestPatchEmbeddingErrors(t *testing.T) {
	runMesh(t, 2, func(env *Env) error {
		_, err := NewPatchEmbedding(env, "embed", EmbeddingConfig{
			ImageSize: 30, PatchSize: 16, InChannels: 3, EmbedSize: 8,
		})
		assert.True(t, errdefs.IsShapeMismatch(err), "image size: %v", err)
		_, err = NewPatchEmbedding(env, "embed", EmbeddingConfig{
			ImageSize: 32, PatchSize: 16, InChannels: 3, EmbedSize: 5,
		})
		assert.True(t, errdefs.IsShapeMismatch(err), "embed size: %v", err)
		_, err = NewPatchEmbedding(env, "embed", EmbeddingConfig{
			ImageSize: 32, PatchSize: 16, InChannels: 3, EmbedSize: 8, DropProb: 1.5,
		})
		assert.True(t, errdefs.IsConfiguration(err), "dropout: %v", err)

		e, err := NewPatchEmbedding(env, "embed", EmbeddingConfig{
			ImageSize: 8, PatchSize: 4, InChannels: 1, EmbedSize: 4,
		})
		if err != nil {
			return err
		}
		_, _, err = e.Forward(tensor.New(4, 1, 12, 12))
		assert.True(t, errdefs.IsShapeMismatch(err), "spatial size: %v", err)
		_, _, err = e.Forward(tensor.New(3, 1, 8, 8))
		assert.True(t, errdefs.IsShapeMismatch(err), "batch: %v", err)
		_, _, err = e.Forward(tensor.New(0, 1, 8, 8))
		assert.True(t, errdefs.IsShapeMismatch(err), "empty batch: %v", err)
		return nil
	})
}
