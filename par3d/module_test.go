package par3d

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/vit3d/errdefs"
	"github.com/unixpickle/vit3d/mesh"
	"github.com/unixpickle/vit3d/tensor"
)

func TestBuild(t *testing.T) {
	runMesh(t, 2, func(env *Env) error {
		for _, layer := range smallViT.Layers()[:4] {
			m, err := Build(env, layer)
			if err != nil {
				return err
			}
			switch layer.Kind {
			case KindPatchEmbedding:
				assert.IsType(t, &PatchEmbedding{}, m)
			case KindSelfAttention:
				assert.IsType(t, &SelfAttention{}, m)
			case KindMLP:
				assert.IsType(t, &MLP{}, m)
			}
		}
		m, err := Build(env, LayerConfig{Kind: KindHead, Head: HeadConfig{InFeatures: 8, NumClasses: 2}})
		if err != nil {
			return err
		}
		assert.IsType(t, &Head{}, m)
		assert.Equal(t, "head.linear.weight", m.Parameters()[0].Name)

		_, err = Build(env, LayerConfig{Kind: Kind(9)})
		assert.True(t, errdefs.IsConfiguration(err))
		return nil
	})
}

func TestParseKind(t *testing.T) {
	for _, kind := range []Kind{KindPatchEmbedding, KindSelfAttention, KindMLP, KindHead} {
		parsed, err := ParseKind(kind.String())
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}
	_, err := ParseKind("conv")
	assert.True(t, errdefs.IsConfiguration(err))
	assert.Equal(t, "Kind(9)", Kind(9).String())
}

func TestDeriveSeed(t *testing.T) {
	base := DeriveSeed(1, mesh.Coord{0, 1, 0}, 0)
	assert.Equal(t, base, DeriveSeed(1, mesh.Coord{0, 1, 0}, 0))
	assert.NotEqual(t, base, DeriveSeed(2, mesh.Coord{0, 1, 0}, 0))
	assert.NotEqual(t, base, DeriveSeed(1, mesh.Coord{1, 0, 0}, 0))
	assert.NotEqual(t, base, DeriveSeed(1, mesh.Coord{0, 0, 1}, 0))
	assert.NotEqual(t, base, DeriveSeed(1, mesh.Coord{0, 1, 0}, 1))
}

func TestEnvSeeds(t *testing.T) {
	seeds := make([][]int64, 8)
	runMesh(t, 2, func(env *Env) error {
		rank := env.Mesh().Rank()
		for i := 0; i < 3; i++ {
			seeds[rank] = append(seeds[rank], env.NextSeed())
		}
		assert.Equal(t, DeriveSeed(testSeed, env.Mesh().Coord(), 2), seeds[rank][2])
		return nil
	})
	seen := map[int64]bool{}
	for _, s := range seeds {
		for _, seed := range s {
			assert.False(t, seen[seed])
			seen[seed] = true
		}
	}
}

func TestParameterGradients(t *testing.T) {
	runMesh(t, 2, func(env *Env) error {
		p := newParameter(env, "p", tensor.New(2), mesh.Output, mesh.Input)
		assert.Equal(t, []mesh.Axis{mesh.Input, mesh.Output}, p.Replicas())
		assert.False(t, p.IsReplicatedAlong(mesh.Weight))

		p.AccumulateGrad(tensor.FromData([]float64{1, 2}, 2))
		p.AccumulateGrad(tensor.FromData([]float64{1, 0}, 2))
		assert.Equal(t, []float64{2, 2}, p.Grad.Data())
		assert.Panics(t, func() { p.AccumulateGrad(tensor.New(3)) })

		if err := p.ReduceGradient(); err != nil {
			return err
		}
		assert.True(t, p.Reduced())
		assert.Equal(t, []float64{8, 8}, p.Grad.Data())

		p.ZeroGrad()
		assert.Nil(t, p.Grad)
		assert.False(t, p.Reduced())

		// Replicas without a gradient still take part.
		if env.Mesh().Rank()%2 == 0 {
			p.AccumulateGrad(tensor.FromData([]float64{1, 1}, 2))
		}
		if err := p.ReduceGradient(); err != nil {
			return err
		}
		assert.Equal(t, []float64{2, 2}, p.Grad.Data())
		return nil
	})
}

func TestParameterSync(t *testing.T) {
	values := make([][]float64, 8)
	runMesh(t, 2, func(env *Env) error {
		rank := float64(env.Mesh().Rank())
		p := newParameter(env, "p", tensor.FromData([]float64{rank}, 1), mesh.Weight, mesh.Output)
		if err := p.Sync(); err != nil {
			return err
		}
		values[env.Mesh().Rank()] = p.Value.Data()
		return nil
	})
	for rank, v := range values {
		// The first replica has weight and output coordinates 0.
		root := mesh.CoordOf(2, rank)[mesh.Input] * 4
		assert.Equal(t, []float64{float64(root)}, v, "rank %d", rank)
	}
}
