package par3d

import (
	"math"

	"github.com/unixpickle/vit3d/errdefs"
	"github.com/unixpickle/vit3d/mesh"
	"github.com/unixpickle/vit3d/tensor"
)

// EmbeddingConfig configures a PatchEmbedding.
type EmbeddingConfig struct {
	ImageSize  int
	PatchSize  int
	InChannels int
	EmbedSize  int
	DropProb   float64
}

// A PatchEmbedding turns replicated images [B, C, H, W]
// into token sequences [B/d², 1+N, E/d], where N is the
// number of patches and the first token is a class token.
//
// The process with coordinates (i, w, k) keeps batch block
// w*d+i and embedding block k, which is the input layout
// of a Linear with input axis Input. All parameters are
// replicated along the input and weight axes.
type PatchEmbedding struct {
	Weight   *Parameter
	Bias     *Parameter
	ClassTok *Parameter
	PosEmbed *Parameter

	env        *Env
	cfg        EmbeddingConfig
	numPatches int
	embedShard int
}

// NewPatchEmbedding creates a PatchEmbedding and
// synchronizes its parameters.
func NewPatchEmbedding(env *Env, name string, cfg EmbeddingConfig) (*PatchEmbedding, error) {
	if err := checkDropout(cfg.DropProb); err != nil {
		return nil, err
	}
	if cfg.PatchSize < 1 || cfg.InChannels < 1 {
		return nil, errdefs.Configurationf("invalid patch size %d or channel count %d",
			cfg.PatchSize, cfg.InChannels)
	}
	grid, err := errdefs.Divide("image size", cfg.ImageSize, cfg.PatchSize)
	if err != nil {
		return nil, err
	}
	embedShard, err := errdefs.Divide("embedding size", cfg.EmbedSize, env.Depth())
	if err != nil {
		return nil, err
	}

	e := &PatchEmbedding{
		env:        env,
		cfg:        cfg,
		numPatches: grid * grid,
		embedShard: embedShard,
	}
	patchLen := cfg.InChannels * cfg.PatchSize * cfg.PatchSize
	bound := 1 / math.Sqrt(float64(patchLen))
	rng := env.NextRand()
	replicas := []mesh.Axis{mesh.Input, mesh.Weight}
	e.Weight = newParameter(env, name+".proj.weight",
		tensor.Uniform(rng, -bound, bound, embedShard, patchLen), replicas...)
	e.Bias = newParameter(env, name+".proj.bias",
		tensor.Uniform(rng, -bound, bound, embedShard), replicas...)
	e.ClassTok = newParameter(env, name+".cls_token", tensor.New(1, 1, embedShard), replicas...)
	e.PosEmbed = newParameter(env, name+".pos_embed",
		tensor.New(1, e.numPatches+1, embedShard), replicas...)
	if err := SyncParameters(e.Parameters()); err != nil {
		return nil, err
	}
	return e, nil
}

// SeqLen returns the number of tokens per sample,
// including the class token.
func (e *PatchEmbedding) SeqLen() int {
	return e.numPatches + 1
}

// Parameters returns the projection weight and bias, the
// class token and the positional embedding.
func (e *PatchEmbedding) Parameters() []*Parameter {
	return []*Parameter{e.Weight, e.Bias, e.ClassTok, e.PosEmbed}
}

// OutputAxis returns the input axis of the next layer.
func (e *PatchEmbedding) OutputAxis() mesh.Axis {
	return mesh.Input
}

// Forward embeds the process's share of the images.
//
// The Backprop returns a nil gradient, since images are
// not learnable.
func (e *PatchEmbedding) Forward(images *tensor.Tensor) (*tensor.Tensor, Backprop, error) {
	d := e.env.Depth()
	size := e.cfg.ImageSize
	if images.Rank() != 4 || images.Dim(1) != e.cfg.InChannels || images.Dim(2) != size ||
		images.Dim(3) != size {
		return nil, nil, errdefs.ShapeMismatchf("images %v do not match [B, %d, %d, %d]",
			images.Shape(), e.cfg.InChannels, size, size)
	}
	if images.Dim(0) == 0 {
		return nil, nil, errdefs.ShapeMismatchf("image batch is empty")
	}
	local, err := errdefs.Divide("image batch", images.Dim(0), d*d)
	if err != nil {
		return nil, nil, err
	}

	// The projection is per sample, so selecting the
	// batch block before projecting is equivalent.
	m := e.env.Mesh()
	chunk := tensor.Narrow(images, 0, m.LocalRank(mesh.Weight)*local*d, local*d)
	chunk = tensor.Narrow(chunk, 0, m.LocalRank(mesh.Input)*local, local)

	patches := tensor.Patches(chunk, e.cfg.PatchSize)
	patchLen := patches.Dim(-1)
	emb := tensor.AddRow(tensor.MatMulTransB(patches, e.Weight.Value), e.Bias.Value)
	e.env.compute(tensor.MatMulFlops(local*e.numPatches, patchLen, e.embedShard))

	classToks := make([]*tensor.Tensor, local)
	for i := range classToks {
		classToks[i] = e.ClassTok.Value
	}
	x := tensor.Cat(1, tensor.Cat(0, classToks...), emb)
	x = tensor.AddRow(x.Reshape(local, -1), e.PosEmbed.Value.Reshape(-1)).Reshape(x.Shape()...)
	mask := dropoutMask(e.env.NextSeed(), e.cfg.DropProb, x.Shape())
	y := tensor.ApplyMask(x, mask)

	backprop := func(grad *tensor.Tensor) (*tensor.Tensor, error) {
		if !tensor.SameShape(grad, y) {
			return nil, errdefs.ShapeMismatchf("embedding output gradient %v for output %v",
				grad.Shape(), y.Shape())
		}
		grad = tensor.ApplyMask(grad, mask)
		e.PosEmbed.AccumulateGrad(tensor.SumRows(grad.Reshape(local, -1)).
			Reshape(e.PosEmbed.Value.Shape()...))
		classGrad := tensor.Narrow(grad, 1, 0, 1).Reshape(local, e.embedShard)
		e.ClassTok.AccumulateGrad(tensor.SumRows(classGrad).Reshape(1, 1, e.embedShard))

		embGrad := tensor.Narrow(grad, 1, 1, e.numPatches)
		e.Bias.AccumulateGrad(tensor.SumRows(embGrad))
		e.Weight.AccumulateGrad(tensor.MatMulTransA(embGrad, patches))
		e.env.compute(tensor.MatMulFlops(e.embedShard, local*e.numPatches, patchLen))
		return nil, nil
	}
	return y, backprop, nil
}

func checkDropout(p float64) error {
	if p < 0 || p >= 1 || math.IsNaN(p) {
		return errdefs.Configurationf("dropout probability %f is outside of [0, 1)", p)
	}
	return nil
}
