package par3d

import (
	"math"

	"github.com/unixpickle/vit3d/errdefs"
	"github.com/unixpickle/vit3d/mesh"
	"github.com/unixpickle/vit3d/tensor"
)

// AttentionConfig configures a SelfAttention.
type AttentionConfig struct {
	HiddenSize       int
	NumHeads         int
	AttentionDropout float64
	HiddenDropout    float64
	NoBias           bool

	// Checkpoint recomputes the forward pass during the
	// backward pass instead of keeping its activations.
	Checkpoint bool
}

// SelfAttention is multi-head scaled dot-product attention
// over hidden states [B/d², S, H/d] laid out like the input
// of a Linear with input axis Input. Every process computes
// NumHeads/d complete heads.
type SelfAttention struct {
	QKV   *Linear
	Dense *Linear

	env        *Env
	cfg        AttentionConfig
	localHeads int
	headSize   int
}

// NewSelfAttention creates a SelfAttention.
func NewSelfAttention(env *Env, name string, cfg AttentionConfig) (*SelfAttention, error) {
	for _, p := range []float64{cfg.AttentionDropout, cfg.HiddenDropout} {
		if err := checkDropout(p); err != nil {
			return nil, err
		}
	}
	localHeads, err := errdefs.Divide("attention heads", cfg.NumHeads, env.Depth())
	if err != nil {
		return nil, err
	}
	headSize, err := errdefs.Divide("hidden size", cfg.HiddenSize, cfg.NumHeads)
	if err != nil {
		return nil, err
	}
	qkv, err := NewLinear(env, name+".query_key_value", cfg.HiddenSize, 3*cfg.HiddenSize,
		mesh.Input, !cfg.NoBias)
	if err != nil {
		return nil, err
	}
	dense, err := NewLinear(env, name+".dense", cfg.HiddenSize, cfg.HiddenSize,
		qkv.OutputAxis(), !cfg.NoBias)
	if err != nil {
		return nil, err
	}
	return &SelfAttention{
		QKV:        qkv,
		Dense:      dense,
		env:        env,
		cfg:        cfg,
		localHeads: localHeads,
		headSize:   headSize,
	}, nil
}

// Parameters returns the parameters of both projections.
func (a *SelfAttention) Parameters() []*Parameter {
	return append(a.QKV.Parameters(), a.Dense.Parameters()...)
}

// OutputAxis returns the input axis of the next layer,
// which is also the input axis of the block.
func (a *SelfAttention) OutputAxis() mesh.Axis {
	return a.Dense.OutputAxis()
}

// Forward applies attention to a hidden state shard.
func (a *SelfAttention) Forward(x *tensor.Tensor) (*tensor.Tensor, Backprop, error) {
	seeds := [2]int64{a.env.NextSeed(), a.env.NextSeed()}
	return checkpointed(a.cfg.Checkpoint, x, func(x *tensor.Tensor) (*tensor.Tensor, Backprop, error) {
		return a.forward(x, seeds)
	})
}

func (a *SelfAttention) forward(x *tensor.Tensor, seeds [2]int64) (*tensor.Tensor, Backprop, error) {
	if x.Rank() != 3 {
		return nil, nil, errdefs.ShapeMismatchf("attention input %v is not [batch, seq, hidden]",
			x.Shape())
	}
	qkv, qkvBackprop, err := a.QKV.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	b, s := qkv.Dim(0), qkv.Dim(1)
	heads, hd := a.localHeads, a.headSize

	// Columns are head-major, with [q|k|v] inside a head.
	perHead := tensor.Permute(qkv.Reshape(b, s, heads, 3*hd), 0, 2, 1, 3)
	parts := tensor.Split(perHead, 3, 3)
	q, k, v := parts[0], parts[1], parts[2]

	scale := 1 / math.Sqrt(float64(hd))
	scores := tensor.Scale(tensor.BatchMatMul(q, k, false, true), scale)
	probs := tensor.Softmax(scores)
	attnMask := dropoutMask(seeds[0], a.cfg.AttentionDropout, probs.Shape())
	dropped := tensor.ApplyMask(probs, attnMask)
	ctx := tensor.BatchMatMul(dropped, v, false, false)
	a.env.compute(2 * b * heads * tensor.MatMulFlops(s, hd, s))

	merged := tensor.Permute(ctx, 0, 2, 1, 3).Reshape(b, s, heads*hd)
	out, denseBackprop, err := a.Dense.Forward(merged)
	if err != nil {
		return nil, nil, err
	}
	hiddenMask := dropoutMask(seeds[1], a.cfg.HiddenDropout, out.Shape())
	y := tensor.ApplyMask(out, hiddenMask)

	backprop := func(grad *tensor.Tensor) (*tensor.Tensor, error) {
		if !tensor.SameShape(grad, y) {
			return nil, errdefs.ShapeMismatchf("attention output gradient %v for output %v",
				grad.Shape(), y.Shape())
		}
		gradMerged, err := denseBackprop(tensor.ApplyMask(grad, hiddenMask))
		if err != nil {
			return nil, err
		}
		gradCtx := tensor.Permute(gradMerged.Reshape(b, s, heads, hd), 0, 2, 1, 3)

		gradDropped := tensor.BatchMatMul(gradCtx, v, false, true)
		gradV := tensor.BatchMatMul(dropped, gradCtx, true, false)
		gradProbs := tensor.ApplyMask(gradDropped, attnMask)
		gradScores := tensor.Scale(tensor.SoftmaxBackward(probs, gradProbs), scale)
		gradQ := tensor.BatchMatMul(gradScores, k, false, false)
		gradK := tensor.BatchMatMul(gradScores, q, true, false)
		a.env.compute(4 * b * heads * tensor.MatMulFlops(s, hd, s))

		gradPerHead := tensor.Cat(3, gradQ, gradK, gradV)
		gradQKV := tensor.Permute(gradPerHead, 0, 2, 1, 3).Reshape(b, s, 3*heads*hd)
		return qkvBackprop(gradQKV)
	}
	return y, backprop, nil
}

// checkpointed runs forward, and if recompute is set,
// drops everything but the input and reruns forward when
// the gradient arrives. forward must be deterministic.
func checkpointed(recompute bool, x *tensor.Tensor,
	forward func(x *tensor.Tensor) (*tensor.Tensor, Backprop, error)) (*tensor.Tensor, Backprop, error) {
	if !recompute {
		return forward(x)
	}
	y, _, err := forward(x)
	if err != nil {
		return nil, nil, err
	}
	return y, func(grad *tensor.Tensor) (*tensor.Tensor, error) {
		_, backprop, err := forward(x)
		if err != nil {
			return nil, err
		}
		return backprop(grad)
	}, nil
}
