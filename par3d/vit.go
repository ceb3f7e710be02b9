package par3d

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/unixpickle/vit3d/tensor"
)

// ViTConfig describes a Vision Transformer.
type ViTConfig struct {
	ImageSize  int
	PatchSize  int
	InChannels int
	HiddenSize int
	NumLayers  int
	NumHeads   int
	MLPRatio   int
	Activation string
	NumClasses int

	DropProb          float64
	AttentionDropProb float64
	Checkpoint        bool

	// NoBias drops the biases of every attention, MLP and
	// head transform.
	NoBias bool
}

// Layers lists the layers of the model for Build.
func (v ViTConfig) Layers() []LayerConfig {
	res := []LayerConfig{{
		Kind: KindPatchEmbedding,
		Name: "embed",
		Embedding: EmbeddingConfig{
			ImageSize:  v.ImageSize,
			PatchSize:  v.PatchSize,
			InChannels: v.InChannels,
			EmbedSize:  v.HiddenSize,
			DropProb:   v.DropProb,
		},
	}}
	for i := 0; i < v.NumLayers; i++ {
		res = append(res, LayerConfig{
			Kind: KindSelfAttention,
			Name: fmt.Sprintf("blocks.%d.attn", i),
			Attention: AttentionConfig{
				HiddenSize:       v.HiddenSize,
				NumHeads:         v.NumHeads,
				AttentionDropout: v.AttentionDropProb,
				HiddenDropout:    v.DropProb,
				NoBias:           v.NoBias,
				Checkpoint:       v.Checkpoint,
			},
		}, LayerConfig{
			Kind: KindMLP,
			Name: fmt.Sprintf("blocks.%d.mlp", i),
			MLP: MLPConfig{
				HiddenSize: v.HiddenSize,
				MLPRatio:   v.MLPRatio,
				Activation: v.Activation,
				DropProb:   v.DropProb,
				NoBias:     v.NoBias,
				Checkpoint: v.Checkpoint,
			},
		})
	}
	return append(res, LayerConfig{
		Kind: KindHead,
		Name: "head",
		Head: HeadConfig{InFeatures: v.HiddenSize, NumClasses: v.NumClasses, NoBias: v.NoBias},
	})
}

// A ViT chains a patch embedding, residual attention and
// MLP blocks, and a classification head. Attention and MLP
// layers are applied as x + f(x).
type ViT struct {
	Layers []Module
}

// NewViT builds every layer of a ViT.
func NewViT(env *Env, cfg ViTConfig) (*ViT, error) {
	layers := cfg.Layers()
	res := &ViT{}
	for _, layer := range layers {
		m, err := Build(env, layer)
		if err != nil {
			return nil, errors.WithMessagef(err, "build %s", layer.Name)
		}
		res.Layers = append(res.Layers, m)
	}
	return res, nil
}

// Parameters returns the parameters of every layer.
func (v *ViT) Parameters() []*Parameter {
	var res []*Parameter
	for _, layer := range v.Layers {
		res = append(res, layer.Parameters()...)
	}
	return res
}

// Forward maps replicated images to the local logits.
func (v *ViT) Forward(images *tensor.Tensor) (*tensor.Tensor, Backprop, error) {
	var backprops []Backprop
	x := images
	for _, layer := range v.Layers {
		y, backprop, err := layer.Forward(x)
		if err != nil {
			return nil, nil, err
		}
		switch layer.(type) {
		case *SelfAttention, *MLP:
			y = tensor.Add(x, y)
			backprop = residualBackprop(backprop)
		}
		x = y
		backprops = append(backprops, backprop)
	}
	return x, func(grad *tensor.Tensor) (*tensor.Tensor, error) {
		for i := len(backprops) - 1; i >= 0; i-- {
			var err error
			grad, err = backprops[i](grad)
			if err != nil {
				return nil, err
			}
		}
		return grad, nil
	}, nil
}

// ReduceGradients reduces the gradients of every layer.
func (v *ViT) ReduceGradients() error {
	return ReduceGradients(v.Parameters())
}

// ZeroGrad drops every gradient.
func (v *ViT) ZeroGrad() {
	for _, p := range v.Parameters() {
		p.ZeroGrad()
	}
}

func residualBackprop(inner Backprop) Backprop {
	return func(grad *tensor.Tensor) (*tensor.Tensor, error) {
		innerGrad, err := inner(grad)
		if err != nil {
			return nil, err
		}
		return tensor.Add(grad, innerGrad), nil
	}
}
