package par3d

import (
	"fmt"

	"github.com/unixpickle/vit3d/errdefs"
	"github.com/unixpickle/vit3d/mesh"
	"github.com/unixpickle/vit3d/tensor"
)

// A Backprop maps the gradient of a module's output shard
// to the gradient of its input shard, accumulating
// parameter gradients along the way.
//
// A Backprop may only be called once.
type Backprop func(grad *tensor.Tensor) (*tensor.Tensor, error)

// A Module is a partitioned layer.
type Module interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, Backprop, error)
	Parameters() []*Parameter

	// OutputAxis is the input axis of a Linear that can
	// consume the module's output without redistribution.
	OutputAxis() mesh.Axis
}

// A Kind identifies a type of Module for Build.
type Kind int

const (
	KindPatchEmbedding Kind = iota
	KindSelfAttention
	KindMLP
	KindHead
)

var kindNames = []string{"patch_embedding", "self_attention", "mlp", "head"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind is the inverse of Kind.String.
func ParseKind(name string) (Kind, error) {
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	return 0, errdefs.Configurationf("unknown layer kind %q", name)
}

// LayerConfig describes one layer. Only the configuration
// matching Kind is used.
type LayerConfig struct {
	Kind Kind
	Name string

	Embedding EmbeddingConfig
	Attention AttentionConfig
	MLP       MLPConfig
	Head      HeadConfig
}

// Build creates the layer described by cfg.
func Build(env *Env, cfg LayerConfig) (Module, error) {
	name := cfg.Name
	if name == "" {
		name = cfg.Kind.String()
	}
	switch cfg.Kind {
	case KindPatchEmbedding:
		return NewPatchEmbedding(env, name, cfg.Embedding)
	case KindSelfAttention:
		return NewSelfAttention(env, name, cfg.Attention)
	case KindMLP:
		return NewMLP(env, name, cfg.MLP)
	case KindHead:
		return NewHead(env, name, cfg.Head)
	}
	return nil, errdefs.Configurationf("unknown layer kind %v", cfg.Kind)
}
