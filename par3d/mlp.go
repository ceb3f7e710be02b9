package par3d

import (
	"math"

	"github.com/unixpickle/vit3d/errdefs"
	"github.com/unixpickle/vit3d/mesh"
	"github.com/unixpickle/vit3d/tensor"
)

// An Activation is an element-wise nonlinearity and its
// derivative.
type Activation struct {
	Name       string
	F          func(x float64) float64
	Derivative func(x float64) float64
}

var activations = map[string]Activation{
	"gelu": {Name: "gelu", F: tensor.GELU, Derivative: tensor.GELUDerivative},
	"relu": {Name: "relu", F: tensor.ReLU, Derivative: tensor.ReLUDerivative},
	"tanh": {Name: "tanh", F: math.Tanh, Derivative: tensor.TanhDerivative},
}

// ActivationByName looks up "gelu", "relu" or "tanh".
func ActivationByName(name string) (Activation, error) {
	act, ok := activations[name]
	if !ok {
		return Activation{}, errdefs.Configurationf("unknown activation %q", name)
	}
	return act, nil
}

// MLPConfig configures an MLP.
type MLPConfig struct {
	HiddenSize int
	MLPRatio   int

	// Activation defaults to "gelu".
	Activation string

	DropProb   float64
	NoBias     bool
	Checkpoint bool
}

// An MLP is the feed-forward block of a transformer:
// Linear, activation, Linear, dropout. Its input and output
// share the layout of a Linear with input axis Input.
type MLP struct {
	Dense1 *Linear
	Dense2 *Linear

	env *Env
	cfg MLPConfig
	act Activation
}

// NewMLP creates an MLP.
func NewMLP(env *Env, name string, cfg MLPConfig) (*MLP, error) {
	if cfg.Activation == "" {
		cfg.Activation = "gelu"
	}
	act, err := ActivationByName(cfg.Activation)
	if err != nil {
		return nil, err
	}
	if err := checkDropout(cfg.DropProb); err != nil {
		return nil, err
	}
	if cfg.MLPRatio < 1 {
		return nil, errdefs.Configurationf("MLP ratio must be positive (got %d)", cfg.MLPRatio)
	}
	inner := cfg.MLPRatio * cfg.HiddenSize
	dense1, err := NewLinear(env, name+".dense_1", cfg.HiddenSize, inner, mesh.Input, !cfg.NoBias)
	if err != nil {
		return nil, err
	}
	dense2, err := NewLinear(env, name+".dense_2", inner, cfg.HiddenSize, dense1.OutputAxis(),
		!cfg.NoBias)
	if err != nil {
		return nil, err
	}
	return &MLP{Dense1: dense1, Dense2: dense2, env: env, cfg: cfg, act: act}, nil
}

// Parameters returns the parameters of both transforms.
func (m *MLP) Parameters() []*Parameter {
	return append(m.Dense1.Parameters(), m.Dense2.Parameters()...)
}

// OutputAxis returns the input axis of the next layer.
func (m *MLP) OutputAxis() mesh.Axis {
	return m.Dense2.OutputAxis()
}

// Forward applies the block to a hidden state shard.
func (m *MLP) Forward(x *tensor.Tensor) (*tensor.Tensor, Backprop, error) {
	seed := m.env.NextSeed()
	return checkpointed(m.cfg.Checkpoint, x, func(x *tensor.Tensor) (*tensor.Tensor, Backprop, error) {
		return m.forward(x, seed)
	})
}

func (m *MLP) forward(x *tensor.Tensor, seed int64) (*tensor.Tensor, Backprop, error) {
	h, backprop1, err := m.Dense1.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	activated := tensor.Map(h, m.act.F)
	out, backprop2, err := m.Dense2.Forward(activated)
	if err != nil {
		return nil, nil, err
	}
	mask := dropoutMask(seed, m.cfg.DropProb, out.Shape())
	y := tensor.ApplyMask(out, mask)

	backprop := func(grad *tensor.Tensor) (*tensor.Tensor, error) {
		if !tensor.SameShape(grad, y) {
			return nil, errdefs.ShapeMismatchf("MLP output gradient %v for output %v",
				grad.Shape(), y.Shape())
		}
		gradActivated, err := backprop2(tensor.ApplyMask(grad, mask))
		if err != nil {
			return nil, err
		}
		return backprop1(tensor.Mul(gradActivated, tensor.Map(h, m.act.Derivative)))
	}
	return y, backprop, nil
}
