package par3d

import (
	"github.com/unixpickle/vit3d/errdefs"
	"github.com/unixpickle/vit3d/mesh"
	"github.com/unixpickle/vit3d/tensor"
)

// HeadConfig configures a Head.
type HeadConfig struct {
	InFeatures int
	NumClasses int
	NoBias     bool
}

// A Head maps the class token of hidden states
// [B/d², S, H/d] to class logits [B/d², NumClasses/d].
//
// The transform has ceil(NumClasses/d²)*d² outputs so that
// it can be partitioned, and every process keeps the first
// NumClasses/d columns of its block.
type Head struct {
	Linear *Linear

	env        *Env
	cfg        HeadConfig
	localCols  int
	paddedCols int
}

// NewHead creates a Head.
func NewHead(env *Env, name string, cfg HeadConfig) (*Head, error) {
	d := env.Depth()
	localCols, err := errdefs.Divide("number of classes", cfg.NumClasses, d)
	if err != nil {
		return nil, err
	}
	padded := PaddedClasses(cfg.NumClasses, d)
	linear, err := NewLinear(env, name+".linear", cfg.InFeatures, padded, mesh.Input, !cfg.NoBias)
	if err != nil {
		return nil, err
	}
	return &Head{
		Linear:     linear,
		env:        env,
		cfg:        cfg,
		localCols:  localCols,
		paddedCols: padded / d,
	}, nil
}

// PaddedClasses rounds numClasses up to a multiple of d².
func PaddedClasses(numClasses, d int) int {
	blocks := (numClasses + d*d - 1) / (d * d)
	return blocks * d * d
}

// OutputAxis returns the axis that partitions the batch
// of the logits together with Weight.
func (h *Head) OutputAxis() mesh.Axis {
	return h.Linear.OutputAxis()
}

// Parameters returns the parameters of the transform.
func (h *Head) Parameters() []*Parameter {
	return h.Linear.Parameters()
}

// Forward computes the local logits.
func (h *Head) Forward(x *tensor.Tensor) (*tensor.Tensor, Backprop, error) {
	if x.Rank() != 3 || x.Dim(1) == 0 {
		return nil, nil, errdefs.ShapeMismatchf("head input %v is not [batch, seq, hidden]", x.Shape())
	}
	b, s, hidden := x.Dim(0), x.Dim(1), x.Dim(2)
	cls := tensor.Narrow(x, 1, 0, 1).Reshape(b, hidden)
	logits, backprop, err := h.Linear.Forward(cls)
	if err != nil {
		return nil, nil, err
	}
	y := tensor.Narrow(logits, 1, 0, h.localCols)

	return y, func(grad *tensor.Tensor) (*tensor.Tensor, error) {
		if !tensor.SameShape(grad, y) {
			return nil, errdefs.ShapeMismatchf("head output gradient %v for output %v",
				grad.Shape(), y.Shape())
		}
		padded := tensor.Cat(1, grad, tensor.New(b, h.paddedCols-h.localCols))
		gradCls, err := backprop(padded)
		if err != nil {
			return nil, err
		}
		return tensor.Cat(1, gradCls.Reshape(b, 1, gradCls.Dim(-1)), tensor.New(b, s-1, gradCls.Dim(-1))), nil
	}, nil
}

// GatherClasses concatenates the logit columns of the
// input group, giving every process all NumClasses logits
// of its batch block.
func GatherClasses(env *Env, logits *tensor.Tensor) (*tensor.Tensor, error) {
	if logits.Rank() != 2 {
		return nil, errdefs.ShapeMismatchf("logits %v are not [batch, classes]", logits.Shape())
	}
	// Gathering along the batch dimension of the transposed
	// logits gathers along the classes of the logits.
	gathered, err := allGather(env.Group(mesh.Input), tensor.Permute(logits, 1, 0))
	if err != nil {
		return nil, err
	}
	return tensor.Permute(gathered, 1, 0), nil
}
