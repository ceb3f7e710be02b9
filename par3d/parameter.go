package par3d

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/vit3d/errdefs"
	"github.com/unixpickle/vit3d/mesh"
	"github.com/unixpickle/vit3d/tensor"
	"k8s.io/klog/v2"
)

// A Parameter is a learnable tensor shard that may be
// replicated along some axes of the mesh.
//
// All processes that differ only in their coordinates
// along the replica axes hold copies of the same shard,
// which must stay bit-identical.
type Parameter struct {
	Name  string
	Value *tensor.Tensor

	// Grad is nil until a gradient is accumulated.
	Grad *tensor.Tensor

	env      *Env
	replicas []mesh.Axis
	reduced  bool
}

func newParameter(env *Env, name string, value *tensor.Tensor, replicas ...mesh.Axis) *Parameter {
	var ordered []mesh.Axis
	for _, axis := range mesh.Axes {
		for _, r := range replicas {
			if r == axis {
				ordered = append(ordered, axis)
				break
			}
		}
	}
	return &Parameter{Name: name, Value: value, env: env, replicas: ordered}
}

// Replicas returns the axes along which the parameter is
// replicated, in reduction order.
func (p *Parameter) Replicas() []mesh.Axis {
	return append([]mesh.Axis(nil), p.replicas...)
}

// IsReplicatedAlong reports whether axis is a replica axis.
func (p *Parameter) IsReplicatedAlong(axis mesh.Axis) bool {
	for _, r := range p.replicas {
		if r == axis {
			return true
		}
	}
	return false
}

// Sync makes every replica's value equal to that of the
// first replica: it broadcasts from the root of the weight
// group first (if Weight is a replica axis) and then from
// the roots of the remaining replica axes.
func (p *Parameter) Sync() error {
	order := make([]mesh.Axis, 0, len(p.replicas))
	if p.IsReplicatedAlong(mesh.Weight) {
		order = append(order, mesh.Weight)
	}
	for _, axis := range p.replicas {
		if axis != mesh.Weight {
			order = append(order, axis)
		}
	}
	for _, axis := range order {
		value, err := broadcast(p.env.Group(axis), p.Value, 0)
		if err != nil {
			return errors.WithMessagef(err, "sync %s along %s", p.Name, axis)
		}
		p.Value = value
	}
	klog.V(1).Infof("%v: synchronized %s %v along %v", p.env.Mesh(), p.Name, p.Value.Shape(), order)
	return nil
}

// AccumulateGrad adds a partial gradient.
func (p *Parameter) AccumulateGrad(grad *tensor.Tensor) {
	if !tensor.SameShape(grad, p.Value) {
		panic(errdefs.ShapeMismatchf("gradient %v for %s %v", grad.Shape(), p.Name, p.Value.Shape()))
	}
	if p.Grad == nil {
		p.Grad = grad.Clone()
	} else {
		p.Grad = tensor.Add(p.Grad, grad)
	}
	p.reduced = false
}

// ReduceGradient sums the gradient over every replica,
// along the input, weight and output axes in that order.
//
// A process without a gradient contributes zeros, so every
// replica must call ReduceGradient even if it never
// produced a gradient.
func (p *Parameter) ReduceGradient() error {
	if p.Grad == nil {
		p.Grad = tensor.New(p.Value.Shape()...)
	}
	for _, axis := range p.replicas {
		grad, err := allReduce(p.env.Group(axis), p.Grad)
		if err != nil {
			return errors.WithMessagef(err, "reduce gradient of %s along %s", p.Name, axis)
		}
		p.Grad = grad
	}
	p.reduced = true
	return nil
}

// Reduced reports whether the gradient has been reduced
// since it was last accumulated.
func (p *Parameter) Reduced() bool {
	return p.reduced
}

// ZeroGrad drops the gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad = nil
	p.reduced = false
}

// SyncParameters synchronizes every parameter, in order.
func SyncParameters(params []*Parameter) error {
	for _, p := range params {
		if err := p.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// ReduceGradients reduces the gradient of every parameter,
// in order. It must be called after the backward pass and
// before an optimizer reads the gradients.
func ReduceGradients(params []*Parameter) error {
	for _, p := range params {
		if err := p.ReduceGradient(); err != nil {
			return err
		}
	}
	return nil
}
