package par3d

import (
	"math"

	"github.com/unixpickle/vit3d/cluster"
	"github.com/unixpickle/vit3d/errdefs"
	"github.com/unixpickle/vit3d/mesh"
	"github.com/unixpickle/vit3d/tensor"
)

// Linear computes Y = X·W + b for X [B, ..., In] and
// W [In, Out], with X, W and Y partitioned over the mesh.
//
// A Linear is parameterized by its input axis α (Input or
// Output). Let γ be the third axis besides α and Weight,
// and let a, w and g be the process's coordinates along α,
// Weight and γ. Then, splitting every dimension into
// contiguous blocks:
//
//	X shard: batch block w*d+a of d², input block g of d
//	W shard: row block g of d, column block a*d+w of d²
//	b shard: column block a of d, replicated along Weight and γ
//	Y shard: batch block w*d+g of d², column block a of d
//
// The output of a Linear with input axis α is therefore
// laid out as the input of a Linear with input axis γ.
type Linear struct {
	Weight *Parameter

	// Bias is nil if the transform has no bias.
	Bias *Parameter

	env        *Env
	in         int
	out        int
	inputAxis  mesh.Axis
	outputAxis mesh.Axis
}

// NewLinear creates a Linear with a Xavier-uniform weight
// and a zero bias, and synchronizes the bias.
func NewLinear(env *Env, name string, in, out int, inputAxis mesh.Axis, bias bool) (*Linear, error) {
	outputAxis, err := outputAxisFor(inputAxis)
	if err != nil {
		return nil, err
	}
	d := env.Depth()
	inShard, err := errdefs.Divide(name+" input features", in, d)
	if err != nil {
		return nil, err
	}
	outShard, err := errdefs.Divide(name+" output features", out, d*d)
	if err != nil {
		return nil, err
	}

	bound := math.Sqrt(6 / float64(in+out))
	l := &Linear{
		env:        env,
		in:         in,
		out:        out,
		inputAxis:  inputAxis,
		outputAxis: outputAxis,
	}
	l.Weight = newParameter(env, name+".weight", tensor.Uniform(env.NextRand(), -bound, bound,
		inShard, outShard))
	if bias {
		l.Bias = newParameter(env, name+".bias", tensor.New(out/d), mesh.Weight, outputAxis)
		if err := l.Bias.Sync(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func outputAxisFor(inputAxis mesh.Axis) (mesh.Axis, error) {
	switch inputAxis {
	case mesh.Input:
		return mesh.Output, nil
	case mesh.Output:
		return mesh.Input, nil
	}
	return 0, errdefs.Configurationf("a linear transform cannot take its input along the %s axis",
		inputAxis)
}

// InputAxis returns α.
func (l *Linear) InputAxis() mesh.Axis {
	return l.inputAxis
}

// OutputAxis returns γ, which is the input axis of the
// next layer.
func (l *Linear) OutputAxis() mesh.Axis {
	return l.outputAxis
}

// Parameters returns the weight and, if present, the bias.
func (l *Linear) Parameters() []*Parameter {
	if l.Bias == nil {
		return []*Parameter{l.Weight}
	}
	return []*Parameter{l.Weight, l.Bias}
}

// Forward applies the transform to an input shard.
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, Backprop, error) {
	d := l.env.Depth()
	if x.Rank() < 2 || x.Dim(-1) != l.in/d {
		return nil, nil, errdefs.ShapeMismatchf("linear input shard %v must end with %d features",
			x.Shape(), l.in/d)
	}
	inGroup := l.env.Group(l.inputAxis)
	outGroup := l.env.Group(l.outputAxis)

	xg, err := allGather(inGroup, x)
	if err != nil {
		return nil, nil, err
	}
	wg, partial, err := l.rotate(xg)
	if err != nil {
		return nil, nil, err
	}
	y, err := reduceScatter(outGroup, partial)
	if err != nil {
		return nil, nil, err
	}
	if l.Bias != nil {
		y = tensor.AddRow(y, l.Bias.Value)
	}

	backprop := func(grad *tensor.Tensor) (*tensor.Tensor, error) {
		if !tensor.SameShape(grad, y) {
			return nil, errdefs.ShapeMismatchf("linear output gradient %v for output %v",
				grad.Shape(), y.Shape())
		}
		if l.Bias != nil {
			l.Bias.AccumulateGrad(tensor.SumRows(grad))
		}
		dyg, err := allGather(outGroup, grad)
		if err != nil {
			return nil, err
		}
		rows := dyg.Len() / dyg.Dim(-1)

		dw := tensor.MatMulTransA(xg, dyg)
		l.env.compute(tensor.MatMulFlops(l.in/d, rows, l.out/d))
		// [In/d, d, Out/d²] -> [d, In/d, Out/d²], one block per weight group member.
		blocks := tensor.Permute(dw.Reshape(l.in/d, d, l.out/(d*d)), 1, 0, 2)
		dwShard, err := reduceScatter(l.env.Group(mesh.Weight), blocks)
		if err != nil {
			return nil, err
		}
		l.Weight.AccumulateGrad(dwShard.Reshape(l.in/d, l.out/(d*d)))

		dxg := tensor.MatMulTransB(dyg, wg)
		l.env.compute(tensor.MatMulFlops(rows, l.out/d, l.in/d))
		return reduceScatter(inGroup, dxg)
	}
	return y, backprop, nil
}

// rotate passes the weight shards around the weight group
// and multiplies xg by each of them. It returns the
// gathered weight [In/d, Out/d] and the partial product
// [..., Out/d].
func (l *Linear) rotate(xg *tensor.Tensor) (wg, partial *tensor.Tensor, err error) {
	group := l.env.Group(mesh.Weight)
	d := group.Size()
	rows := xg.Len() / xg.Dim(-1)

	chunks := make([]*tensor.Tensor, d)
	products := make([]*tensor.Tensor, d)
	chunk := l.Weight.Value
	owner := group.Index()
	for step := 0; step < d; step++ {
		last := step == d-1
		var shift *cluster.Shift
		if !last && l.env.Schedule == Overlapped {
			if shift, err = group.StartShift(chunk.Data()); err != nil {
				return nil, nil, err
			}
		}
		chunks[owner] = chunk
		products[owner] = tensor.MatMul(xg, chunk)
		l.env.compute(tensor.MatMulFlops(rows, chunk.Dim(0), chunk.Dim(1)))
		if last {
			break
		}
		if shift == nil {
			if shift, err = group.StartShift(chunk.Data()); err != nil {
				return nil, nil, err
			}
		}
		chunk = tensor.FromData(shift.Wait(), chunk.Shape()...)
		owner = (owner + d - 1) % d
	}
	return tensor.Cat(1, chunks...), tensor.Cat(xg.Rank()-1, products...), nil
}
