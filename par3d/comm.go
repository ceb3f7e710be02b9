package par3d

import (
	"github.com/unixpickle/vit3d/cluster"
	"github.com/unixpickle/vit3d/errdefs"
	"github.com/unixpickle/vit3d/tensor"
)

// allGather concatenates the members' tensors along the
// first dimension, in member order.
func allGather(g *cluster.Group, t *tensor.Tensor) (*tensor.Tensor, error) {
	pieces, err := g.AllGather(t.Data())
	if err != nil {
		return nil, err
	}
	data := make([]float64, 0, len(t.Data())*len(pieces))
	for _, piece := range pieces {
		if len(piece) != t.Len() {
			return nil, errdefs.ShapeMismatchf("%s group gathered %d values but expected %d",
				g.Axis, len(piece), t.Len())
		}
		data = append(data, piece...)
	}
	shape := t.Shape()
	shape[0] *= len(pieces)
	return tensor.FromData(data, shape...), nil
}

// reduceScatter sums the members' tensors and gives every
// member its block of the first dimension.
func reduceScatter(g *cluster.Group, t *tensor.Tensor) (*tensor.Tensor, error) {
	shape := t.Shape()
	if shape[0]%g.Size() != 0 {
		return nil, errdefs.ShapeMismatchf("leading dimension %d cannot be scattered over %d %s members",
			shape[0], g.Size(), g.Axis)
	}
	data, err := g.ReduceScatter(t.Data())
	if err != nil {
		return nil, err
	}
	shape[0] /= g.Size()
	return tensor.FromData(data, shape...), nil
}

func allReduce(g *cluster.Group, t *tensor.Tensor) (*tensor.Tensor, error) {
	data, err := g.AllReduce(t.Data())
	if err != nil {
		return nil, err
	}
	return tensor.FromData(data, t.Shape()...), nil
}

func broadcast(g *cluster.Group, t *tensor.Tensor, root int) (*tensor.Tensor, error) {
	data, err := g.Broadcast(t.Data(), root)
	if err != nil {
		return nil, err
	}
	return tensor.FromData(data, t.Shape()...), nil
}
