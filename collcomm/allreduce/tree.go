package allreduce

import (
	"github.com/unixpickle/vit3d/collcomm"
	"github.com/unixpickle/vit3d/simulator"
)

// A TreeAllreducer arranges the members in a binary heap,
// reduces up the tree to the root, and then broadcasts the
// root's result back down.
type TreeAllreducer struct{}

// Allreduce calls fn on vectors along a tree and returns
// the resulting reduced vector.
func (t TreeAllreducer) Allreduce(c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) []float64 {
	parent, children := positionInTree(c)

	messages := [][]float64{data}
	for _, child := range children {
		messages = append(messages, c.RecvFrom(child))
	}

	finalVector := fn(c.Handle, messages...)
	if parent != nil {
		c.Send(parent, finalVector)
		finalVector = c.RecvFrom(parent)
	}

	for _, child := range children {
		c.Send(child, finalVector)
	}

	return finalVector
}

// positionInTree returns the parent port (nil for the
// root) and the child ports (possibly none) of the current
// member in the heap.
func positionInTree(c *collcomm.Comms) (parent *simulator.Port, children []*simulator.Port) {
	idx := c.Index()
	if idx > 0 {
		parent = c.Ports[(idx-1)/2]
	}
	for _, child := range []int{2*idx + 1, 2*idx + 2} {
		if child < c.Size() {
			children = append(children, c.Ports[child])
		}
	}
	return
}
