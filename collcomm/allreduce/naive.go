package allreduce

import "github.com/unixpickle/vit3d/collcomm"

// A NaiveAllreducer sends every vector from every member
// to every other member, and each member reduces all of
// them locally in member order.
type NaiveAllreducer struct{}

// Allreduce runs fn() on all of the members' vectors on
// every member.
func (n NaiveAllreducer) Allreduce(c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) []float64 {
	return fn(c.Handle, collcomm.AllGather(c, data)...)
}
