// Package allreduce implements algorithms for summing
// vectors across the members of a communication group.
//
// The cluster package uses one of them for every gradient
// reduction, so all algorithms must leave a bit-identical
// result on every member.
package allreduce

import (
	"sort"

	"github.com/unixpickle/vit3d/collcomm"
	"github.com/unixpickle/vit3d/errdefs"
)

// Allreducer is an algorithm that can apply a ReduceFn to
// vectors that are distributed across group members.
//
// An Allreducer may use every phase of the Comms it is
// given (see collcomm.Comms.Phase), so each call needs a
// Comms with a fresh Tag.
type Allreducer interface {
	Allreduce(c *collcomm.Comms, data []float64, fn collcomm.ReduceFn) []float64
}

var registry = map[string]Allreducer{
	"naive": NaiveAllreducer{},
	"tree":  TreeAllreducer{},
	"ring":  RingAllreducer{},
}

// ByName looks up an algorithm by its configuration name.
func ByName(name string) (Allreducer, error) {
	if a, ok := registry[name]; ok {
		return a, nil
	}
	return nil, errdefs.Configurationf("unknown all-reduce algorithm %q (expected one of %v)", name, Names())
}

// Names lists the configuration names of all algorithms.
func Names() []string {
	var names []string
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
