package simulator

import "math"

// A Switcher decides how fast data flows between the
// devices of a switched network, in particular how an
// oversubscribed device splits its bandwidth.
type Switcher interface {
	// SwitchedRates receives a matrix with a 1 wherever a
	// device wants to send to another device and a 0
	// elsewhere, and overwrites it with the data rate of
	// every connection.
	SwitchedRates(mat *ConnMat)
}

// A GreedyDropSwitcher emulates a switch where each device
// spreads its upload rate evenly over its destinations,
// and a device receiving more than its download rate drops
// incoming data uniformly.
//
// This amounts to normalizing the rows of the connection
// matrix and then the columns.
type GreedyDropSwitcher struct {
	SendRates []float64
	RecvRates []float64
}

// NewGreedyDropSwitcher creates a GreedyDropSwitcher where
// every device uploads and downloads at rate.
func NewGreedyDropSwitcher(numDevices int, rate float64) *GreedyDropSwitcher {
	send := make([]float64, numDevices)
	recv := make([]float64, numDevices)
	for i := range send {
		send[i] = rate
		recv[i] = rate
	}
	return &GreedyDropSwitcher{SendRates: send, RecvRates: recv}
}

// NumDevices gets the number of devices the switch
// expects.
func (g *GreedyDropSwitcher) NumDevices() int {
	return len(g.SendRates)
}

// SwitchedRates performs the switching algorithm.
func (g *GreedyDropSwitcher) SwitchedRates(mat *ConnMat) {
	n := g.NumDevices()
	if mat.NumDevices() != n {
		panic("unexpected number of devices")
	}
	for src := 0; src < n; src++ {
		if fanOut := mat.SumSource(src); fanOut > 0 {
			mat.ScaleSource(src, g.SendRates[src]/fanOut)
		}
	}
	for dst := 0; dst < n; dst++ {
		incoming := mat.SumDest(dst)
		mat.ScaleDest(dst, math.Min(1, g.RecvRates[dst]/math.Max(incoming, 1e-300)))
	}
}
