// Command bench_allreduce prints a Markdown table of the
// virtual time every all-reduce algorithm takes on a range
// of switched networks.
package main

import (
	"flag"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/unixpickle/vit3d/collcomm"
	"github.com/unixpickle/vit3d/collcomm/allreduce"
	"github.com/unixpickle/vit3d/simulator"
	"k8s.io/klog/v2"
)

// RunInfo describes a specific network configuration.
type RunInfo struct {
	NumDevices int
	Latency    float64
	Rate       float64
}

// Run creates a network and drops each device into its
// own Goroutine.
func (r *RunInfo) Run(loop *simulator.EventLoop, commFn func(c *collcomm.Comms)) {
	devices := simulator.NewDevices(r.NumDevices)
	switcher := simulator.NewGreedyDropSwitcher(r.NumDevices, r.Rate)
	network := simulator.NewSwitcherNetwork(switcher, r.NumDevices, r.Latency)
	collcomm.SpawnComms(loop, network, devices, commFn)
	loop.MustRun()
}

func main() {
	klog.InitFlags(nil)
	var largest int
	flag.IntVar(&largest, "largest", 10000000, "largest vector size to reduce")
	flag.Parse()
	defer klog.Flush()

	runs := []RunInfo{
		// The groups of a depth 2, 3 and 4 mesh.
		{NumDevices: 2, Latency: 0.1, Rate: 1e6},
		{NumDevices: 3, Latency: 1e-3, Rate: 1e6},
		{NumDevices: 4, Latency: 1e-3, Rate: 1e9},
		// Whole meshes, for gradients replicated everywhere.
		{NumDevices: 8, Latency: 0.1, Rate: 1e9},
		{NumDevices: 27, Latency: 1e-4, Rate: 1e9},
		{NumDevices: 64, Latency: 1e-4, Rate: 1e9},
	}
	var vecSizes []int
	for size := 10; size <= largest; size *= 1000 {
		vecSizes = append(vecSizes, size)
	}
	names := allreduce.Names()

	// Markdown table header.
	fmt.Print("| Devices | Latency | NIC rate | Size ")
	for _, name := range names {
		fmt.Printf("| %s ", name)
	}
	fmt.Println("|")
	for i := 0; i < 4+len(names); i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	// Markdown table body.
	for _, runInfo := range runs {
		for _, size := range vecSizes {
			fmt.Printf(
				"| %d | %s | %s | %s ",
				runInfo.NumDevices,
				strconv.FormatFloat(runInfo.Latency, 'f', -1, 64),
				strconv.FormatFloat(runInfo.Rate, 'E', -1, 64),
				humanize.Bytes(uint64(size*simulator.Float64Bytes)),
			)
			for _, name := range names {
				reducer, err := allreduce.ByName(name)
				if err != nil {
					klog.Fatal(err)
				}
				loop := simulator.NewEventLoop()
				runInfo.Run(loop, func(c *collcomm.Comms) {
					vec := make([]float64, size)
					reducer.Allreduce(c, vec, FakeReduce)
				})
				klog.V(1).Infof("%s on %d devices took %f", name, runInfo.NumDevices, loop.Time())
				fmt.Printf("| %f ", loop.Time())
			}
			fmt.Println("|")
		}
	}
}

// FakeReduce is a ReduceFn that takes no actual CPU time.
func FakeReduce(h *simulator.Handle, vecs ...[]float64) []float64 {
	h.Sleep(collcomm.FlopTime * float64(len(vecs)*len(vecs[0])))
	return make([]float64, len(vecs[0]))
}
