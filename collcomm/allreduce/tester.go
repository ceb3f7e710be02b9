package allreduce

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/vit3d/collcomm"
	"github.com/unixpickle/vit3d/simulator"
)

// RunAllreducerTests runs a battery of tests on an
// Allreducer, over both a switched network and a network
// that reorders messages.
func RunAllreducerTests(t *testing.T, reducer Allreducer) {
	for _, numDevices := range []int{1, 2, 4, 5, 8, 17} {
		for _, size := range []int{0, 3, 1337} {
			for _, randomized := range []bool{false, true} {
				testName := fmt.Sprintf("Devices=%d,Size=%d,Random=%v", numDevices, size, randomized)
				t.Run(testName, func(t *testing.T) {
					loop := simulator.NewEventLoop()
					devices := simulator.NewDevices(numDevices)
					vectors := make([][]float64, numDevices)
					sum := make([]float64, size)
					for i := range vectors {
						vectors[i] = make([]float64, size)
						for j := range vectors[i] {
							vectors[i][j] = rand.NormFloat64()
							sum[j] += vectors[i][j]
						}
					}

					var network simulator.Network
					if randomized {
						network = simulator.RandomNetwork{}
					} else {
						switcher := simulator.NewGreedyDropSwitcher(numDevices, 1.0)
						network = simulator.NewSwitcherNetwork(switcher, numDevices, 0.1)
					}

					results := make([][]float64, numDevices)
					collcomm.SpawnComms(loop, network, devices, func(c *collcomm.Comms) {
						results[c.Index()] = reducer.Allreduce(c, vectors[c.Index()], collcomm.Sum)
					})

					if err := loop.Run(); err != nil {
						t.Fatal(err)
					}

					verifyReductionResults(t, results, sum)
				})
			}
		}
	}
}

func verifyReductionResults(t *testing.T, results [][]float64, expected []float64) {
	for i, res := range results[1:] {
		if len(res) != len(expected) {
			t.Errorf("result %d has length %d but expected %d", i+1, len(res), len(expected))
			continue
		}
		for j, actual := range res {
			if actual != results[0][j] {
				t.Errorf("result %d is not identical to result 0", i+1)
				break
			}
		}
	}

	for i, x := range expected {
		if math.Abs(x-results[0][i]) > 1e-5 {
			t.Errorf("sum is incorrect (expected %f but got %f at component %d)",
				x, results[0][i], i)
			break
		}
	}
}
