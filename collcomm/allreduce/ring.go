package allreduce

import (
	"github.com/unixpickle/vit3d/collcomm"
)

// A RingAllreducer splits the vector into one chunk per
// member and streams the chunks around a ring: Size()-1
// reduce steps leave each member with one fully reduced
// chunk, and Size()-1 gather steps pass the reduced chunks
// on until every member has all of them.
//
// Every member sends and receives the same volume at each
// step, which makes it bandwidth-optimal on large vectors.
type RingAllreducer struct{}

// Allreduce reduces data across the ring and returns the
// reduced vector.
func (r RingAllreducer) Allreduce(c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) []float64 {
	n := c.Size()
	if len(data) == 0 || n == 1 {
		return data
	}
	bounds := chunkBounds(len(data), n)
	chunks := make([][]float64, n)
	for i := range chunks {
		chunks[i] = data[bounds[i]:bounds[i+1]]
	}
	idx := c.Index()

	// At reduce step s, the member sends the partial sum of
	// chunk (idx-s) and folds its own data into (idx-s-1).
	for step := 0; step < n-1; step++ {
		phase := c.Phase(step)
		send := mod(idx-step, n)
		recv := mod(idx-step-1, n)
		collcomm.SendNext(phase, chunks[send])
		incoming := collcomm.RecvPrev(phase)
		chunks[recv] = fn(c.Handle, incoming, chunks[recv])
	}

	// Member idx now owns the reduced chunk idx+1.
	for step := 0; step < n-1; step++ {
		phase := c.Phase(n - 1 + step)
		send := mod(idx+1-step, n)
		recv := mod(idx-step, n)
		collcomm.SendNext(phase, chunks[send])
		chunks[recv] = collcomm.RecvPrev(phase)
	}

	res := make([]float64, 0, len(data))
	for _, chunk := range chunks {
		res = append(res, chunk...)
	}
	return res
}

// chunkBounds splits size elements into n nearly equal
// contiguous chunks and returns their n+1 boundaries.
func chunkBounds(size, n int) []int {
	bounds := make([]int, n+1)
	for i := 0; i <= n; i++ {
		bounds[i] = i * size / n
	}
	return bounds
}

func mod(x, n int) int {
	return ((x % n) + n) % n
}
