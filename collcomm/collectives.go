package collcomm

import (
	"fmt"

	"github.com/unixpickle/vit3d/simulator"
)

// Broadcast sends root's vector to every member and
// returns it on all of them. Non-root members ignore the
// vec argument.
func Broadcast(c *Comms, vec []float64, root int) []float64 {
	if c.Size() == 1 {
		return vec
	}
	if c.Index() == root {
		c.Bcast(vec)
		return vec
	}
	return c.RecvFrom(c.Ports[root])
}

// AllGather sends every member's vector to every other
// member and returns all of the vectors, in member order.
func AllGather(c *Comms, vec []float64) [][]float64 {
	pieces := make([][]float64, c.Size())
	pieces[c.Index()] = vec
	if c.Size() == 1 {
		return pieces
	}
	c.Bcast(vec)
	for i := 0; i < c.Size()-1; i++ {
		piece, src := c.Recv()
		pieces[c.IndexOf(src)] = piece
	}
	return pieces
}

// ReduceScatter splits every member's vector into Size()
// contiguous chunks, and reduces chunk i of every member
// on member i. It returns the current member's reduced
// chunk.
//
// The length of vec must be divisible by Size().
func ReduceScatter(c *Comms, vec []float64, fn ReduceFn) []float64 {
	n := c.Size()
	if len(vec)%n != 0 {
		panic(fmt.Sprintf("vector of length %d cannot be split into %d chunks", len(vec), n))
	}
	chunkSize := len(vec) / n
	chunk := func(i int) []float64 {
		return vec[i*chunkSize : (i+1)*chunkSize]
	}
	if n == 1 {
		return fn(c.Handle, chunk(0))
	}

	idx := c.Index()
	messages := make([]*simulator.Message, 0, n-1)
	for i, port := range c.Ports {
		if i != idx {
			messages = append(messages, c.message(port, cloneVec(chunk(i)), vecSize(chunk(i))))
		}
	}
	c.Network.Send(c.Handle, messages...)

	contributions := make([][]float64, n)
	contributions[idx] = chunk(idx)
	for i := 0; i < n-1; i++ {
		piece, src := c.Recv()
		contributions[c.IndexOf(src)] = piece
	}
	return fn(c.Handle, contributions...)
}

// SendNext sends a vector to the next member of the ring.
func SendNext(c *Comms, vec []float64) {
	c.Send(c.Ports[(c.Index()+1)%c.Size()], vec)
}

// RecvPrev receives a vector from the previous member of
// the ring.
func RecvPrev(c *Comms) []float64 {
	n := c.Size()
	return c.RecvFrom(c.Ports[(c.Index()+n-1)%n])
}
