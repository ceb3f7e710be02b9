// Package tensor implements the dense float64 tensors and
// compute kernels used by the parallel layers.
//
// Tensors are row-major and are treated as immutable by
// every function in this package: results are always
// freshly allocated, except for Reshape, which shares the
// backing data.
package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// A Tensor is an N-dimensional array of float64 values.
type Tensor struct {
	shape []int
	data  []float64
}

// New creates a zero tensor.
func New(shape ...int) *Tensor {
	return &Tensor{shape: cloneShape(shape), data: make([]float64, numElements(shape))}
}

// FromData wraps data in a tensor of the given shape,
// without copying it.
func FromData(data []float64, shape ...int) *Tensor {
	if n := numElements(shape); n != len(data) {
		panic(fmt.Sprintf("shape %v implies %d elements but data has length %d", shape, n, len(data)))
	}
	return &Tensor{shape: cloneShape(shape), data: data}
}

// Uniform creates a tensor of values drawn uniformly from
// [lo, hi).
func Uniform(rng *rand.Rand, lo, hi float64, shape ...int) *Tensor {
	res := New(shape...)
	for i := range res.data {
		res.data[i] = lo + rng.Float64()*(hi-lo)
	}
	return res
}

// Normal creates a tensor of values drawn from a normal
// distribution.
func Normal(rng *rand.Rand, stddev float64, shape ...int) *Tensor {
	res := New(shape...)
	for i := range res.data {
		res.data[i] = rng.NormFloat64() * stddev
	}
	return res
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	return cloneShape(t.shape)
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Dim returns the size of dimension i. Negative indices
// count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.data)
}

// Data returns the backing slice of the tensor.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Reshape returns a tensor with the same data and a new
// shape. At most one dimension may be -1, in which case it
// is inferred.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	shape = cloneShape(shape)
	inferred := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if inferred != -1 {
				panic("more than one inferred dimension")
			}
			inferred = i
		} else {
			known *= d
		}
	}
	if inferred != -1 {
		if known == 0 || len(t.data)%known != 0 {
			panic(fmt.Sprintf("cannot reshape %v into %v", t.shape, shape))
		}
		shape[inferred] = len(t.data) / known
	}
	return FromData(t.data, shape...)
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return FromData(append([]float64{}, t.data...), t.shape...)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}

// SameShape reports whether two tensors have equal shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i, d := range a.shape {
		if b.shape[i] != d {
			return false
		}
	}
	return true
}

// MaxAbsDiff returns the largest absolute difference
// between corresponding elements.
func MaxAbsDiff(a, b *Tensor) float64 {
	mustSameShape(a, b)
	var res float64
	for i, x := range a.data {
		res = math.Max(res, math.Abs(x-b.data[i]))
	}
	return res
}

// Add returns the element-wise sum of tensors with equal
// shapes.
func Add(a *Tensor, others ...*Tensor) *Tensor {
	res := a.Clone()
	for _, b := range others {
		mustSameShape(a, b)
		floats.Add(res.data, b.data)
	}
	return res
}

// Sub returns a - b.
func Sub(a, b *Tensor) *Tensor {
	mustSameShape(a, b)
	res := a.Clone()
	floats.Sub(res.data, b.data)
	return res
}

// Mul returns the element-wise product a * b.
func Mul(a, b *Tensor) *Tensor {
	mustSameShape(a, b)
	res := a.Clone()
	floats.Mul(res.data, b.data)
	return res
}

// Scale returns s * t.
func Scale(t *Tensor, s float64) *Tensor {
	res := t.Clone()
	floats.Scale(s, res.data)
	return res
}

// Map applies f to every element.
func Map(t *Tensor, f func(x float64) float64) *Tensor {
	res := New(t.shape...)
	for i, x := range t.data {
		res.data[i] = f(x)
	}
	return res
}

// AddRow adds a vector to every row of t, where a row runs
// along the last dimension.
func AddRow(t, row *Tensor) *Tensor {
	cols := t.Dim(-1)
	if row.Len() != cols {
		panic(fmt.Sprintf("cannot add row of %d values to %v", row.Len(), t.shape))
	}
	res := t.Clone()
	for i := 0; i < len(res.data); i += cols {
		floats.Add(res.data[i:i+cols], row.data)
	}
	return res
}

// SumRows sums t over every dimension except the last.
func SumRows(t *Tensor) *Tensor {
	cols := t.Dim(-1)
	res := New(cols)
	for i := 0; i < len(t.data); i += cols {
		floats.Add(res.data, t.data[i:i+cols])
	}
	return res
}

func mustSameShape(a, b *Tensor) {
	if !SameShape(a, b) {
		panic(fmt.Sprintf("mismatching shapes %v and %v", a.shape, b.shape))
	}
}

func cloneShape(shape []int) []int {
	return append([]int{}, shape...)
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("invalid shape %v", shape))
		}
		n *= d
	}
	return n
}
