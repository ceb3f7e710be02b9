package tensor

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Softmax normalizes t along its last dimension.
func Softmax(t *Tensor) *Tensor {
	cols := t.Dim(-1)
	res := t.Clone()
	if cols == 0 {
		return res
	}
	for i := 0; i < len(res.data); i += cols {
		row := res.data[i : i+cols]
		peak := floats.Max(row)
		for j, x := range row {
			row[j] = math.Exp(x - peak)
		}
		floats.Scale(1/floats.Sum(row), row)
	}
	return res
}

// SoftmaxBackward maps the gradient of a Softmax output y
// to the gradient of its input.
func SoftmaxBackward(y, grad *Tensor) *Tensor {
	mustSameShape(y, grad)
	cols := y.Dim(-1)
	res := New(y.shape...)
	if cols == 0 {
		return res
	}
	for i := 0; i < len(res.data); i += cols {
		yRow, gRow := y.data[i:i+cols], grad.data[i:i+cols]
		dot := floats.Dot(yRow, gRow)
		for j, yj := range yRow {
			res.data[i+j] = yj * (gRow[j] - dot)
		}
	}
	return res
}

// GELU is the exact Gaussian error linear unit.
func GELU(x float64) float64 {
	return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
}

// GELUDerivative is the derivative of GELU.
func GELUDerivative(x float64) float64 {
	cdf := 0.5 * (1 + math.Erf(x/math.Sqrt2))
	pdf := math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
	return cdf + x*pdf
}

// ReLU is the rectified linear unit.
func ReLU(x float64) float64 {
	return math.Max(0, x)
}

// ReLUDerivative is the derivative of ReLU, taken as 0 at
// the origin.
func ReLUDerivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

// TanhDerivative is the derivative of math.Tanh.
func TanhDerivative(x float64) float64 {
	t := math.Tanh(x)
	return 1 - t*t
}

// DropoutMask samples an inverted dropout mask: every
// element is 0 with probability p and 1/(1-p) otherwise.
// It returns nil if p is 0, meaning no dropout.
func DropoutMask(rng *rand.Rand, p float64, shape ...int) *Tensor {
	if p == 0 {
		return nil
	}
	res := New(shape...)
	keep := 1 / (1 - p)
	for i := range res.data {
		if rng.Float64() >= p {
			res.data[i] = keep
		}
	}
	return res
}

// ApplyMask multiplies t by a dropout mask. A nil mask
// leaves t unchanged.
func ApplyMask(t, mask *Tensor) *Tensor {
	if mask == nil {
		return t
	}
	return Mul(t, mask)
}
