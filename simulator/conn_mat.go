package simulator

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// A ConnMat is a connectivity matrix between devices.
//
// Entry (src, dst) is a transfer rate from the device of
// rank src to the device of rank dst.
type ConnMat struct {
	rates *mat.Dense
}

// NewConnMat creates an all-zero connection matrix for
// numDevices devices. numDevices must be positive.
func NewConnMat(numDevices int) *ConnMat {
	return &ConnMat{rates: mat.NewDense(numDevices, numDevices, nil)}
}

// NumDevices returns the number of devices.
func (c *ConnMat) NumDevices() int {
	n, _ := c.rates.Dims()
	return n
}

// Get an entry in the matrix.
func (c *ConnMat) Get(src, dst int) float64 {
	return c.rates.At(src, dst)
}

// Set an entry in the matrix.
func (c *ConnMat) Set(src, dst int, value float64) {
	c.rates.Set(src, dst, value)
}

// SumDest sums the rates flowing into dst.
func (c *ConnMat) SumDest(dst int) float64 {
	return floats.Sum(mat.Col(nil, dst, c.rates))
}

// SumSource sums the rates flowing out of src.
func (c *ConnMat) SumSource(src int) float64 {
	return floats.Sum(c.rates.RawRowView(src))
}

// ScaleDest scales the rates flowing into dst.
func (c *ConnMat) ScaleDest(dst int, scale float64) {
	for src := 0; src < c.NumDevices(); src++ {
		c.rates.Set(src, dst, c.rates.At(src, dst)*scale)
	}
}

// ScaleSource scales the rates flowing out of src.
func (c *ConnMat) ScaleSource(src int, scale float64) {
	floats.Scale(scale, c.rates.RawRowView(src))
}
