package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// MatMul multiplies a [..., K] by a matrix b [K, H] and
// returns a [..., H] tensor.
func MatMul(a, b *Tensor) *Tensor {
	if b.Rank() != 2 || a.Dim(-1) != b.Dim(0) {
		panic(fmt.Sprintf("cannot multiply %v by %v", a.shape, b.shape))
	}
	outShape := append(cloneShape(a.shape[:a.Rank()-1]), b.Dim(1))
	res := New(outShape...)
	mulInto(res.data, a.data, b.data, rowsOf(a), a.Dim(-1), b.Dim(1), false, false)
	return res
}

// MatMulTransA treats a as [M, K] and b as [M, H] (both
// flattened over all but their last dimension) and returns
// the [K, H] product aᵀ·b.
func MatMulTransA(a, b *Tensor) *Tensor {
	m := rowsOf(a)
	if rowsOf(b) != m {
		panic(fmt.Sprintf("cannot multiply transposed %v by %v", a.shape, b.shape))
	}
	k, h := a.Dim(-1), b.Dim(-1)
	res := New(k, h)
	mulInto(res.data, a.data, b.data, k, m, h, true, false)
	return res
}

// MatMulTransB multiplies a [..., H] by the transpose of a
// matrix b [K, H] and returns a [..., K] tensor.
func MatMulTransB(a, b *Tensor) *Tensor {
	if b.Rank() != 2 || a.Dim(-1) != b.Dim(1) {
		panic(fmt.Sprintf("cannot multiply %v by transposed %v", a.shape, b.shape))
	}
	outShape := append(cloneShape(a.shape[:a.Rank()-1]), b.Dim(0))
	res := New(outShape...)
	mulInto(res.data, a.data, b.data, rowsOf(a), a.Dim(-1), b.Dim(0), false, true)
	return res
}

// BatchMatMul multiplies the matrices stored in the last
// two dimensions of a and b, for every index of the
// leading dimensions, optionally transposing either side.
func BatchMatMul(a, b *Tensor, transA, transB bool) *Tensor {
	if a.Rank() < 2 || a.Rank() != b.Rank() {
		panic(fmt.Sprintf("cannot batch-multiply %v by %v", a.shape, b.shape))
	}
	batchShape := a.shape[:a.Rank()-2]
	for i, d := range batchShape {
		if b.shape[i] != d {
			panic(fmt.Sprintf("mismatching batch shapes %v and %v", a.shape, b.shape))
		}
	}
	m, k := a.Dim(-2), a.Dim(-1)
	if transA {
		m, k = k, m
	}
	k1, n := b.Dim(-2), b.Dim(-1)
	if transB {
		k1, n = n, k1
	}
	if k != k1 {
		panic(fmt.Sprintf("cannot batch-multiply %v by %v", a.shape, b.shape))
	}
	res := New(append(cloneShape(batchShape), m, n)...)
	aSize, bSize, outSize := m*k, k*n, m*n
	for i := 0; i < numElements(batchShape); i++ {
		mulInto(res.data[i*outSize:(i+1)*outSize], a.data[i*aSize:(i+1)*aSize],
			b.data[i*bSize:(i+1)*bSize], m, k, n, transA, transB)
	}
	return res
}

// MatMulFlops is the number of floating-point operations
// in an [m, k] by [k, n] product.
func MatMulFlops(m, k, n int) int {
	return 2 * m * k * n
}

// mulInto stores the [m, n] product of an [m, k] and a
// [k, n] matrix in out. Transposed operands are given in
// their stored layout.
func mulInto(out, a, b []float64, m, k, n int, transA, transB bool) {
	if m == 0 || n == 0 {
		return
	}
	if k == 0 {
		for i := range out {
			out[i] = 0
		}
		return
	}
	var aMat, bMat mat.Matrix
	if transA {
		aMat = mat.NewDense(k, m, a).T()
	} else {
		aMat = mat.NewDense(m, k, a)
	}
	if transB {
		bMat = mat.NewDense(n, k, b).T()
	} else {
		bMat = mat.NewDense(k, n, b)
	}
	mat.NewDense(m, n, out).Mul(aMat, bMat)
}

func rowsOf(t *Tensor) int {
	cols := t.Dim(-1)
	if cols == 0 {
		return numElements(t.shape[:t.Rank()-1])
	}
	return t.Len() / cols
}
