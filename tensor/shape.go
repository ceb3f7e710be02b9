package tensor

import "fmt"

// Permute reorders the dimensions of t so that dimension i
// of the result is dimension perm[i] of t.
func Permute(t *Tensor, perm ...int) *Tensor {
	if len(perm) != t.Rank() {
		panic(fmt.Sprintf("permutation %v does not match %v", perm, t.shape))
	}
	outShape := make([]int, len(perm))
	seen := make([]bool, len(perm))
	for i, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			panic(fmt.Sprintf("invalid permutation %v", perm))
		}
		seen[p] = true
		outShape[i] = t.shape[p]
	}
	inStrides := strides(t.shape)
	srcStrides := make([]int, len(perm))
	for i, p := range perm {
		srcStrides[i] = inStrides[p]
	}

	res := New(outShape...)
	index := make([]int, len(perm))
	src := 0
	for dst := range res.data {
		res.data[dst] = t.data[src]
		// Advance the multi-index like an odometer.
		for d := len(index) - 1; d >= 0; d-- {
			index[d]++
			src += srcStrides[d]
			if index[d] < outShape[d] {
				break
			}
			src -= srcStrides[d] * index[d]
			index[d] = 0
		}
	}
	return res
}

// Narrow returns the slice [start, start+length) of t
// along dimension dim.
func Narrow(t *Tensor, dim, start, length int) *Tensor {
	outer, size, inner := splitAt(t.shape, dim)
	if start < 0 || length < 0 || start+length > size {
		panic(fmt.Sprintf("range [%d, %d) is outside of dimension %d of %v",
			start, start+length, dim, t.shape))
	}
	outShape := cloneShape(t.shape)
	outShape[dim] = length
	res := New(outShape...)
	chunk := length * inner
	for o := 0; o < outer; o++ {
		src := (o*size + start) * inner
		copy(res.data[o*chunk:(o+1)*chunk], t.data[src:src+chunk])
	}
	return res
}

// Split divides t along dim into n equally sized pieces.
func Split(t *Tensor, dim, n int) []*Tensor {
	size := t.shape[dim]
	if n <= 0 || size%n != 0 {
		panic(fmt.Sprintf("dimension %d of %v cannot be split into %d pieces", dim, t.shape, n))
	}
	res := make([]*Tensor, n)
	for i := range res {
		res[i] = Narrow(t, dim, i*size/n, size/n)
	}
	return res
}

// Cat concatenates tensors along dimension dim. All other
// dimensions must match.
func Cat(dim int, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("nothing to concatenate")
	}
	outShape := cloneShape(ts[0].shape)
	outShape[dim] = 0
	for _, t := range ts {
		if t.Rank() != len(outShape) {
			panic(fmt.Sprintf("cannot concatenate %v and %v", ts[0].shape, t.shape))
		}
		for i, d := range t.shape {
			if i != dim && d != outShape[i] {
				panic(fmt.Sprintf("cannot concatenate %v and %v", ts[0].shape, t.shape))
			}
		}
		outShape[dim] += t.shape[dim]
	}
	res := New(outShape...)
	outer, size, inner := splitAt(outShape, dim)
	offset := 0
	for _, t := range ts {
		chunk := t.shape[dim] * inner
		for o := 0; o < outer; o++ {
			dst := (o*size)*inner + offset
			copy(res.data[dst:dst+chunk], t.data[o*chunk:(o+1)*chunk])
		}
		offset += chunk
	}
	return res
}

// Patches extracts non-overlapping patch×patch squares from
// images [B, C, H, W] and returns them as [B, N, C*patch*patch],
// where N = (H/patch)*(W/patch) counts patches row by row.
// Each patch is flattened in (channel, row, column) order.
func Patches(images *Tensor, patch int) *Tensor {
	if images.Rank() != 4 || images.Dim(2)%patch != 0 || images.Dim(3)%patch != 0 {
		panic(fmt.Sprintf("cannot split %v into %d×%d patches", images.shape, patch, patch))
	}
	b, c, h, w := images.Dim(0), images.Dim(1), images.Dim(2), images.Dim(3)
	rows, cols := h/patch, w/patch
	// [B, C, rows, patch, cols, patch] -> [B, rows, cols, C, patch, patch]
	split := images.Reshape(b, c, rows, patch, cols, patch)
	return Permute(split, 0, 2, 4, 1, 3, 5).Reshape(b, rows*cols, c*patch*patch)
}

func strides(shape []int) []int {
	res := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		res[i] = stride
		stride *= shape[i]
	}
	return res
}

func splitAt(shape []int, dim int) (outer, size, inner int) {
	return numElements(shape[:dim]), shape[dim], numElements(shape[dim+1:])
}
