package kernels

import (
	"github.com/samcharles93/punica/internal/tensor"
)

// Kind names the LoRA kernel family.
type Kind uint8

const (
	// BGMV runs one matrix-vector product per request.
	BGMV Kind = iota
	// SGMV gathers the requests of one adapter into a segment and runs one
	// matrix-matrix product per segment.
	SGMV
)

func (k Kind) String() string {
	switch k {
	case BGMV:
		return "bgmv"
	case SGMV:
		return "sgmv"
	default:
		return "unknown"
	}
}

// AdapterView locates the (A, B) planes of one adapter at one layer inside
// the stacked adapter tensors. Only the first Rank columns of A and rows of
// B take part.
type AdapterView struct {
	A, B *tensor.Tensor
	// AOff is the flat offset of A[adapter, layer, 0, 0]; rows of the plane
	// are AStride apart.
	AOff, AStride int
	// BOff is the flat offset of B[adapter, layer, 0, 0]; rows of the plane
	// are BStride apart.
	BOff, BStride int
	In, Out, Rank int
}

// LoraKernel computes y += scale * (x @ A) @ B for rows sharing one adapter,
// in two phases so the expand phase can be tiled over output columns.
//
// tmp holds one row of TmpStride floats per request, indexed by request.
type LoraKernel interface {
	Key() LoraKey
	Kind() Kind
	ShrinkScratch(rows, in int) int
	ExpandScratch(rows, cols int) int
	// Shrink writes tmp[req, :Rank] = x[req] @ A for every req in rows.
	Shrink(av AdapterView, x *tensor.Tensor, rows []int, tmp []float32, tmpStride int, scratch []float32)
	// Expand accumulates y[req, lo:hi] += scale * tmp[req, :Rank] @ B[:, lo:hi].
	Expand(av AdapterView, tmp []float32, tmpStride int, y *tensor.Tensor, rows []int, lo, hi int, scale float32, scratch []float32)
}

type bgmvKernel struct {
	key LoraKey
}

func (k bgmvKernel) Key() LoraKey { return k.key }
func (k bgmvKernel) Kind() Kind   { return BGMV }

func (k bgmvKernel) ShrinkScratch(rows, in int) int { return in + k.key.Rank }

func (k bgmvKernel) ExpandScratch(rows, cols int) int { return 2 * cols }

func (k bgmvKernel) Shrink(av AdapterView, x *tensor.Tensor, rows []int, tmp []float32, tmpStride int, scratch []float32) {
	r := av.Rank
	xrow := scratch[:av.In]
	arow := scratch[av.In : av.In+r]
	for _, req := range rows {
		x.Load(xrow, req*av.In)
		t := tmp[req*tmpStride : req*tmpStride+r]
		clear(t)
		for kk, xv := range xrow {
			av.A.Load(arow, av.AOff+kk*av.AStride)
			tensor.Axpy(t, xv, arow)
		}
	}
}

func (k bgmvKernel) Expand(av AdapterView, tmp []float32, tmpStride int, y *tensor.Tensor, rows []int, lo, hi int, scale float32, scratch []float32) {
	w := hi - lo
	out := scratch[:w]
	brow := scratch[w : 2*w]
	for _, req := range rows {
		t := tmp[req*tmpStride : req*tmpStride+av.Rank]
		clear(out)
		for c, tv := range t {
			av.B.Load(brow, av.BOff+c*av.BStride+lo)
			tensor.Axpy(out, tv, brow)
		}
		y.Accumulate(out, req*av.Out+lo, scale)
	}
}

type sgmvKernel struct {
	key LoraKey
}

func (k sgmvKernel) Key() LoraKey { return k.key }
func (k sgmvKernel) Kind() Kind   { return SGMV }

func (k sgmvKernel) ShrinkScratch(rows, in int) int {
	r := k.key.Rank
	return rows*in + in*r + rows*r
}

func (k sgmvKernel) ExpandScratch(rows, cols int) int {
	r := k.key.Rank
	return rows*r + r*cols + rows*cols
}

func (k sgmvKernel) Shrink(av AdapterView, x *tensor.Tensor, rows []int, tmp []float32, tmpStride int, scratch []float32) {
	m, in, r := len(rows), av.In, av.Rank
	X, scratch := tensor.Carve(scratch, m, in)
	A, scratch := tensor.Carve(scratch, in, r)
	C, _ := tensor.Carve(scratch, m, r)

	for i, req := range rows {
		x.Load(X.Row(i), req*in)
	}
	A.Gather(av.A, av.AOff, av.AStride)
	tensor.Gemm(&C, &X, &A, 1, 0)
	for i, req := range rows {
		copy(tmp[req*tmpStride:req*tmpStride+r], C.Row(i))
	}
}

func (k sgmvKernel) Expand(av AdapterView, tmp []float32, tmpStride int, y *tensor.Tensor, rows []int, lo, hi int, scale float32, scratch []float32) {
	m, r, w := len(rows), av.Rank, hi-lo
	T, scratch := tensor.Carve(scratch, m, r)
	B, scratch := tensor.Carve(scratch, r, w)
	O, _ := tensor.Carve(scratch, m, w)

	for i, req := range rows {
		copy(T.Row(i), tmp[req*tmpStride:req*tmpStride+r])
	}
	B.Gather(av.B, av.BOff+lo, av.BStride)
	tensor.Gemm(&O, &T, &B, 1, 0)
	for i, req := range rows {
		y.Accumulate(O.Row(i), req*av.Out+lo, scale)
	}
}
