package kernels

import (
	"math"

	"github.com/samcharles93/punica/internal/tensor"
)

// HeadCache locates the cached rows of one head for one (slot, layer).
// Position p of the K plane starts at KBase + p*PosStride, of the V plane at
// VBase + p*PosStride.
type HeadCache struct {
	Data      *tensor.Tensor
	KBase     int
	VBase     int
	PosStride int
}

// DecodeKernel attends one rotated query over a variable-length history.
type DecodeKernel interface {
	Key() DecodeKey
	// ScratchLen is the float32 scratch Attend needs per concurrent call.
	ScratchLen() int
	// Attend writes softmax(q.K[0:n]/sqrt(D)) . V[0:n] into out. q and out
	// have length HeadDim; n >= 1.
	Attend(q []float32, hc HeadCache, n int, out, scratch []float32)
}

type decodeKernel struct {
	key   DecodeKey
	dot   dotFunc
	scale float32
}

func newDecodeKernel(key DecodeKey, dot dotFunc) *decodeKernel {
	return &decodeKernel{
		key:   key,
		dot:   dot,
		scale: float32(1.0 / math.Sqrt(float64(key.HeadDim))),
	}
}

func (k *decodeKernel) Key() DecodeKey { return k.key }

func (k *decodeKernel) ScratchLen() int {
	return k.key.PageSize*k.key.HeadDim + k.key.PageSize
}

// Attend walks the history one page at a time with an online softmax: the
// running maximum m and normaliser sum are rescaled whenever a page raises
// the maximum, so every exponent is taken relative to the largest score seen.
func (k *decodeKernel) Attend(q []float32, hc HeadCache, n int, out, scratch []float32) {
	d := k.key.HeadDim
	ps := k.key.PageSize
	q = q[:d]
	out = out[:d]
	rows := scratch[:ps*d]
	scores := scratch[ps*d : ps*d+ps]

	clear(out)
	m := float32(math.Inf(-1))
	var sum float32

	for p0 := 0; p0 < n; p0 += ps {
		cnt := min(ps, n-p0)

		pageMax := m
		for j := 0; j < cnt; j++ {
			row := rows[j*d : (j+1)*d]
			hc.Data.Load(row, hc.KBase+(p0+j)*hc.PosStride)
			s := k.dot(q, row) * k.scale
			scores[j] = s
			if s > pageMax {
				pageMax = s
			}
		}
		if pageMax > m {
			corr := float32(math.Exp(float64(m - pageMax)))
			sum *= corr
			for x := range out {
				out[x] *= corr
			}
			m = pageMax
		}

		for j := 0; j < cnt; j++ {
			w := float32(math.Exp(float64(scores[j] - m)))
			scores[j] = w
			sum += w
		}
		for j := 0; j < cnt; j++ {
			row := rows[j*d : (j+1)*d]
			hc.Data.Load(row, hc.VBase+(p0+j)*hc.PosStride)
			tensor.Axpy(out, scores[j], row)
		}
	}

	if sum == 0 {
		return
	}
	inv := 1 / sum
	for x := range out {
		out[x] *= inv
	}
}
