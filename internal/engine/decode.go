package engine

import (
	"context"
	"log/slog"
	"slices"

	"github.com/samcharles93/punica/internal/kernels"
	"github.com/samcharles93/punica/internal/kvcache"
	"github.com/samcharles93/punica/internal/rope"
	"github.com/samcharles93/punica/internal/tensor"
)

const opDecode = "rotary_mha_decode"

type decodeCall struct {
	batch, heads, dim int
	kernel            kernels.DecodeKernel
	rotary            *rope.Rotary
}

// RotaryMHADecode runs one decode step of multi-head attention for a batch of
// requests, each with its own history in cache.
//
// For request i and head h it rotates q and k to position pastLens[i],
// stores the rotated key and raw value at that position of slot slots[i],
// then attends the rotated query over positions 0..pastLens[i]. q, k and v
// are [B, H, D]; the result has the same shape and dtype.
//
// The whole batch is validated before anything is written: on any error
// the cache is unchanged. pastLens is never modified; advancing it is the
// caller's job.
func (e *Engine) RotaryMHADecode(ctx context.Context, q, k, v *tensor.Tensor, pastLens []int, cache *kvcache.Cache, slots []int, layer int) (*tensor.Tensor, error) {
	if err := e.begin(ctx); err != nil {
		return nil, err
	}
	call, err := e.validateDecode(q, k, v, pastLens, cache, slots, layer)
	if err != nil {
		e.reject(opDecode, err)
		return nil, err
	}
	out, err := tensor.New(q.DType, q.Shape...)
	if err != nil {
		return nil, contractWrap(opDecode, "output", err)
	}
	if call.batch == 0 {
		e.stats.decodeCalls.Add(1)
		return out, nil
	}

	l := cache.Layout()
	b, h, d := call.batch, call.heads, call.dim
	half := d / 2
	attnScratch := call.kernel.ScratchLen()
	perSlot := max(attnScratch+d, 2*half+d)
	need := b*h*d + e.pool.Size()*perSlot
	if !e.scratch.fits(need) {
		err := &ExhaustedError{Op: opDecode, Need: int64(need) * 4, Budget: e.scratch.budget}
		e.reject(opDecode, err)
		return nil, err
	}
	buf := e.scratch.get(need)
	defer e.scratch.put(buf)
	qrot := buf[:b*h*d]
	slotScratch := func(slot int) []float32 {
		off := b*h*d + slot*perSlot
		return buf[off : off+perSlot]
	}

	if e.log.Enabled(ctx, slog.LevelDebug) {
		e.log.Debug("decode plan", "batch", b, "heads", h, "head_dim", d,
			"kernel", call.kernel.Key().String(), "max_past_len", slices.Max(pastLens))
	}

	data := cache.Tensor()
	err = e.pool.RunSlots(b, 1, func(slot, lo, hi int) {
		s := slotScratch(slot)
		cos, sin, row := s[:half], s[half:2*half], s[2*half:2*half+d]
		for i := lo; i < hi; i++ {
			pos := pastLens[i]
			call.rotary.Angles(pos, cos, sin)
			for hh := 0; hh < h; hh++ {
				off := (i*h + hh) * d
				qr := qrot[off : off+d]
				q.Load(qr, off)
				rope.Rotate(qr, cos, sin)

				k.Load(row, off)
				rope.Rotate(row, cos, sin)
				data.Store(row, cache.Offset(slots[i], layer, kvcache.K, pos, hh))

				v.Load(row, off)
				data.Store(row, cache.Offset(slots[i], layer, kvcache.V, pos, hh))
			}
		}
	})
	if err != nil {
		return nil, e.fail(opDecode, err)
	}

	err = e.pool.RunSlots(b*h, 1, func(slot, lo, hi int) {
		s := slotScratch(slot)
		scratch, acc := s[:attnScratch], s[attnScratch:attnScratch+d]
		for w := lo; w < hi; w++ {
			i, hh := w/h, w%h
			hc := kernels.HeadCache{
				Data:      data,
				KBase:     cache.Offset(slots[i], layer, kvcache.K, 0, hh),
				VBase:     cache.Offset(slots[i], layer, kvcache.V, 0, hh),
				PosStride: l.PosStride(),
			}
			off := w * d
			call.kernel.Attend(qrot[off:off+d], hc, pastLens[i]+1, acc, scratch)
			out.Store(acc, off)
		}
	})
	if err != nil {
		return nil, e.fail(opDecode, err)
	}

	e.stats.decodeCalls.Add(1)
	e.stats.decodeRequests.Add(uint64(b))
	return out, nil
}

func (e *Engine) validateDecode(q, k, v *tensor.Tensor, pastLens []int, cache *kvcache.Cache, slots []int, layer int) (decodeCall, error) {
	if cache == nil {
		return decodeCall{}, contractf(opDecode, "nil cache")
	}
	l := cache.Layout()
	inputs := []struct {
		name string
		t    *tensor.Tensor
	}{{"q", q}, {"k", k}, {"v", v}}
	for _, in := range inputs {
		if err := in.t.Validate(); err != nil {
			return decodeCall{}, contractWrap(opDecode, in.name, err)
		}
	}
	if q.Rank() != 3 {
		return decodeCall{}, contractf(opDecode, "q %s must be [batch, heads, head_dim]", tensor.FormatShape(q.Shape))
	}
	for _, in := range inputs[1:] {
		if !slices.Equal(in.t.Shape, q.Shape) {
			return decodeCall{}, contractf(opDecode, "%s %s does not match q %s", in.name,
				tensor.FormatShape(in.t.Shape), tensor.FormatShape(q.Shape))
		}
		if in.t.DType != q.DType {
			return decodeCall{}, contractf(opDecode, "%s is %s, q is %s", in.name, in.t.DType, q.DType)
		}
	}
	if q.DType != l.DType {
		return decodeCall{}, contractf(opDecode, "inputs are %s, cache is %s", q.DType, l.DType)
	}
	b, h, d := q.Dim(0), q.Dim(1), q.Dim(2)
	if h != l.Heads || d != l.HeadDim {
		return decodeCall{}, contractf(opDecode, "inputs have %d heads of %d, cache has %d heads of %d",
			h, d, l.Heads, l.HeadDim)
	}
	if len(pastLens) != b || len(slots) != b {
		return decodeCall{}, contractf(opDecode, "batch %d with %d past lengths and %d slots", b, len(pastLens), len(slots))
	}
	if layer < 0 || layer >= l.Layers {
		return decodeCall{}, contractf(opDecode, "layer %d outside [0, %d)", layer, l.Layers)
	}

	kern, err := e.table.Decode(kernels.DecodeKey{DType: l.DType, HeadDim: d, PageSize: l.PageSize})
	if err != nil {
		return decodeCall{}, contractWrap(opDecode, "no kernel", err)
	}
	rot, ok := e.rotary[d]
	if !ok {
		return decodeCall{}, contractf(opDecode, "no rotary embedding for head dim %d", d)
	}

	for i := 0; i < b; i++ {
		if slots[i] < 0 || slots[i] >= l.Slots {
			return decodeCall{}, contractf(opDecode, "request %d uses slot %d outside [0, %d)", i, slots[i], l.Slots)
		}
		if pastLens[i] < 0 {
			return decodeCall{}, contractf(opDecode, "request %d has negative past length %d", i, pastLens[i])
		}
	}
	for i := 0; i < b; i++ {
		if pastLens[i]+1 > l.MaxSeqLen {
			return decodeCall{}, &OverflowError{Request: i, Slot: slots[i], PastLen: pastLens[i], MaxSeqLen: l.MaxSeqLen}
		}
	}
	return decodeCall{batch: b, heads: h, dim: d, kernel: kern, rotary: rot}, nil
}
