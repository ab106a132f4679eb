package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samcharles93/punica/internal/kernels"
	"github.com/samcharles93/punica/internal/lora"
	"github.com/samcharles93/punica/internal/tensor"
	"github.com/samcharles93/punica/internal/workpool"
)

const opAddLora = "add_lora"

type loraCall struct {
	dims    lora.Dims
	batch   int
	kernels map[int]kernels.LoraKernel
}

// AddLora accumulates, for every request i,
//
//	y[i] += scale * (x[i] @ A[indices[i], layer][:, :r]) @ B[indices[i], layer][:r, :]
//
// where r is the adapter's effective rank. Intermediates stay in float32 and
// y is rounded once per element. x is [B, in] and y is [B, out], both in the
// stack's dtype. On error y is untouched, except for ErrExecution.
func (e *Engine) AddLora(ctx context.Context, x, y *tensor.Tensor, stack *lora.Stack, indices []int, layer int, scale float32) error {
	if err := e.begin(ctx); err != nil {
		return err
	}
	call, err := e.validateLora(x, y, stack, indices, layer)
	if err != nil {
		e.reject(opAddLora, err)
		return err
	}
	if call.batch == 0 {
		e.stats.loraCalls.Add(1)
		return nil
	}

	plan := planLora(indices, stack.Rank, func(r int) kernels.Kind { return call.kernels[r].Kind() })
	items := plan.items()
	d := call.dims

	tile := min(e.opts.ExpandTile, d.Out)
	tiles := (d.Out + tile - 1) / tile
	workers := e.pool.Size()

	var shrinkPer, expandPer int
	for _, it := range items {
		k := call.kernels[plan.Buckets[it.Bucket].Rank]
		shrinkPer = max(shrinkPer, k.ShrinkScratch(len(it.Rows), d.In))
		expandPer = max(expandPer, k.ExpandScratch(len(it.Rows), tile))
	}
	perSlot := max(shrinkPer, expandPer)
	tmpStride := d.MaxRank
	need := call.batch*tmpStride + workers*perSlot
	if !e.scratch.fits(need) {
		err := &ExhaustedError{Op: opAddLora, Need: int64(need) * 4, Budget: e.scratch.budget}
		e.reject(opAddLora, err)
		return err
	}

	if e.log.Enabled(ctx, slog.LevelDebug) {
		e.log.Debug("lora plan", "batch", call.batch, "buckets", len(plan.Buckets),
			"items", len(items), "tiles", tiles, "scratch_floats", need)
	}

	buf := e.scratch.get(need)
	defer e.scratch.put(buf)
	tmp := buf[:call.batch*tmpStride]
	slotScratch := func(slot int) []float32 {
		off := call.batch*tmpStride + slot*perSlot
		return buf[off : off+perSlot]
	}

	view := func(it workItem) (kernels.LoraKernel, kernels.AdapterView) {
		r := plan.Buckets[it.Bucket].Rank
		return call.kernels[r], kernels.AdapterView{
			A:       stack.A,
			B:       stack.B,
			AOff:    d.AOffset(it.Adapter, layer),
			AStride: d.MaxRank,
			BOff:    d.BOffset(it.Adapter, layer),
			BStride: d.Out,
			In:      d.In,
			Out:     d.Out,
			Rank:    r,
		}
	}

	err = e.pool.RunSlots(len(items), 1, func(slot, lo, hi int) {
		scratch := slotScratch(slot)
		for _, it := range items[lo:hi] {
			k, av := view(it)
			k.Shrink(av, x, it.Rows, tmp, tmpStride, scratch)
		}
	})
	if err != nil {
		return e.fail(opAddLora, err)
	}

	err = e.pool.RunSlots(len(items)*tiles, 1, func(slot, lo, hi int) {
		scratch := slotScratch(slot)
		for w := lo; w < hi; w++ {
			it := items[w/tiles]
			c0 := (w % tiles) * tile
			c1 := min(c0+tile, d.Out)
			k, av := view(it)
			k.Expand(av, tmp, tmpStride, y, it.Rows, c0, c1, scale, scratch)
		}
	})
	if err != nil {
		return e.fail(opAddLora, err)
	}

	e.stats.loraCalls.Add(1)
	e.stats.loraRequests.Add(uint64(call.batch))
	e.stats.bgmvSegments.Add(uint64(plan.segments(kernels.BGMV)))
	e.stats.sgmvSegments.Add(uint64(plan.segments(kernels.SGMV)))
	return nil
}

func (e *Engine) validateLora(x, y *tensor.Tensor, stack *lora.Stack, indices []int, layer int) (loraCall, error) {
	d, err := stack.Validate()
	if err != nil {
		return loraCall{}, contractWrap(opAddLora, "adapter stack", err)
	}
	if err := x.Validate(); err != nil {
		return loraCall{}, contractWrap(opAddLora, "x", err)
	}
	if err := y.Validate(); err != nil {
		return loraCall{}, contractWrap(opAddLora, "y", err)
	}
	if x.Rank() != 2 || y.Rank() != 2 {
		return loraCall{}, contractf(opAddLora, "x %s and y %s must be [batch, features]",
			tensor.FormatShape(x.Shape), tensor.FormatShape(y.Shape))
	}
	batch := x.Dim(0)
	if y.Dim(0) != batch {
		return loraCall{}, contractf(opAddLora, "x has %d rows, y has %d", batch, y.Dim(0))
	}
	if x.Dim(1) != d.In {
		return loraCall{}, contractf(opAddLora, "x has %d features, A expects %d", x.Dim(1), d.In)
	}
	if y.Dim(1) != d.Out {
		return loraCall{}, contractf(opAddLora, "y has %d features, B produces %d", y.Dim(1), d.Out)
	}
	if x.DType != stack.A.DType || y.DType != stack.A.DType {
		return loraCall{}, contractf(opAddLora, "dtypes differ: x %s, y %s, adapters %s", x.DType, y.DType, stack.A.DType)
	}
	if len(indices) != batch {
		return loraCall{}, contractf(opAddLora, "%d adapter indices for batch %d", len(indices), batch)
	}
	if layer < 0 || layer >= d.Layers {
		return loraCall{}, contractf(opAddLora, "layer %d outside [0, %d)", layer, d.Layers)
	}

	call := loraCall{dims: d, batch: batch, kernels: make(map[int]kernels.LoraKernel)}
	for i, a := range indices {
		if a < 0 || a >= d.Adapters {
			return loraCall{}, contractf(opAddLora, "request %d selects adapter %d outside [0, %d)", i, a, d.Adapters)
		}
		r := stack.Rank(a)
		if _, ok := call.kernels[r]; ok {
			continue
		}
		k, err := e.table.Lora(kernels.LoraKey{DType: x.DType, Rank: r})
		if err != nil {
			return loraCall{}, contractWrap(opAddLora, "no kernel", err)
		}
		call.kernels[r] = k
	}
	return call, nil
}

func (e *Engine) fail(op string, err error) error {
	if errors.Is(err, workpool.ErrClosed) {
		// Close raced a call that had already started.
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	err = executionError{op: op, err: err}
	e.stats.failed.Add(1)
	e.log.Error("kernel failed", "op", op, "error", err)
	return err
}
