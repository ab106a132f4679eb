package bench

import (
	"context"
	"math/rand"

	"github.com/samcharles93/punica/internal/engine"
	"github.com/samcharles93/punica/internal/kvcache"
	"github.com/samcharles93/punica/internal/lora"
	"github.com/samcharles93/punica/internal/tensor"
)

func randn(rng *rand.Rand, t *tensor.Tensor) {
	const chunk = 4096
	buf := make([]float32, chunk)
	for off := 0; off < t.Len(); off += chunk {
		n := min(chunk, t.Len()-off)
		for i := range buf[:n] {
			buf[i] = float32(rng.NormFloat64())
		}
		t.Store(buf[:n], off)
	}
}

// DecodeResources holds the inputs of one decode case. Request i uses
// cache slot i.
type DecodeResources struct {
	Q, K, V  *tensor.Tensor
	Cache    *kvcache.Cache
	PastLens []int
	Slots    []int
}

// NewDecodeResources allocates the cache through e so its byte budget
// applies; an oversized case fails with engine.ErrResourceExhausted.
func NewDecodeResources(e *engine.Engine, c DecodeCase, pageSize int) (*DecodeResources, error) {
	rng := rand.New(rand.NewSource(Seed))
	cache, err := e.NewCache(kvcache.Layout{
		Slots: c.Batch, Layers: c.Layers, MaxSeqLen: c.MaxLen,
		Heads: c.Heads, HeadDim: c.HeadDim, PageSize: pageSize, DType: c.DType,
	})
	if err != nil {
		return nil, err
	}
	randn(rng, cache.Tensor())

	r := &DecodeResources{Cache: cache, PastLens: make([]int, c.Batch), Slots: make([]int, c.Batch)}
	for _, p := range []**tensor.Tensor{&r.Q, &r.K, &r.V} {
		t, err := tensor.New(c.DType, c.Batch, c.Heads, c.HeadDim)
		if err != nil {
			return nil, err
		}
		randn(rng, t)
		*p = t
	}
	for i := range r.Slots {
		r.Slots[i] = i
		r.PastLens[i] = c.PastLen
	}
	return r, nil
}

// Run performs one decode step on layer 0.
func (r *DecodeResources) Run(ctx context.Context, e *engine.Engine) error {
	_, err := e.RotaryMHADecode(ctx, r.Q, r.K, r.V, r.PastLens, r.Cache, r.Slots, 0)
	return err
}

// LoraResources holds the inputs of one LoRA case: a single layer and one
// adapter per request.
type LoraResources struct {
	X, Y    *tensor.Tensor
	Stack   *lora.Stack
	Indices []int
}

// NewLoraResources reserves the case's footprint with e before allocating, so
// an oversized case fails with engine.ErrResourceExhausted.
func NewLoraResources(e *engine.Engine, c LoraCase) (*LoraResources, error) {
	if err := e.Reserve("add_lora_inputs", c.Bytes()); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(Seed))
	shapes := [][]int{
		{c.Batch, c.In},
		{c.Batch, c.Out},
		{c.Batch, 1, c.In, c.Rank},
		{c.Batch, 1, c.Rank, c.Out},
	}
	ts := make([]*tensor.Tensor, len(shapes))
	for i, s := range shapes {
		t, err := tensor.New(c.DType, s...)
		if err != nil {
			return nil, err
		}
		randn(rng, t)
		ts[i] = t
	}
	r := &LoraResources{X: ts[0], Y: ts[1], Stack: &lora.Stack{A: ts[2], B: ts[3]}, Indices: make([]int, c.Batch)}
	for i := range r.Indices {
		r.Indices[i] = i
	}
	return r, nil
}

// Run performs one AddLora call with scale 1.
func (r *LoraResources) Run(ctx context.Context, e *engine.Engine) error {
	return e.AddLora(ctx, r.X, r.Y, r.Stack, r.Indices, 0, 1)
}
