package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/punica/internal/dtype"
	"github.com/samcharles93/punica/internal/kvcache"
	"github.com/samcharles93/punica/internal/rope"
	"github.com/samcharles93/punica/internal/tensor"
)

const (
	testHeads   = 2
	testHeadDim = 8
)

func testLayout(dt dtype.DType) kvcache.Layout {
	return kvcache.Layout{Slots: 4, Layers: 2, MaxSeqLen: 12, Heads: testHeads, HeadDim: testHeadDim, PageSize: 4, DType: dt}
}

// filledCache returns a cache whose every position holds seeded random
// history, so caches built with the same seed are bitwise identical.
func filledCache(t *testing.T, e *Engine, dt dtype.DType, seed int64) *kvcache.Cache {
	t.Helper()
	c, err := e.NewCache(testLayout(dt))
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(seed))
	vals := make([]float32, c.Tensor().Len())
	for i := range vals {
		vals[i] = rng.Float32()*2 - 1
	}
	c.Tensor().Store(vals, 0)
	return c
}

type decodeInputs struct {
	q, k, v *tensor.Tensor
}

func newDecodeInputs(t *testing.T, seed int64, dt dtype.DType, batch int) decodeInputs {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	return decodeInputs{
		q: randTensor(t, rng, dt, batch, testHeads, testHeadDim),
		k: randTensor(t, rng, dt, batch, testHeads, testHeadDim),
		v: randTensor(t, rng, dt, batch, testHeads, testHeadDim),
	}
}

func (in decodeInputs) row(t *testing.T, i int) decodeInputs {
	t.Helper()
	pick := func(src *tensor.Tensor) *tensor.Tensor {
		n := testHeads * testHeadDim
		buf := make([]float32, n)
		src.Load(buf, i*n)
		return tensor.MustFromFloat32(src.DType, buf, 1, testHeads, testHeadDim)
	}
	return decodeInputs{q: pick(in.q), k: pick(in.k), v: pick(in.v)}
}

func TestDecodeCacheRoundTrip(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	for _, dt := range []dtype.DType{dtype.F32, dtype.F16, dtype.BF16} {
		cache := filledCache(t, e, dt, 1)
		in := newDecodeInputs(t, 2, dt, 3)
		pastLens := []int{0, 5, 11}
		slots := []int{2, 0, 3}
		if _, err := e.RotaryMHADecode(context.Background(), in.q, in.k, in.v, pastLens, cache, slots, 1); err != nil {
			t.Fatal(err)
		}

		rot, _ := rope.New(testHeadDim, rope.Config{})
		got := make([]float32, testHeadDim)
		for i := range slots {
			kRow := make([]float32, testHeads*testHeadDim)
			in.k.Load(kRow, i*len(kRow))
			rot.Apply(kRow, testHeads, pastLens[i])
			for h := 0; h < testHeads; h++ {
				if err := cache.Read(slots[i], 1, kvcache.K, pastLens[i], h, got); err != nil {
					t.Fatal(err)
				}
				for x := range got {
					if want := dtype.Round(dt, kRow[h*testHeadDim+x]); got[x] != want {
						t.Fatalf("%s request %d head %d: cached k[%d] = %v, want rotated %v", dt, i, h, x, got[x], want)
					}
				}
				if err := cache.Read(slots[i], 1, kvcache.V, pastLens[i], h, got); err != nil {
					t.Fatal(err)
				}
				for x := range got {
					if want := in.v.At((i*testHeads+h)*testHeadDim + x); got[x] != want {
						t.Fatalf("%s request %d head %d: cached v[%d] = %v, want %v", dt, i, h, x, got[x], want)
					}
				}
			}
		}
	}
}

func TestDecodeDegenerateAttentionReturnsValue(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	for _, dt := range []dtype.DType{dtype.F32, dtype.F16, dtype.BF16} {
		cache := filledCache(t, e, dt, 3)
		in := newDecodeInputs(t, 4, dt, 4)
		out, err := e.RotaryMHADecode(context.Background(), in.q, in.k, in.v, []int{0, 0, 0, 0}, cache, []int{0, 1, 2, 3}, 0)
		if err != nil {
			t.Fatal(err)
		}
		if !tensor.Equal(out, in.v) {
			t.Fatalf("%s: single-position attention should return v exactly", dt)
		}
	}
}

// referenceDecode recomputes one (request, head) output in float64 from the
// cache contents after the call.
func referenceDecode(t *testing.T, cache *kvcache.Cache, q []float32, slot, layer, pastLen, head, pos int) []float64 {
	t.Helper()
	rot, _ := rope.New(testHeadDim, rope.Config{})
	qr := append([]float32(nil), q...)
	rot.Apply(qr, 1, pos)

	scores := make([]float64, pastLen+1)
	kRow := make([]float32, testHeadDim)
	maxS := math.Inf(-1)
	for p := range scores {
		if err := cache.Read(slot, layer, kvcache.K, p, head, kRow); err != nil {
			t.Fatal(err)
		}
		var s float64
		for x := range kRow {
			s += float64(qr[x]) * float64(kRow[x])
		}
		scores[p] = s / math.Sqrt(testHeadDim)
		maxS = math.Max(maxS, scores[p])
	}
	var sum float64
	for p := range scores {
		scores[p] = math.Exp(scores[p] - maxS)
		sum += scores[p]
	}
	out := make([]float64, testHeadDim)
	vRow := make([]float32, testHeadDim)
	for p := range scores {
		_ = cache.Read(slot, layer, kvcache.V, p, head, vRow)
		for x := range out {
			out[x] += scores[p] / sum * float64(vRow[x])
		}
	}
	return out
}

func TestDecodeMatchesReference(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	for _, dt := range []dtype.DType{dtype.F32, dtype.F16, dtype.BF16} {
		cache := filledCache(t, e, dt, 5)
		in := newDecodeInputs(t, 6, dt, 3)
		pastLens := []int{3, 8, 11}
		slots := []int{1, 3, 0}
		out, err := e.RotaryMHADecode(context.Background(), in.q, in.k, in.v, pastLens, cache, slots, 1)
		if err != nil {
			t.Fatal(err)
		}
		tol := 2*dtype.Epsilon(dt) + 1e-5
		q := make([]float32, testHeadDim)
		for i := range slots {
			for h := 0; h < testHeads; h++ {
				off := (i*testHeads + h) * testHeadDim
				in.q.Load(q, off)
				want := referenceDecode(t, cache, q, slots[i], 1, pastLens[i], h, pastLens[i])
				for x, w := range want {
					if got := out.At(off + x); !closeTo(got, float32(w), tol) {
						t.Fatalf("%s request %d head %d: out[%d] = %v, want %v", dt, i, h, x, got, w)
					}
				}
			}
		}
	}
}

func TestDecodeRaggedBatchIndependence(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	pastLens := []int{0, 3, 11, 9}
	slots := []int{3, 1, 0, 2}
	const layer = 1

	for _, dt := range []dtype.DType{dtype.F32, dtype.F16, dtype.BF16} {
		in := newDecodeInputs(t, 8, dt, 4)
		batched := filledCache(t, e, dt, 7)
		out, err := e.RotaryMHADecode(context.Background(), in.q, in.k, in.v, pastLens, batched, slots, layer)
		if err != nil {
			t.Fatal(err)
		}

		for i := 0; i < 4; i++ {
			alone := filledCache(t, e, dt, 7)
			r := in.row(t, i)
			got, err := e.RotaryMHADecode(context.Background(), r.q, r.k, r.v, pastLens[i:i+1], alone, slots[i:i+1], layer)
			if err != nil {
				t.Fatal(err)
			}
			want := make([]float32, testHeads*testHeadDim)
			out.Load(want, i*len(want))
			if diff := cmp.Diff(want, got.Float32s()); diff != "" {
				t.Fatalf("%s request %d differs alone (-batched +alone):\n%s", dt, i, diff)
			}
		}
	}
}

func fingerprints(t *testing.T, c *kvcache.Cache) []uint64 {
	t.Helper()
	out := make([]uint64, c.Layout().Slots)
	for s := range out {
		fp, err := c.Fingerprint(s)
		if err != nil {
			t.Fatal(err)
		}
		out[s] = fp
	}
	return out
}

func TestDecodeOverflowLeavesCacheUntouched(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	cache := filledCache(t, e, dtype.F16, 9)
	in := newDecodeInputs(t, 10, dtype.F16, 3)
	before := fingerprints(t, cache)

	// Request 2 is full; requests 0 and 1 would fit.
	_, err := e.RotaryMHADecode(context.Background(), in.q, in.k, in.v, []int{2, 7, 12}, cache, []int{0, 1, 2}, 0)
	var of *OverflowError
	if !errors.As(err, &of) || !errors.Is(err, ErrCacheOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	want := OverflowError{Request: 2, Slot: 2, PastLen: 12, MaxSeqLen: 12}
	if *of != want {
		t.Fatalf("overflow = %+v, want %+v", *of, want)
	}
	if diff := cmp.Diff(before, fingerprints(t, cache)); diff != "" {
		t.Fatalf("cache modified by rejected call:\n%s", diff)
	}
	if e.Stats().Rejected.Overflow != 1 {
		t.Fatalf("overflow counter = %d", e.Stats().Rejected.Overflow)
	}

	// The last free position is still usable.
	if _, err := e.RotaryMHADecode(context.Background(), in.row(t, 0).q, in.row(t, 0).k, in.row(t, 0).v, []int{11}, cache, []int{2}, 0); err != nil {
		t.Fatalf("last position: %v", err)
	}
}

func TestDecodeRejectsWithoutWriting(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	in := newDecodeInputs(t, 12, dtype.F16, 2)
	other := newDecodeInputs(t, 12, dtype.BF16, 2)
	wrongHeads, _ := tensor.New(dtype.F16, 2, 3, testHeadDim)

	tests := []struct {
		name     string
		q, k, v  *tensor.Tensor
		pastLens []int
		slots    []int
		layer    int
		layout   func(*kvcache.Layout)
	}{
		{name: "slot range", q: in.q, k: in.k, v: in.v, pastLens: []int{1, 1}, slots: []int{0, 4}},
		{name: "negative slot", q: in.q, k: in.k, v: in.v, pastLens: []int{1, 1}, slots: []int{-1, 0}},
		{name: "negative past", q: in.q, k: in.k, v: in.v, pastLens: []int{1, -1}, slots: []int{0, 1}},
		{name: "lengths", q: in.q, k: in.k, v: in.v, pastLens: []int{1}, slots: []int{0, 1}},
		{name: "layer", q: in.q, k: in.k, v: in.v, pastLens: []int{1, 1}, slots: []int{0, 1}, layer: 2},
		{name: "dtype", q: in.q, k: other.k, v: in.v, pastLens: []int{1, 1}, slots: []int{0, 1}},
		{name: "heads", q: wrongHeads, k: wrongHeads, v: wrongHeads, pastLens: []int{1, 1}, slots: []int{0, 1}},
		{name: "cache dtype", q: other.q, k: other.k, v: other.v, pastLens: []int{1, 1}, slots: []int{0, 1}},
		{name: "nil q", k: in.k, v: in.v, pastLens: []int{1, 1}, slots: []int{0, 1}},
		{name: "page size", q: in.q, k: in.k, v: in.v, pastLens: []int{1, 1}, slots: []int{0, 1},
			layout: func(l *kvcache.Layout) { l.PageSize = 8 }},
	}
	for _, tc := range tests {
		layout := testLayout(dtype.F16)
		if tc.layout != nil {
			tc.layout(&layout)
		}
		cache, err := e.NewCache(layout)
		if err != nil {
			t.Fatal(err)
		}
		before := fingerprints(t, cache)
		_, err = e.RotaryMHADecode(context.Background(), tc.q, tc.k, tc.v, tc.pastLens, cache, tc.slots, tc.layer)
		if !errors.Is(err, ErrContract) {
			t.Errorf("%s: expected contract violation, got %v", tc.name, err)
			continue
		}
		if diff := cmp.Diff(before, fingerprints(t, cache)); diff != "" {
			t.Errorf("%s: cache modified", tc.name)
		}
	}
	if _, err := e.RotaryMHADecode(context.Background(), in.q, in.k, in.v, []int{0, 0}, nil, []int{0, 1}, 0); !errors.Is(err, ErrContract) {
		t.Errorf("nil cache: %v", err)
	}
}

func TestDecodeDoesNotMutatePastLens(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	cache := filledCache(t, e, dtype.F32, 13)
	in := newDecodeInputs(t, 14, dtype.F32, 2)
	pastLens := []int{4, 6}
	if _, err := e.RotaryMHADecode(context.Background(), in.q, in.k, in.v, pastLens, cache, []int{0, 1}, 0); err != nil {
		t.Fatal(err)
	}
	if pastLens[0] != 4 || pastLens[1] != 6 {
		t.Fatalf("pastLens mutated: %v", pastLens)
	}
	s := e.Stats()
	if s.DecodeCalls != 1 || s.DecodeRequests != 2 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestDecodeEmptyBatch(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	cache := filledCache(t, e, dtype.F16, 15)
	in := newDecodeInputs(t, 16, dtype.F16, 0)
	out, err := e.RotaryMHADecode(context.Background(), in.q, in.k, in.v, nil, cache, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if out.Dim(0) != 0 {
		t.Fatalf("output shape %v", out.Shape)
	}
}

func TestDecodeScratchExhausted(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, func(o *Options) { o.ScratchBytes = 64 })
	cache := filledCache(t, e, dtype.F16, 17)
	in := newDecodeInputs(t, 18, dtype.F16, 2)
	before := fingerprints(t, cache)
	_, err := e.RotaryMHADecode(context.Background(), in.q, in.k, in.v, []int{1, 2}, cache, []int{0, 1}, 0)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if diff := cmp.Diff(before, fingerprints(t, cache)); diff != "" {
		t.Fatal("cache modified by rejected call")
	}
}
