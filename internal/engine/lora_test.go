package engine

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/punica/internal/dtype"
	"github.com/samcharles93/punica/internal/kernels"
	"github.com/samcharles93/punica/internal/lora"
	"github.com/samcharles93/punica/internal/tensor"
)

type loraCase struct {
	x, y  *tensor.Tensor
	stack *lora.Stack
}

func newLoraCase(t *testing.T, seed int64, dt dtype.DType, batch, adapters, layers, in, out, maxRank int, ranks []int) loraCase {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	return loraCase{
		x: randTensor(t, rng, dt, batch, in),
		y: randTensor(t, rng, dt, batch, out),
		stack: &lora.Stack{
			A:     randTensor(t, rng, dt, adapters, layers, in, maxRank),
			B:     randTensor(t, rng, dt, adapters, layers, maxRank, out),
			Ranks: ranks,
		},
	}
}

// referenceLora computes y + scale*(x@A)@B for one request in float64.
func referenceLora(c loraCase, req, adapter, layer int, scale float64) []float64 {
	d, _ := c.stack.Validate()
	r := c.stack.Rank(adapter)

	x := mat.NewDense(1, d.In, nil)
	for k := 0; k < d.In; k++ {
		x.Set(0, k, float64(c.x.At(req*d.In+k)))
	}
	a := mat.NewDense(d.In, r, nil)
	aOff := d.AOffset(adapter, layer)
	for k := 0; k < d.In; k++ {
		for j := 0; j < r; j++ {
			a.Set(k, j, float64(c.stack.A.At(aOff+k*d.MaxRank+j)))
		}
	}
	b := mat.NewDense(r, d.Out, nil)
	bOff := d.BOffset(adapter, layer)
	for j := 0; j < r; j++ {
		for o := 0; o < d.Out; o++ {
			b.Set(j, o, float64(c.stack.B.At(bOff+j*d.Out+o)))
		}
	}
	var xa, xab mat.Dense
	xa.Mul(x, a)
	xab.Mul(&xa, b)

	out := make([]float64, d.Out)
	for o := range out {
		out[o] = float64(c.y.At(req*d.Out+o)) + scale*xab.At(0, o)
	}
	return out
}

func TestAddLoraMatchesReference(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	for _, dt := range []dtype.DType{dtype.F32, dtype.F16, dtype.BF16} {
		for _, rank := range []int{1, 4, 5, 16} {
			c := newLoraCase(t, int64(rank), dt, 1, 2, 3, 24, 20, 16, []int{rank, rank})
			want := referenceLora(c, 0, 1, 2, 0.75)
			if err := e.AddLora(context.Background(), c.x, c.y, c.stack, []int{1}, 2, 0.75); err != nil {
				t.Fatalf("%s r%d: %v", dt, rank, err)
			}
			tol := 2*dtype.Epsilon(dt) + 1e-5
			for o, w := range want {
				if got := c.y.At(o); !closeTo(got, float32(w), tol) {
					t.Fatalf("%s r%d: y[%d] = %v want %v", dt, rank, o, got, w)
				}
			}
		}
	}
}

func TestAddLoraBatchIndependence(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	// Ranks straddle the BGMV/SGMV boundary and adapters repeat.
	ranks := []int{2, 16, 4, 9}
	indices := []int{1, 0, 3, 1, 2, 1, 0, 3, 3}
	const layer = 1

	for _, dt := range []dtype.DType{dtype.F32, dtype.F16, dtype.BF16} {
		batched := newLoraCase(t, 7, dt, len(indices), 4, 2, 40, 36, 16, ranks)
		if err := e.AddLora(context.Background(), batched.x, batched.y, batched.stack, indices, layer, 0.5); err != nil {
			t.Fatal(err)
		}

		for req, a := range indices {
			single := newLoraCase(t, 7, dt, len(indices), 4, 2, 40, 36, 16, ranks)
			x, _ := tensor.New(dt, 1, 40)
			y, _ := tensor.New(dt, 1, 36)
			buf := make([]float32, 40)
			single.x.Load(buf, req*40)
			x.Store(buf, 0)
			buf = buf[:36]
			single.y.Load(buf, req*36)
			y.Store(buf, 0)

			if err := e.AddLora(context.Background(), x, y, single.stack, []int{a}, layer, 0.5); err != nil {
				t.Fatal(err)
			}
			got := make([]float32, 36)
			batched.y.Load(got, req*36)
			alone := y.Float32s()
			if diff := cmp.Diff(alone, got); diff != "" {
				t.Fatalf("%s request %d differs when batched (-alone +batched):\n%s", dt, req, diff)
			}
		}
	}
}

func TestAddLoraEmptyBatch(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	c := newLoraCase(t, 1, dtype.F16, 0, 1, 1, 8, 8, 4, nil)
	if err := e.AddLora(context.Background(), c.x, c.y, c.stack, nil, 0, 1); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
}

func TestAddLoraRejectsWithoutWriting(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	base := func() loraCase { return newLoraCase(t, 3, dtype.F16, 3, 2, 2, 8, 12, 8, nil) }

	tests := []struct {
		name    string
		mutate  func(*loraCase)
		indices []int
		layer   int
	}{
		{"index count", nil, []int{0, 1}, 0},
		{"index range", nil, []int{0, 2, 1}, 0},
		{"negative index", nil, []int{0, -1, 1}, 0},
		{"layer", nil, []int{0, 1, 1}, 2},
		{"x features", func(c *loraCase) { c.x, _ = tensor.New(dtype.F16, 3, 9) }, []int{0, 1, 1}, 0},
		{"y rows", func(c *loraCase) { c.y, _ = tensor.New(dtype.F16, 2, 12) }, []int{0, 1, 1}, 0},
		{"dtype", func(c *loraCase) { c.x, _ = tensor.New(dtype.BF16, 3, 8) }, []int{0, 1, 1}, 0},
		{"rank", func(c *loraCase) { c.stack.Ranks = []int{1, 9} }, []int{0, 1, 1}, 0},
		{"x rank", func(c *loraCase) { c.x, _ = tensor.New(dtype.F16, 24) }, []int{0, 1, 1}, 0},
	}
	for _, tc := range tests {
		c := base()
		if tc.mutate != nil {
			tc.mutate(&c)
		}
		before := c.y.Clone()
		err := e.AddLora(context.Background(), c.x, c.y, c.stack, tc.indices, tc.layer, 1)
		var ce *ContractError
		if !errors.Is(err, ErrContract) || !errors.As(err, &ce) {
			t.Errorf("%s: expected contract violation, got %v", tc.name, err)
			continue
		}
		if ce.Op != opAddLora {
			t.Errorf("%s: op = %q", tc.name, ce.Op)
		}
		if !tensor.Equal(before, c.y) {
			t.Errorf("%s: y modified by rejected call", tc.name)
		}
	}
}

func TestAddLoraUnsupportedRank(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	// The table stops at rank 16.
	c := newLoraCase(t, 5, dtype.F32, 1, 1, 1, 8, 8, 32, nil)
	err := e.AddLora(context.Background(), c.x, c.y, c.stack, []int{0}, 0, 1)
	if !errors.Is(err, ErrContract) || !errors.Is(err, kernels.ErrUnsupported) {
		t.Fatalf("expected unsupported kernel, got %v", err)
	}
}

func TestAddLoraScratchExhausted(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, func(o *Options) { o.ScratchBytes = 512 })
	c := newLoraCase(t, 9, dtype.F16, 8, 2, 1, 64, 64, 16, nil)
	before := c.y.Clone()
	err := e.AddLora(context.Background(), c.x, c.y, c.stack, []int{0, 1, 0, 1, 0, 1, 0, 1}, 0, 1)
	var ex *ExhaustedError
	if !errors.As(err, &ex) || ex.Op != opAddLora || ex.Budget != 512 {
		t.Fatalf("expected scratch exhaustion, got %v", err)
	}
	if !tensor.Equal(before, c.y) {
		t.Fatal("y modified by rejected call")
	}
}

func TestAddLoraPoolClosedMidCall(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	c := newLoraCase(t, 12, dtype.F16, 2, 2, 1, 8, 8, 4, nil)
	before := c.y.Clone()
	// The pool stops while the engine still accepts calls, as when Close
	// runs after a call has passed its closed check.
	e.pool.Close()
	err := e.AddLora(context.Background(), c.x, c.y, c.stack, []int{0, 1}, 0, 1)
	if !errors.Is(err, ErrClosed) || errors.Is(err, ErrExecution) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if Kind(err) != "closed" || e.Stats().Failed != 0 {
		t.Fatalf("kind %q, failed %d", Kind(err), e.Stats().Failed)
	}
	if !tensor.Equal(before, c.y) {
		t.Fatal("y modified after the pool closed")
	}
}

func TestAddLoraStats(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	c := newLoraCase(t, 11, dtype.F16, 4, 3, 1, 8, 8, 16, []int{2, 12, 12})
	if err := e.AddLora(context.Background(), c.x, c.y, c.stack, []int{0, 1, 2, 0}, 0, 1); err != nil {
		t.Fatal(err)
	}
	s := e.Stats()
	if s.LoraCalls != 1 || s.LoraRequests != 4 || s.BGMVSegments != 1 || s.SGMVSegments != 2 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestPlanLora(t *testing.T) {
	t.Parallel()
	ranks := map[int]int{0: 8, 1: 2, 2: 8, 3: 16}
	kind := func(r int) kernels.Kind {
		if r <= 4 {
			return kernels.BGMV
		}
		return kernels.SGMV
	}
	plan := planLora([]int{2, 0, 1, 2, 3, 0, 2}, func(a int) int { return ranks[a] }, kind)

	want := []bucket{
		{Rank: 2, Kind: kernels.BGMV, Segments: []segment{{Adapter: 1, Rows: []int{2}}}},
		{Rank: 8, Kind: kernels.SGMV, Segments: []segment{
			{Adapter: 2, Rows: []int{0, 3, 6}},
			{Adapter: 0, Rows: []int{1, 5}},
		}},
		{Rank: 16, Kind: kernels.SGMV, Segments: []segment{{Adapter: 3, Rows: []int{4}}}},
	}
	if diff := cmp.Diff(want, plan.Buckets); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
	if len(plan.arena) != 7 {
		t.Fatalf("arena holds %d rows", len(plan.arena))
	}

	items := plan.items()
	if len(items) != 4 {
		t.Fatalf("got %d work items, want 4", len(items))
	}
	if plan.segments(kernels.SGMV) != 3 || plan.segments(kernels.BGMV) != 1 {
		t.Fatal("segment counts wrong")
	}
}

func TestPlanSplitsLargeSegments(t *testing.T) {
	t.Parallel()
	indices := make([]int, 2*maxSegmentRows+3)
	plan := planLora(indices, func(int) int { return 8 }, func(int) kernels.Kind { return kernels.SGMV })
	items := plan.items()
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	total := 0
	for _, it := range items {
		total += len(it.Rows)
		if len(it.Rows) > maxSegmentRows {
			t.Fatalf("item with %d rows", len(it.Rows))
		}
	}
	if total != len(indices) {
		t.Fatalf("items cover %d rows", total)
	}
}
