package rope

import (
	"math"
	"testing"
)

func TestNewRejectsOddHeadDim(t *testing.T) {
	if _, err := New(7, Config{}); err == nil {
		t.Fatal("expected error for odd head dim")
	}
	if _, err := New(8, Config{Theta: 0.5}); err == nil {
		t.Fatal("expected error for theta <= 1")
	}
	if _, err := New(8, Config{Scaling: "yarn"}); err == nil {
		t.Fatal("expected error for unsupported scaling")
	}
}

func TestInvFreqSchedule(t *testing.T) {
	r, err := New(8, Config{})
	if err != nil {
		t.Fatal(err)
	}
	got := r.InvFreq()
	for i, f := range got {
		want := math.Pow(DefaultTheta, -float64(2*i)/8)
		if math.Abs(f-want) > 1e-15 {
			t.Fatalf("invFreq[%d] = %g, want %g", i, f, want)
		}
	}
}

func TestPositionZeroIsIdentity(t *testing.T) {
	r, _ := New(16, Config{})
	x := make([]float32, 32)
	for i := range x {
		x[i] = float32(i) - 7.5
	}
	orig := append([]float32(nil), x...)
	r.Apply(x, 2, 0)
	for i := range x {
		if x[i] != orig[i] {
			t.Fatalf("x[%d] changed at pos 0: %v -> %v", i, orig[i], x[i])
		}
	}
}

func TestRotationPreservesNorm(t *testing.T) {
	r, _ := New(64, Config{Theta: 500000})
	x := make([]float32, 64)
	for i := range x {
		x[i] = float32(math.Sin(float64(i)))
	}
	before := norm(x)
	r.Apply(x, 1, 1234)
	if d := math.Abs(norm(x) - before); d > 1e-4 {
		t.Fatalf("norm drifted by %g", d)
	}
}

func TestRelativePositionInvariance(t *testing.T) {
	// <R(p)q, R(s)k> depends only on p-s.
	r, _ := New(32, Config{})
	q := make([]float32, 32)
	k := make([]float32, 32)
	for i := range q {
		q[i] = float32(math.Cos(float64(i) * 0.3))
		k[i] = float32(math.Sin(float64(i)*0.7 + 1))
	}
	dotAt := func(p, s int) float64 {
		qq := append([]float32(nil), q...)
		kk := append([]float32(nil), k...)
		r.Apply(qq, 1, p)
		r.Apply(kk, 1, s)
		var sum float64
		for i := range qq {
			sum += float64(qq[i]) * float64(kk[i])
		}
		return sum
	}
	a := dotAt(10, 3)
	b := dotAt(107, 100)
	if math.Abs(a-b) > 1e-4 {
		t.Fatalf("relative dot differs: %g vs %g", a, b)
	}
}

func TestRotatePairsHalves(t *testing.T) {
	// With a quarter turn on pair 0, x[0] -> -x[half], x[half] -> x[0].
	x := []float32{1, 0, 2, 0}
	Rotate(x, []float32{0, 1}, []float32{1, 0})
	want := []float32{-2, 0, 1, 0}
	for i := range want {
		if x[i] != want[i] {
			t.Fatalf("x = %v, want %v", x, want)
		}
	}
}

func TestLinearScalingDividesFrequencies(t *testing.T) {
	base, _ := New(8, Config{})
	scaled, _ := New(8, Config{Scaling: "linear", Factor: 4})
	b, s := base.InvFreq(), scaled.InvFreq()
	for i := range b {
		if math.Abs(s[i]-b[i]/4) > 1e-15 {
			t.Fatalf("scaled[%d] = %g, want %g", i, s[i], b[i]/4)
		}
	}
}

func TestLlama3ScalingKeepsHighFrequencies(t *testing.T) {
	base, _ := New(128, Config{Theta: 500000})
	scaled, err := New(128, Config{Theta: 500000, Scaling: "llama3", Factor: 8, OrigMaxCtx: 8192, LowFactor: 1, HighFactor: 4})
	if err != nil {
		t.Fatal(err)
	}
	b, s := base.InvFreq(), scaled.InvFreq()
	if s[0] != b[0] {
		t.Fatalf("highest frequency should be untouched: %g vs %g", s[0], b[0])
	}
	last := len(b) - 1
	if math.Abs(s[last]-b[last]/8) > 1e-18 {
		t.Fatalf("lowest frequency should be divided by factor: %g vs %g", s[last], b[last]/8)
	}
}

func TestLlama3NeedsContextLength(t *testing.T) {
	if _, err := New(128, Config{Scaling: "llama3", Factor: 8}); err == nil {
		t.Fatal("expected error for llama3 factor without original_max_context")
	}
	// A factor of 1 is a no-op and needs no context length.
	if _, err := New(128, Config{Scaling: "llama3", Factor: 1}); err != nil {
		t.Fatalf("llama3 factor 1: %v", err)
	}

	base, _ := New(128, Config{})
	scaled, err := New(128, Config{Scaling: "llama3", Factor: 8, OrigMaxCtx: 8192})
	if err != nil {
		t.Fatal(err)
	}
	b, s := base.InvFreq(), scaled.InvFreq()
	last := len(b) - 1
	if s[last] == b[last] {
		t.Fatal("llama3 scaling left the lowest frequency unchanged")
	}
}

func norm(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
