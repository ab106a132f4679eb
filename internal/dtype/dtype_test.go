package dtype

import (
	"math"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  DType
		err   bool
	}{
		{"f32", F32, false},
		{"float32", F32, false},
		{"fp16", F16, false},
		{"F16", F16, false},
		{"bf16", BF16, false},
		{" bfloat16 ", BF16, false},
		{"int8", 0, true},
		{"", 0, true},
	}
	for _, tc := range tests {
		got, err := Parse(tc.input)
		if tc.err {
			if err == nil {
				t.Errorf("Parse(%q): expected error", tc.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tc.input, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Parse(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestHalfRoundTripExactValues(t *testing.T) {
	t.Parallel()
	// Values representable in both 16-bit formats.
	vals := []float32{0, 1, -1, 0.5, -2.25, 128, 1.0 / 64}
	for _, dt := range []DType{F16, BF16} {
		for _, v := range vals {
			got := ToFloat32(dt, FromFloat32(dt, v))
			if got != v {
				t.Errorf("%s round trip %v -> %v", dt, v, got)
			}
		}
	}
}

func TestBF16RoundsToNearestEven(t *testing.T) {
	t.Parallel()
	// 1 + 2^-8 lies exactly halfway between 1 and 1 + 2^-7; ties go to even (1).
	half := math.Float32frombits(0x3F808000)
	if got := ToFloat32(BF16, FromFloat32(BF16, half)); got != 1 {
		t.Fatalf("tie rounding: got %v, want 1", got)
	}
	// Slightly above halfway rounds up.
	above := math.Float32frombits(0x3F808001)
	if got := ToFloat32(BF16, FromFloat32(BF16, above)); got != 1+1.0/128 {
		t.Fatalf("round up: got %v, want %v", got, 1+1.0/128)
	}
}

func TestBF16NaNStaysNaN(t *testing.T) {
	t.Parallel()
	nan := float32(math.NaN())
	got := ToFloat32(BF16, FromFloat32(BF16, nan))
	if !math.IsNaN(float64(got)) {
		t.Fatalf("expected NaN, got %v", got)
	}
}

func TestEncodeDecodeSlices(t *testing.T) {
	t.Parallel()
	src := []float32{0.1, -3.5, 7.25, 1e-3}
	for _, dt := range []DType{F16, BF16} {
		bits := make([]uint16, len(src))
		Encode(dt, bits, src)
		out := make([]float32, len(src))
		Decode(dt, out, bits)
		for i := range src {
			if diff := math.Abs(float64(out[i] - src[i])); diff > Epsilon(dt)*math.Abs(float64(src[i])) {
				t.Errorf("%s[%d]: got %v want %v (diff %g)", dt, i, out[i], src[i], diff)
			}
			if out[i] != Round(dt, src[i]) {
				t.Errorf("%s[%d]: Decode disagrees with Round", dt, i)
			}
		}
	}
}

func TestTextMarshalling(t *testing.T) {
	t.Parallel()
	var d DType
	if err := d.UnmarshalText([]byte("bf16")); err != nil {
		t.Fatal(err)
	}
	b, err := d.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "bf16" {
		t.Fatalf("MarshalText = %q", b)
	}
	if _, err := DType(9).MarshalText(); err == nil {
		t.Fatal("expected error for invalid dtype")
	}
}
