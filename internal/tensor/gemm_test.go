package tensor

import (
	"math"
	"testing"

	"github.com/samcharles93/punica/internal/dtype"
)

func gemmNaive(C, A, B *Mat) {
	for i := 0; i < A.R; i++ {
		for j := 0; j < B.C; j++ {
			var sum float64
			for kk := 0; kk < A.C; kk++ {
				sum += float64(A.Row(i)[kk]) * float64(B.Row(kk)[j])
			}
			C.Row(i)[j] = float32(sum)
		}
	}
}

func maxAbsDiff(a, b []float32) float64 {
	var maxAbs float64
	for i := range a {
		d := math.Abs(float64(a[i] - b[i]))
		if d > maxAbs {
			maxAbs = d
		}
	}
	return maxAbs
}

func TestGemmMatchesNaive(t *testing.T) {
	A := NewMat(50, 70)
	B := NewMat(70, 45)
	C0 := NewMat(50, 45)
	C1 := NewMat(50, 45)

	FillRand(&A, 1)
	FillRand(&B, 2)

	gemmNaive(&C0, &A, &B)
	Gemm(&C1, &A, &B, 1, 0)

	if maxAbs := maxAbsDiff(C0.Data, C1.Data); maxAbs > 1e-6 {
		t.Fatalf("max abs diff %g", maxAbs)
	}
}

func TestGemmAlphaBeta(t *testing.T) {
	A := NewMat(7, 9)
	B := NewMat(9, 5)
	FillRand(&A, 3)
	FillRand(&B, 4)

	want := NewMat(7, 5)
	gemmNaive(&want, &A, &B)

	C := NewMat(7, 5)
	for i := range C.Data {
		C.Data[i] = 1
	}
	Gemm(&C, &A, &B, 2, 0.5)
	for i := range C.Data {
		exp := 2*want.Data[i] + 0.5
		if d := math.Abs(float64(C.Data[i] - exp)); d > 1e-6 {
			t.Fatalf("C[%d] = %v, want %v", i, C.Data[i], exp)
		}
	}
}

func TestGemmRowIndependentOfBatch(t *testing.T) {
	// A row computed alone must match the same row computed inside a
	// larger product bit for bit.
	A := NewMat(37, 300)
	B := NewMat(300, 24)
	FillRand(&A, 5)
	FillRand(&B, 6)

	full := NewMat(37, 24)
	Gemm(&full, &A, &B, 1, 0)

	for _, r := range []int{0, 13, 36} {
		one, _ := Carve(append([]float32(nil), A.Row(r)...), 1, 300)
		out := NewMat(1, 24)
		Gemm(&out, &one, &B, 1, 0)
		for j := range out.Data {
			if math.Float32bits(out.Data[j]) != math.Float32bits(full.Row(r)[j]) {
				t.Fatalf("row %d col %d: single %v batched %v", r, j, out.Data[j], full.Row(r)[j])
			}
		}
	}
}

func TestGemmMatchesAxpyChain(t *testing.T) {
	A := NewMat(3, 40)
	B := NewMat(40, 11)
	FillRand(&A, 7)
	FillRand(&B, 8)

	C := NewMat(3, 11)
	Gemm(&C, &A, &B, 1, 0)

	for i := 0; i < A.R; i++ {
		row := make([]float32, B.C)
		for kk := 0; kk < A.C; kk++ {
			Axpy(row, A.Row(i)[kk], B.Row(kk))
		}
		for j := range row {
			if math.Float32bits(row[j]) != math.Float32bits(C.Row(i)[j]) {
				t.Fatalf("[%d,%d]: axpy %v gemm %v", i, j, row[j], C.Row(i)[j])
			}
		}
	}
}

func TestGemmTileSweep(t *testing.T) {
	oldM, oldN, oldK := tileM, tileN, tileK
	t.Cleanup(func() { tileM, tileN, tileK = oldM, oldN, oldK })

	A := NewMat(19, 33)
	B := NewMat(33, 21)
	FillRand(&A, 9)
	FillRand(&B, 10)
	ref := NewMat(19, 21)
	Gemm(&ref, &A, &B, 1, 0)

	for _, tiles := range [][3]int{{1, 1, 1}, {4, 8, 3}, {64, 64, 64}} {
		tileM, tileN, tileK = tiles[0], tiles[1], tiles[2]
		C := NewMat(19, 21)
		Gemm(&C, &A, &B, 1, 0)
		for i := range C.Data {
			if math.Float32bits(C.Data[i]) != math.Float32bits(ref.Data[i]) {
				t.Fatalf("tiles %v changed element %d: %v vs %v", tiles, i, C.Data[i], ref.Data[i])
			}
		}
	}
}

func TestGemmPanicsOnMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	A := NewMat(2, 3)
	B := NewMat(4, 2)
	C := NewMat(2, 2)
	Gemm(&C, &A, &B, 1, 0)
}

func TestCarve(t *testing.T) {
	buf := make([]float32, 20)
	a, rest := Carve(buf, 2, 3)
	b, rest := Carve(rest, 3, 4)
	if len(rest) != 2 || a.Stride != 3 || b.Stride != 4 {
		t.Fatalf("carve: rest %d, strides %d %d", len(rest), a.Stride, b.Stride)
	}
	b.Row(0)[0] = 7
	if buf[6] != 7 {
		t.Fatal("carved matrix does not share the buffer")
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for short buffer")
		}
	}()
	Carve(rest, 1, 3)
}

func TestGather(t *testing.T) {
	// 3x4 source; gather columns 1..2 of every row.
	src := MustFromFloat32(dtype.F16, []float32{
		0, 1, 2, 3,
		4, 5, 6, 7,
		8, 9, 10, 11,
	}, 3, 4)
	m := NewMat(3, 2)
	m.Gather(src, 1, 4)
	want := []float32{1, 2, 5, 6, 9, 10}
	for i, v := range want {
		if m.Data[i] != v {
			t.Fatalf("gathered %v, want %v", m.Data, want)
		}
	}
}

func TestGemmNoAllocs(t *testing.T) {
	A := NewMat(16, 16)
	B := NewMat(16, 16)
	C := NewMat(16, 16)

	FillRand(&A, 3)
	FillRand(&B, 4)

	allocs := testing.AllocsPerRun(100, func() {
		Gemm(&C, &A, &B, 1, 0)
	})
	if allocs != 0 {
		t.Fatalf("expected 0 allocs, got %v", allocs)
	}
}
