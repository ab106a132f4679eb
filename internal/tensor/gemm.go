package tensor

const (
	defaultTileM = 32
	defaultTileN = 32
	defaultTileK = 16

	maxTileM = 64
	maxTileN = 64
	maxTileK = 64
)

// Tile sizes are variables to allow test-time sweeps without recompilation.
var (
	tileM = defaultTileM
	tileN = defaultTileN
	tileK = defaultTileK
)

func selectGemmTiles(m, k, n int) (int, int, int) {
	if tileM != defaultTileM || tileN != defaultTileN || tileK != defaultTileK {
		return clampTile(tileM, maxTileM), clampTile(tileN, maxTileN), clampTile(tileK, maxTileK)
	}

	tm := defaultTileM
	tn := defaultTileN
	tk := defaultTileK

	switch {
	case k >= 192:
		tk = 32
	case k >= 96:
		tk = 24
	}
	// LoRA shapes are skinny in one dimension; widen the other.
	if n <= 16 {
		tn = 16
		tm = 64
	}

	return clampTile(tm, maxTileM), clampTile(tn, maxTileN), clampTile(tk, maxTileK)
}

func clampTile(value, max int) int {
	if value < 1 {
		return 1
	}
	if value > max {
		return max
	}
	return value
}

// Gemm computes C = alpha*A*B + beta*C with a blocked algorithm.
//
// Every element of C receives its k terms in ascending k order, so the result
// for a row does not depend on how many other rows share the call or on the
// tile sizes. Callers rely on this for batch-independent numerics.
func Gemm(C, A, B *Mat, alpha, beta float32) {
	GemmRows(C, A, B, alpha, beta, 0, C.R)
}

// GemmRows computes rows [rs, re) of C = alpha*A*B + beta*C. Disjoint row
// ranges may run concurrently.
func GemmRows(C, A, B *Mat, alpha, beta float32, rs, re int) {
	if A.C != B.R || C.R != A.R || C.C != B.C {
		panic("gemm: dimension mismatch")
	}
	if rs < 0 || re > C.R || rs > re {
		panic("gemm: row range out of bounds")
	}
	if re == rs || C.C == 0 {
		return
	}

	tm, tn, tk := selectGemmTiles(re-rs, A.C, B.C)
	gemmRangeRows(C, A, B, alpha, beta, rs, re, tm, tn, tk)
}

// gemmRangeRows performs a blocked GEMM on a contiguous range of rows of C.
func gemmRangeRows(C, A, B *Mat, alpha, beta float32, rs, re int, tm, tn, tk int) {
	cStride := C.Stride
	n := C.C
	if beta == 0 {
		for i := rs; i < re; i++ {
			base := i * cStride
			clear(C.Data[base : base+n])
		}
	} else if beta != 1 {
		for i := rs; i < re; i++ {
			base := i * cStride
			for j := 0; j < n; j++ {
				C.Data[base+j] *= beta
			}
		}
	}

	k := A.C
	aStride := A.Stride
	bStride := B.Stride

	for i0 := rs; i0 < re; i0 += tm {
		iMax := min(i0+tm, re)
		for k0 := 0; k0 < k; k0 += tk {
			kMax := min(k0+tk, k)
			for j0 := 0; j0 < n; j0 += tn {
				jMax := min(j0+tn, n)
				blockUpdate(C.Data, A.Data, B.Data, cStride, aStride, bStride, alpha, i0, iMax, j0, jMax, k0, kMax)
			}
		}
	}
}

func blockUpdate(cData, aData, bData []float32, cStride, aStride, bStride int, alpha float32, i0, iMax, j0, jMax, k0, kMax int) {
	width := jMax - j0
	for i := i0; i < iMax; i++ {
		aRow := aData[i*aStride:]
		cOff := i*cStride + j0
		cRow := cData[cOff : cOff+width]

		for kk := k0; kk < kMax; kk++ {
			bOff := kk*bStride + j0
			Axpy(cRow, aRow[kk]*alpha, bData[bOff:bOff+width])
		}
	}
}

// Axpy computes dst += a*x. It is the innermost step of Gemm; matrix-vector
// kernels use it directly so both paths round identically.
func Axpy(dst []float32, a float32, x []float32) {
	x = x[:len(dst)]
	j := 0
	for ; j+7 < len(dst); j += 8 {
		dst[j+0] += a * x[j+0]
		dst[j+1] += a * x[j+1]
		dst[j+2] += a * x[j+2]
		dst[j+3] += a * x[j+3]
		dst[j+4] += a * x[j+4]
		dst[j+5] += a * x[j+5]
		dst[j+6] += a * x[j+6]
		dst[j+7] += a * x[j+7]
	}
	for ; j < len(dst); j++ {
		dst[j] += a * x[j]
	}
}
