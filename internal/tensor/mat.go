package tensor

import "math/rand"

// Mat is a dense row-major float32 matrix. Stride is the distance between
// the starts of two consecutive rows.
//
// Mat is the working form kernels gather 16-bit rows into before
// multiplying; it never aliases a Tensor's storage.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zeroed r x c matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Stride: c, Data: make([]float32, r*c)}
}

// Carve takes an r x c matrix off the front of buf and returns it together
// with the rest of buf. Kernels use it to lay several operands out in one
// scratch reservation.
func Carve(buf []float32, r, c int) (Mat, []float32) {
	n := r * c
	if r < 0 || c < 0 || n > len(buf) {
		panic("scratch too small for matrix")
	}
	return Mat{R: r, C: c, Stride: c, Data: buf[:n:n]}, buf[n:]
}

// Row returns row i as a slice sharing the matrix storage.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Gather decodes row i of m from t at element offset off+i*stride.
func (m *Mat) Gather(t *Tensor, off, stride int) {
	for i := 0; i < m.R; i++ {
		t.Load(m.Row(i), off+i*stride)
	}
}

// FillRand fills m with reproducible values in (-0.01, 0.01).
func FillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02
	}
}
