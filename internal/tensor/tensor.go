package tensor

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/samcharles93/punica/internal/dtype"
)

// Tensor is a dense row-major host tensor. Exactly one of F32 and U16 holds
// the elements, selected by DType: F32 for dtype.F32, U16 for the 16-bit
// formats.
//
// Tensors are owned by the caller. Kernels read and write them in place and
// never retain references after a call returns.
type Tensor struct {
	DType dtype.DType
	Shape []int
	F32   []float32
	U16   []uint16
}

// New allocates a zeroed tensor.
func New(dt dtype.DType, shape ...int) (*Tensor, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}
	if !dt.Valid() {
		return nil, errUnsupportedDType
	}
	t := &Tensor{DType: dt, Shape: append([]int(nil), shape...)}
	if dt.Half() {
		t.U16 = make([]uint16, n)
	} else {
		t.F32 = make([]float32, n)
	}
	return t, nil
}

// FromFloat32 builds a tensor of type dt from float32 data, rounding to the
// storage type.
func FromFloat32(dt dtype.DType, data []float32, shape ...int) (*Tensor, error) {
	t, err := New(dt, shape...)
	if err != nil {
		return nil, err
	}
	if len(data) != t.Numel() {
		return nil, fmt.Errorf("%w: have %d values for shape %s", errDataSizeMismatch, len(data), FormatShape(shape))
	}
	t.Store(data, 0)
	return t, nil
}

// MustFromFloat32 is FromFloat32 that panics on error. Intended for tests and
// fixtures.
func MustFromFloat32(dt dtype.DType, data []float32, shape ...int) *Tensor {
	t, err := FromFloat32(dt, data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// Numel returns the number of elements described by the shape.
func (t *Tensor) Numel() int {
	n, _ := numel(t.Shape)
	return n
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Dim returns the size of dimension i, or -1 when i is out of range.
func (t *Tensor) Dim(i int) int {
	if i < 0 || i >= len(t.Shape) {
		return -1
	}
	return t.Shape[i]
}

// Len returns the length of the backing slice.
func (t *Tensor) Len() int {
	if t.DType.Half() {
		return len(t.U16)
	}
	return len(t.F32)
}

// Bytes returns the storage footprint in bytes.
func (t *Tensor) Bytes() int64 {
	return int64(t.Len()) * int64(t.DType.Size())
}

// Validate checks that the backing slice matches the shape and dtype.
func (t *Tensor) Validate() error {
	if t == nil {
		return errNilTensor
	}
	if !t.DType.Valid() {
		return errUnsupportedDType
	}
	n, err := numel(t.Shape)
	if err != nil {
		return err
	}
	if t.DType.Half() {
		if t.F32 != nil {
			return fmt.Errorf("%w: %s tensor carries float32 storage", errDataSizeMismatch, t.DType)
		}
		if len(t.U16) != n {
			return fmt.Errorf("%w: %d elements for shape %s", errDataSizeMismatch, len(t.U16), FormatShape(t.Shape))
		}
		return nil
	}
	if t.U16 != nil {
		return fmt.Errorf("%w: f32 tensor carries 16-bit storage", errDataSizeMismatch)
	}
	if len(t.F32) != n {
		return fmt.Errorf("%w: %d elements for shape %s", errDataSizeMismatch, len(t.F32), FormatShape(t.Shape))
	}
	return nil
}

// At decodes the element at flat offset off.
func (t *Tensor) At(off int) float32 {
	if t.DType.Half() {
		return dtype.ToFloat32(t.DType, t.U16[off])
	}
	return t.F32[off]
}

// Set encodes v at flat offset off.
func (t *Tensor) Set(off int, v float32) {
	if t.DType.Half() {
		t.U16[off] = dtype.FromFloat32(t.DType, v)
		return
	}
	t.F32[off] = v
}

// Load decodes len(dst) elements starting at off into dst.
func (t *Tensor) Load(dst []float32, off int) {
	if t.DType.Half() {
		dtype.Decode(t.DType, dst, t.U16[off:off+len(dst)])
		return
	}
	copy(dst, t.F32[off:off+len(dst)])
}

// Store encodes src into the tensor starting at off.
func (t *Tensor) Store(src []float32, off int) {
	if t.DType.Half() {
		dtype.Encode(t.DType, t.U16[off:off+len(src)], src)
		return
	}
	copy(t.F32[off:off+len(src)], src)
}

// Accumulate performs t[off+i] += scale*src[i] in float32 with a single
// rounding to the storage type per element.
func (t *Tensor) Accumulate(src []float32, off int, scale float32) {
	if t.DType.Half() {
		dst := t.U16[off : off+len(src)]
		for i, v := range src {
			acc := dtype.ToFloat32(t.DType, dst[i]) + scale*v
			dst[i] = dtype.FromFloat32(t.DType, acc)
		}
		return
	}
	dst := t.F32[off : off+len(src)]
	for i, v := range src {
		dst[i] += scale * v
	}
}

// Float32s returns a decoded copy of all elements.
func (t *Tensor) Float32s() []float32 {
	out := make([]float32, t.Len())
	t.Load(out, 0)
	return out
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{DType: t.DType, Shape: append([]int(nil), t.Shape...)}
	if t.F32 != nil {
		c.F32 = append([]float32(nil), t.F32...)
	}
	if t.U16 != nil {
		c.U16 = append([]uint16(nil), t.U16...)
	}
	return c
}

// Equal reports whether two tensors have identical dtype, shape and bits.
func Equal(a, b *Tensor) bool {
	if a.DType != b.DType || len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	if a.DType.Half() {
		if len(a.U16) != len(b.U16) {
			return false
		}
		for i := range a.U16 {
			if a.U16[i] != b.U16[i] {
				return false
			}
		}
		return true
	}
	if len(a.F32) != len(b.F32) {
		return false
	}
	for i := range a.F32 {
		if math.Float32bits(a.F32[i]) != math.Float32bits(b.F32[i]) {
			return false
		}
	}
	return true
}

// FormatShape renders a shape as [a, b, c].
func FormatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func numel(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, errNegativeDim
		}
		if d != 0 && n > maxElems/d {
			return 0, errTensorTooLarge
		}
		n *= d
	}
	return n, nil
}

const maxElems = 1 << 40

var (
	errNilTensor        = fmtError("nil tensor")
	errNegativeDim      = fmtError("negative dimension for tensor")
	errUnsupportedDType = fmtError("unsupported dtype for tensor")
	errTensorTooLarge   = fmtError("tensor too large")
	errDataSizeMismatch = fmtError("data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
