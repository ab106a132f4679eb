package dtype

import (
	"fmt"
	"math"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the storage encoding of tensor elements. Kernels always
// accumulate in float32 regardless of the storage type.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// Size returns the number of bytes per element.
func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	default:
		return 0
	}
}

// Half reports whether d is stored as 16-bit words.
func (d DType) Half() bool {
	return d == F16 || d == BF16
}

// Valid reports whether d is one of the known encodings.
func (d DType) Valid() bool {
	return d <= BF16
}

// Parse converts a user supplied name into a DType.
func Parse(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "fp32", "float32":
		return F32, nil
	case "f16", "fp16", "float16", "half":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q (expected f32, f16, or bf16)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d DType) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("invalid dtype %d", uint8(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DType) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// bf16Table maps every BF16 bit pattern to float32.
var bf16Table = func() [1 << 16]float32 {
	var tbl [1 << 16]float32
	for i := range tbl {
		tbl[i] = bfloat16.ToFloat32(bfloat16.BF16(i))
	}
	return tbl
}()

// fp16Table maps every FP16 bit pattern to float32.
var fp16Table = func() [1 << 16]float32 {
	var tbl [1 << 16]float32
	for i := range tbl {
		tbl[i] = float16.Frombits(uint16(i)).Float32()
	}
	return tbl
}()

// ToFloat32 decodes a 16-bit element of type d.
func ToFloat32(d DType, bits uint16) float32 {
	if d == BF16 {
		return bf16Table[bits]
	}
	return fp16Table[bits]
}

// FromFloat32 encodes f as a 16-bit element of type d using
// round-to-nearest-even.
func FromFloat32(d DType, f float32) uint16 {
	if d == BF16 {
		return bf16FromF32(f)
	}
	return float16.Fromfloat32(f).Bits()
}

// bfloat16.FromFloat32 truncates; rounding keeps the error within half an ulp.
func bf16FromF32(f float32) uint16 {
	u := math.Float32bits(f)
	if u&0x7F800000 == 0x7F800000 && u&0x007FFFFF != 0 {
		// keep NaN quiet instead of rounding into Inf
		return uint16(u>>16) | 0x0040
	}
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}

// Decode converts len(dst) 16-bit elements of type d into float32.
func Decode(d DType, dst []float32, src []uint16) {
	src = src[:len(dst)]
	tbl := &fp16Table
	if d == BF16 {
		tbl = &bf16Table
	}
	for i, v := range src {
		dst[i] = tbl[v]
	}
}

// Encode converts len(dst) float32 values into 16-bit elements of type d.
func Encode(d DType, dst []uint16, src []float32) {
	src = src[:len(dst)]
	if d == BF16 {
		for i, v := range src {
			dst[i] = bf16FromF32(v)
		}
		return
	}
	for i, v := range src {
		dst[i] = float16.Fromfloat32(v).Bits()
	}
}

// Round returns f after a round trip through d's storage encoding.
func Round(d DType, f float32) float32 {
	if !d.Half() {
		return f
	}
	return ToFloat32(d, FromFloat32(d, f))
}

// Epsilon is the machine epsilon for the storage type, used to size
// comparison tolerances.
func Epsilon(d DType) float64 {
	switch d {
	case F16:
		return 1.0 / 1024
	case BF16:
		return 1.0 / 128
	default:
		return 1.0 / (1 << 23)
	}
}
