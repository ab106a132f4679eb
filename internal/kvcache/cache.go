// Package kvcache holds the paged key/value history of decode requests.
//
// The cache has the logical shape (Slots, Layers, 2, MaxSeqLen, Heads,
// HeadDim): plane 0 is keys, plane 1 values. Storage is one tensor allocated
// up front; slots are handed out by the caller and never tracked here.
package kvcache

import (
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/samcharles93/punica/internal/dtype"
	"github.com/samcharles93/punica/internal/tensor"
)

// Planes of the cache.
const (
	K = 0
	V = 1
)

// ErrLayout reports an invalid layout or a tensor that does not match one.
var ErrLayout = errors.New("invalid cache layout")

// Layout describes a cache's geometry and element type.
type Layout struct {
	Slots     int         `json:"slots" yaml:"slots"`
	Layers    int         `json:"layers" yaml:"layers"`
	MaxSeqLen int         `json:"max_seq_len" yaml:"max_seq_len"`
	Heads     int         `json:"heads" yaml:"heads"`
	HeadDim   int         `json:"head_dim" yaml:"head_dim"`
	PageSize  int         `json:"page_size" yaml:"page_size"`
	DType     dtype.DType `json:"dtype" yaml:"dtype"`
}

// Validate checks every dimension is positive and the dtype is known.
func (l Layout) Validate() error {
	switch {
	case l.Slots <= 0, l.Layers <= 0, l.MaxSeqLen <= 0, l.Heads <= 0, l.HeadDim <= 0, l.PageSize <= 0:
		return fmt.Errorf("%w: every dimension must be positive (got %+v)", ErrLayout, l)
	case !l.DType.Valid():
		return fmt.Errorf("%w: dtype %s", ErrLayout, l.DType)
	case l.HeadDim%2 != 0:
		return fmt.Errorf("%w: head dim %d is odd", ErrLayout, l.HeadDim)
	}
	return nil
}

// Shape returns the storage tensor's shape.
func (l Layout) Shape() []int {
	return []int{l.Slots, l.Layers, 2, l.MaxSeqLen, l.Heads, l.HeadDim}
}

// Elements returns the total element count.
func (l Layout) Elements() int64 {
	n := int64(1)
	for _, d := range l.Shape() {
		n *= int64(d)
	}
	return n
}

// Bytes returns the storage footprint.
func (l Layout) Bytes() int64 {
	return l.Elements() * int64(l.DType.Size())
}

// PosStride is the distance between consecutive positions of one head.
func (l Layout) PosStride() int { return l.Heads * l.HeadDim }

func (l Layout) slotElems() int { return l.Layers * 2 * l.MaxSeqLen * l.PosStride() }

// Cache is a fixed-capacity paged KV store. It performs no locking; callers
// must not touch the same slot from two operations at once.
type Cache struct {
	layout Layout
	data   *tensor.Tensor
}

// New allocates a zeroed cache.
func New(layout Layout) (*Cache, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	t, err := tensor.New(layout.DType, layout.Shape()...)
	if err != nil {
		return nil, fmt.Errorf("allocate cache: %w", err)
	}
	return &Cache{layout: layout, data: t}, nil
}

// Wrap adopts a caller-allocated tensor as cache storage.
func Wrap(layout Layout, t *tensor.Tensor) (*Cache, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLayout, err)
	}
	if t.DType != layout.DType {
		return nil, fmt.Errorf("%w: tensor dtype %s, layout %s", ErrLayout, t.DType, layout.DType)
	}
	want := layout.Shape()
	if len(t.Shape) != len(want) {
		return nil, fmt.Errorf("%w: tensor shape %s, want %s", ErrLayout, tensor.FormatShape(t.Shape), tensor.FormatShape(want))
	}
	for i := range want {
		if t.Shape[i] != want[i] {
			return nil, fmt.Errorf("%w: tensor shape %s, want %s", ErrLayout, tensor.FormatShape(t.Shape), tensor.FormatShape(want))
		}
	}
	return &Cache{layout: layout, data: t}, nil
}

// Layout returns the cache geometry.
func (c *Cache) Layout() Layout { return c.layout }

// Tensor exposes the storage. Kernels read it directly.
func (c *Cache) Tensor() *tensor.Tensor { return c.data }

// Offset returns the flat element offset of (slot, layer, plane, pos, head, 0).
// Indices are not checked.
func (c *Cache) Offset(slot, layer, plane, pos, head int) int {
	l := c.layout
	return ((((slot*l.Layers+layer)*2+plane)*l.MaxSeqLen+pos)*l.Heads + head) * l.HeadDim
}

func (c *Cache) check(slot, layer, plane, pos, head int) error {
	l := c.layout
	if slot < 0 || slot >= l.Slots || layer < 0 || layer >= l.Layers ||
		plane < K || plane > V || pos < 0 || pos >= l.MaxSeqLen || head < 0 || head >= l.Heads {
		return fmt.Errorf("cache index (slot %d, layer %d, plane %d, pos %d, head %d) out of range for %+v",
			slot, layer, plane, pos, head, l)
	}
	return nil
}

// Read decodes one head vector into dst, which must hold HeadDim values.
func (c *Cache) Read(slot, layer, plane, pos, head int, dst []float32) error {
	if err := c.check(slot, layer, plane, pos, head); err != nil {
		return err
	}
	if len(dst) != c.layout.HeadDim {
		return fmt.Errorf("read buffer has %d values, want %d", len(dst), c.layout.HeadDim)
	}
	c.data.Load(dst, c.Offset(slot, layer, plane, pos, head))
	return nil
}

// Write encodes one head vector into the cache.
func (c *Cache) Write(slot, layer, plane, pos, head int, src []float32) error {
	if err := c.check(slot, layer, plane, pos, head); err != nil {
		return err
	}
	if len(src) != c.layout.HeadDim {
		return fmt.Errorf("write buffer has %d values, want %d", len(src), c.layout.HeadDim)
	}
	c.data.Store(src, c.Offset(slot, layer, plane, pos, head))
	return nil
}

// Pages returns the number of pages covering positions 0..pastLen.
func (c *Cache) Pages(pastLen int) int {
	return Pages(pastLen+1, c.layout.PageSize)
}

// Pages returns ceil(n/pageSize).
func Pages(n, pageSize int) int {
	if n <= 0 {
		return 0
	}
	return (n + pageSize - 1) / pageSize
}

// Fingerprint hashes the raw storage of one slot. Equal fingerprints before
// and after an operation mean the slot was left untouched.
func (c *Cache) Fingerprint(slot int) (uint64, error) {
	if slot < 0 || slot >= c.layout.Slots {
		return 0, fmt.Errorf("slot %d out of range [0, %d)", slot, c.layout.Slots)
	}
	n := c.layout.slotElems()
	lo := slot * n
	h := xxhash.New()
	var buf [4096]byte
	if c.data.DType.Half() {
		words := c.data.U16[lo : lo+n]
		for len(words) > 0 {
			m := min(len(words), len(buf)/2)
			for i, w := range words[:m] {
				buf[2*i] = byte(w)
				buf[2*i+1] = byte(w >> 8)
			}
			_, _ = h.Write(buf[:2*m])
			words = words[m:]
		}
		return h.Sum64(), nil
	}
	vals := c.data.F32[lo : lo+n]
	for len(vals) > 0 {
		m := min(len(vals), len(buf)/4)
		for i, v := range vals[:m] {
			u := math.Float32bits(v)
			buf[4*i] = byte(u)
			buf[4*i+1] = byte(u >> 8)
			buf[4*i+2] = byte(u >> 16)
			buf[4*i+3] = byte(u >> 24)
		}
		_, _ = h.Write(buf[:4*m])
		vals = vals[m:]
	}
	return h.Sum64(), nil
}
