// Package bench times the engine's operations over the standard grid of
// model shapes and batch sizes.
package bench

import (
	"fmt"

	"github.com/samcharles93/punica/internal/dtype"
)

// Seed is used for every case so that runs are comparable.
const Seed int64 = 0xabcdabcd987

// DecodeCase is one RotaryMHADecode configuration.
type DecodeCase struct {
	Heads   int         `json:"heads"`
	HeadDim int         `json:"head_dim"`
	Layers  int         `json:"layers"`
	MaxLen  int         `json:"max_len"`
	DType   dtype.DType `json:"dtype"`
	Batch   int         `json:"batch"`
	PastLen int         `json:"past_len"`
}

// Fields renders the case the way the result table labels it.
func (c DecodeCase) Fields() []string {
	return []string{
		fmt.Sprintf("n=%d", c.Heads),
		fmt.Sprintf("d=%3d", c.HeadDim),
		fmt.Sprintf("l=%d", c.Layers),
		fmt.Sprintf("maxlen=%d", c.MaxLen),
		c.DType.String(),
		fmt.Sprintf("bs=%2d", c.Batch),
	}
}

// LoraCase is one AddLora configuration. Every request gets its own adapter.
type LoraCase struct {
	Rank  int         `json:"rank"`
	In    int         `json:"in"`
	Out   int         `json:"out"`
	DType dtype.DType `json:"dtype"`
	Batch int         `json:"batch"`
}

func (c LoraCase) Fields() []string {
	return []string{
		fmt.Sprintf("r=%d", c.Rank),
		fmt.Sprintf("h1=%d", c.In),
		fmt.Sprintf("h2=%d", c.Out),
		c.DType.String(),
		fmt.Sprintf("bs=%2d", c.Batch),
	}
}

// Bytes is the storage of the case's inputs: x, y and one rank-r adapter
// pair per request.
func (c LoraCase) Bytes() int64 {
	b, in, out, r := int64(c.Batch), int64(c.In), int64(c.Out), int64(c.Rank)
	return b * (in + out) * (r + 1) * int64(c.DType.Size())
}

// ModelSize is a (heads, head dim, layers, max length) decode shape.
type ModelSize struct {
	Heads, HeadDim, Layers, MaxLen int
}

// DecodeModelSizes lists regular shapes followed by irregular ones.
var DecodeModelSizes = []ModelSize{
	{12, 64, 12, 2048},
	{16, 64, 24, 2048},
	{32, 64, 24, 2048},
	{32, 80, 32, 2048},
	{32, 128, 32, 2048},
	{40, 128, 40, 2048},
	{56, 128, 48, 2048},
	{72, 128, 64, 2048},

	{32, 128, 32, 3333},
	{32, 128, 13, 2048},
	{32, 96, 32, 2048},
	{13, 128, 32, 2048},
	{13, 64, 17, 3333},
}

// LoraWeightSizes lists (in, out) projection shapes.
var LoraWeightSizes = [][2]int{
	{4096, 4096},
	{4096, 11008},
	{11008, 4096},
}

// LoraRanks lists the adapter ranks benchmarked.
var LoraRanks = []int{16}

// BatchSizes is 1..16.
var BatchSizes = func() []int {
	out := make([]int, 16)
	for i := range out {
		out[i] = i + 1
	}
	return out
}()

// DefaultPastLen is the history length of every decode case.
const DefaultPastLen = 10

// DecodeCases expands sizes x batches into cases.
func DecodeCases(sizes []ModelSize, batches []int, dt dtype.DType) []DecodeCase {
	out := make([]DecodeCase, 0, len(sizes)*len(batches))
	for _, s := range sizes {
		for _, b := range batches {
			out = append(out, DecodeCase{
				Heads: s.Heads, HeadDim: s.HeadDim, Layers: s.Layers, MaxLen: s.MaxLen,
				DType: dt, Batch: b, PastLen: DefaultPastLen,
			})
		}
	}
	return out
}

// LoraCases expands ranks x weight sizes x batches into cases.
func LoraCases(ranks []int, sizes [][2]int, batches []int, dt dtype.DType) []LoraCase {
	out := make([]LoraCase, 0, len(ranks)*len(sizes)*len(batches))
	for _, r := range ranks {
		for _, s := range sizes {
			for _, b := range batches {
				out = append(out, LoraCase{Rank: r, In: s[0], Out: s[1], DType: dt, Batch: b})
			}
		}
	}
	return out
}
