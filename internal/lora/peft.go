package lora

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"

	"github.com/samcharles93/punica/internal/dtype"
	"github.com/samcharles93/punica/internal/safetensors"
	"github.com/samcharles93/punica/internal/tensor"
)

// PEFT adapters store, per layer and target module,
//
//	...layers.<L>...<module>.lora_A[.<name>].weight  [r, in]
//	...layers.<L>...<module>.lora_B[.<name>].weight  [out, r]
//
// LoadPEFT transposes both into the stacked layout.

type peftPair struct {
	a, b string
}

type peftAdapter struct {
	file   *safetensors.File
	layers []peftPair
	rank   int
	in     int
	out    int
}

func moduleRE(module string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|\.)layers\.(\d+)\.(?:.+\.)?` + regexp.QuoteMeta(module) + `\.lora_([AB])(?:\.[^.]+)?\.weight$`)
}

// LoadPEFT builds a stack holding one adapter per file for the projection
// named module (for example "q_proj"). Every file must cover the same layers
// and projection shape; ranks may differ.
func LoadPEFT(module string, dt dtype.DType, paths ...string) (*Stack, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no adapter files", ErrStack)
	}
	re := moduleRE(module)
	adapters := make([]peftAdapter, len(paths))
	for i, p := range paths {
		a, err := scanPEFT(p, re)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			first := adapters[0]
			if len(a.layers) != len(first.layers) || a.in != first.in || a.out != first.out {
				return nil, fmt.Errorf("%w: %s has %d layers of [%d -> %d], %s has %d layers of [%d -> %d]",
					ErrStack, p, len(a.layers), a.in, a.out, paths[0], len(first.layers), first.in, first.out)
			}
		}
		adapters[i] = a
	}

	ranks := make([]int, len(adapters))
	for i, a := range adapters {
		ranks[i] = a.rank
	}
	d := Dims{
		Adapters: len(adapters),
		Layers:   len(adapters[0].layers),
		In:       adapters[0].in,
		Out:      adapters[0].out,
		MaxRank:  slices.Max(ranks),
	}
	s := &Stack{Ranks: ranks}
	var err error
	if s.A, err = tensor.New(dt, d.Adapters, d.Layers, d.In, d.MaxRank); err != nil {
		return nil, err
	}
	if s.B, err = tensor.New(dt, d.Adapters, d.Layers, d.MaxRank, d.Out); err != nil {
		return nil, err
	}

	for k, a := range adapters {
		for l, pair := range a.layers {
			if err := s.fillLayer(d, k, l, a, pair); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *Stack) fillLayer(d Dims, k, l int, a peftAdapter, pair peftPair) error {
	wa, _, err := a.file.ReadFloat32(pair.a)
	if err != nil {
		return err
	}
	wb, _, err := a.file.ReadFloat32(pair.b)
	if err != nil {
		return err
	}
	r := a.rank

	row := make([]float32, d.MaxRank)
	base := d.AOffset(k, l)
	for i := 0; i < d.In; i++ {
		for j := 0; j < r; j++ {
			row[j] = wa[j*d.In+i]
		}
		s.A.Store(row, base+i*d.MaxRank)
	}

	col := make([]float32, d.Out)
	base = d.BOffset(k, l)
	for j := 0; j < r; j++ {
		for o := range col {
			col[o] = wb[o*r+j]
		}
		s.B.Store(col, base+j*d.Out)
	}
	return nil
}

func scanPEFT(path string, re *regexp.Regexp) (peftAdapter, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return peftAdapter{}, err
	}
	found := map[int]*peftPair{}
	maxLayer := -1
	for _, name := range f.Names() {
		m := re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		layer, _ := strconv.Atoi(m[1])
		p := found[layer]
		if p == nil {
			p = &peftPair{}
			found[layer] = p
		}
		if m[2] == "A" {
			p.a = name
		} else {
			p.b = name
		}
		maxLayer = max(maxLayer, layer)
	}
	if len(found) == 0 {
		return peftAdapter{}, fmt.Errorf("%w: %s has no LoRA weights for the requested module", ErrStack, path)
	}

	a := peftAdapter{file: f, layers: make([]peftPair, maxLayer+1)}
	for l := range a.layers {
		p := found[l]
		if p == nil || p.a == "" || p.b == "" {
			return peftAdapter{}, fmt.Errorf("%w: %s is missing lora_A or lora_B for layer %d", ErrStack, path, l)
		}
		ia, _ := f.Tensor(p.a)
		ib, _ := f.Tensor(p.b)
		if len(ia.Shape) != 2 || len(ib.Shape) != 2 || ia.Shape[0] != ib.Shape[1] {
			return peftAdapter{}, fmt.Errorf("%w: %s layer %d: lora_A %v and lora_B %v do not pair",
				ErrStack, path, l, ia.Shape, ib.Shape)
		}
		r, in, out := ia.Shape[0], ia.Shape[1], ib.Shape[0]
		if l == 0 {
			a.rank, a.in, a.out = r, in, out
		} else if r != a.rank || in != a.in || out != a.out {
			return peftAdapter{}, fmt.Errorf("%w: %s layer %d is [%d -> %d] rank %d, layer 0 is [%d -> %d] rank %d",
				ErrStack, path, l, in, out, r, a.in, a.out, a.rank)
		}
		a.layers[l] = *p
	}
	return a, nil
}
