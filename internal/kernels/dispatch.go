// Package kernels holds the compute kernels behind add_lora and
// rotary_mha_decode, and the dispatch table that selects a specialised
// kernel for a (dtype, head dim, page size) or (dtype, rank) combination.
//
// The table is built once from a Config. Lookups of combinations the table
// was not built for fail with ErrUnsupported rather than falling back to a
// generic path, so a deployment only runs shapes it was configured for.
package kernels

import (
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sys/cpu"

	"github.com/samcharles93/punica/internal/dtype"
)

// ErrUnsupported is returned for a key that has no kernel in the table.
var ErrUnsupported = errors.New("unsupported kernel configuration")

// Config lists the parameter values the table is specialised for.
type Config struct {
	HeadDims  []int         `json:"head_dims" yaml:"head_dims"`
	PageSizes []int         `json:"page_sizes" yaml:"page_sizes"`
	DTypes    []dtype.DType `json:"dtypes" yaml:"dtypes"`
	// MaxRank is the largest LoRA rank with a kernel. Every rank in
	// [1, MaxRank] is populated.
	MaxRank int `json:"max_rank" yaml:"max_rank"`
	// NarrowRankMax is the largest rank served by the matrix-vector (BGMV)
	// kernel; wider ranks use the segmented matrix-matrix (SGMV) kernel.
	NarrowRankMax int `json:"narrow_rank_max" yaml:"narrow_rank_max"`
}

// DefaultConfig specialises page size 16 for the head dims of common model
// families.
func DefaultConfig() Config {
	return Config{
		HeadDims:      []int{64, 80, 96, 128, 256},
		PageSizes:     []int{16},
		DTypes:        []dtype.DType{dtype.F16, dtype.BF16, dtype.F32},
		MaxRank:       128,
		NarrowRankMax: 8,
	}
}

// Validate checks that every listed parameter can be specialised.
func (c Config) Validate() error {
	if len(c.HeadDims) == 0 || len(c.PageSizes) == 0 || len(c.DTypes) == 0 {
		return errors.New("kernels: head dims, page sizes and dtypes must be non-empty")
	}
	for _, d := range c.HeadDims {
		if d <= 0 || d%2 != 0 {
			return fmt.Errorf("kernels: head dim %d must be positive and even", d)
		}
	}
	for _, p := range c.PageSizes {
		if p <= 0 {
			return fmt.Errorf("kernels: page size %d must be positive", p)
		}
	}
	for _, dt := range c.DTypes {
		if !dt.Valid() {
			return fmt.Errorf("kernels: invalid dtype %v", dt)
		}
	}
	if c.MaxRank <= 0 {
		return fmt.Errorf("kernels: max rank %d must be positive", c.MaxRank)
	}
	if c.NarrowRankMax < 0 {
		return fmt.Errorf("kernels: narrow rank max %d must not be negative", c.NarrowRankMax)
	}
	return nil
}

// Features records the CPU capabilities that picked kernel variants.
type Features struct {
	AVX2     bool `json:"avx2"`
	FMA      bool `json:"fma"`
	ASIMD    bool `json:"asimd"`
	DotWidth int  `json:"dot_width"`
}

// DetectFeatures queries the host CPU.
func DetectFeatures() Features {
	f := Features{
		AVX2:  cpu.X86.HasAVX2,
		FMA:   cpu.X86.HasFMA,
		ASIMD: cpu.ARM64.HasASIMD,
	}
	f.DotWidth = 4
	if f.AVX2 || f.ASIMD {
		f.DotWidth = 8
	}
	return f
}

// DecodeKey selects a decode attention kernel.
type DecodeKey struct {
	DType    dtype.DType
	HeadDim  int
	PageSize int
}

func (k DecodeKey) String() string {
	return fmt.Sprintf("decode/%s/h%d/p%d", k.DType, k.HeadDim, k.PageSize)
}

// LoraKey selects a LoRA kernel.
type LoraKey struct {
	DType dtype.DType
	Rank  int
}

func (k LoraKey) String() string {
	return fmt.Sprintf("lora/%s/r%d", k.DType, k.Rank)
}

// Table is the runtime dispatch table. It is immutable after Build and safe
// for concurrent lookups.
type Table struct {
	cfg      Config
	features Features
	decode   map[DecodeKey]DecodeKernel
	lora     map[LoraKey]LoraKernel
}

// Build specialises every configured combination.
func Build(cfg Config, features Features) (*Table, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if features.DotWidth == 0 {
		features.DotWidth = 4
	}
	dot := selectDot(features.DotWidth)

	t := &Table{
		cfg:      cfg,
		features: features,
		decode:   make(map[DecodeKey]DecodeKernel),
		lora:     make(map[LoraKey]LoraKernel),
	}
	for _, dt := range cfg.DTypes {
		for _, hd := range cfg.HeadDims {
			for _, ps := range cfg.PageSizes {
				key := DecodeKey{DType: dt, HeadDim: hd, PageSize: ps}
				t.decode[key] = newDecodeKernel(key, dot)
			}
		}
		for r := 1; r <= cfg.MaxRank; r++ {
			key := LoraKey{DType: dt, Rank: r}
			if r <= cfg.NarrowRankMax {
				t.lora[key] = bgmvKernel{key: key}
			} else {
				t.lora[key] = sgmvKernel{key: key}
			}
		}
	}
	return t, nil
}

// Config returns the configuration the table was built from.
func (t *Table) Config() Config { return t.cfg }

// Features returns the CPU features the table was specialised for.
func (t *Table) Features() Features { return t.features }

// Decode looks up a decode kernel.
func (t *Table) Decode(key DecodeKey) (DecodeKernel, error) {
	k, ok := t.decode[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s (head dims %v, page sizes %v, dtypes %v)",
			ErrUnsupported, key, t.cfg.HeadDims, t.cfg.PageSizes, t.cfg.DTypes)
	}
	return k, nil
}

// Lora looks up a LoRA kernel.
func (t *Table) Lora(key LoraKey) (LoraKernel, error) {
	k, ok := t.lora[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s (max rank %d, dtypes %v)", ErrUnsupported, key, t.cfg.MaxRank, t.cfg.DTypes)
	}
	return k, nil
}

// Entry describes one table row for listings.
type Entry struct {
	Key    string `json:"key"`
	Kernel string `json:"kernel"`
}

// Entries lists decode kernels followed by LoRA kernels, each sorted by key.
// LoRA ranks are collapsed into one row per dtype and kernel kind.
func (t *Table) Entries() []Entry {
	var out []Entry
	decodeKeys := make([]DecodeKey, 0, len(t.decode))
	for k := range t.decode {
		decodeKeys = append(decodeKeys, k)
	}
	slices.SortFunc(decodeKeys, func(a, b DecodeKey) int {
		if a.DType != b.DType {
			return int(a.DType) - int(b.DType)
		}
		if a.HeadDim != b.HeadDim {
			return a.HeadDim - b.HeadDim
		}
		return a.PageSize - b.PageSize
	})
	for _, k := range decodeKeys {
		out = append(out, Entry{Key: k.String(), Kernel: fmt.Sprintf("online-softmax/dot%d", t.features.DotWidth)})
	}

	dts := slices.Clone(t.cfg.DTypes)
	slices.Sort(dts)
	for _, dt := range slices.Compact(dts) {
		narrow := min(t.cfg.NarrowRankMax, t.cfg.MaxRank)
		if narrow >= 1 {
			out = append(out, Entry{Key: fmt.Sprintf("lora/%s/r1-%d", dt, narrow), Kernel: BGMV.String()})
		}
		if narrow < t.cfg.MaxRank {
			out = append(out, Entry{Key: fmt.Sprintf("lora/%s/r%d-%d", dt, narrow+1, t.cfg.MaxRank), Kernel: SGMV.String()})
		}
	}
	return out
}
