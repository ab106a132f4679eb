package engine

import (
	"github.com/samcharles93/punica/internal/kernels"
	"github.com/samcharles93/punica/internal/logger"
	"github.com/samcharles93/punica/internal/rope"
)

// Options configures an Engine.
type Options struct {
	Kernels kernels.Config
	// Features overrides CPU feature detection. Nil detects.
	Features *kernels.Features
	// Workers is the pool size; <= 0 selects GOMAXPROCS.
	Workers int
	// ScratchBytes bounds the float32 scratch one call may use.
	ScratchBytes int64
	// CacheBytes bounds the storage of a single cache created by NewCache.
	// Zero means unbounded.
	CacheBytes int64
	// InputBytes bounds the operand tensors a caller reserves through
	// Reserve before allocating them. Zero means unbounded.
	InputBytes int64
	Rope       rope.Config
	// ExpandTile is the output-column tile of the LoRA expand phase.
	ExpandTile int
	Logger     logger.Logger
}

// DefaultOptions returns the options used by the CLI when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Kernels:      kernels.DefaultConfig(),
		ScratchBytes: 256 << 20,
		CacheBytes:   8 << 30,
		InputBytes:   2 << 30,
		Rope:         rope.Config{Theta: rope.DefaultTheta},
		ExpandTile:   256,
	}
}
