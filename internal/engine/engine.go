// Package engine runs batched LoRA and rotary decode attention calls.
//
// Each public operation validates its whole batch, then executes as one
// synchronous fork-join dispatch over a persistent worker pool. Results for a
// request never depend on which other requests share the batch.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/punica/internal/kernels"
	"github.com/samcharles93/punica/internal/kvcache"
	"github.com/samcharles93/punica/internal/logger"
	"github.com/samcharles93/punica/internal/rope"
	"github.com/samcharles93/punica/internal/workpool"
)

// Engine owns the dispatch table, the worker pool and the scratch arena.
// It is safe for concurrent use; concurrent calls must not share a cache
// slot or an output tensor.
type Engine struct {
	opts    Options
	table   *kernels.Table
	pool    *workpool.Pool
	rotary  map[int]*rope.Rotary
	scratch *arena
	log     logger.Logger
	stats   counters

	closeOnce sync.Once
	closed    atomic.Bool
}

// New builds the dispatch table and starts the worker pool.
func New(opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.ScratchBytes <= 0 {
		return nil, fmt.Errorf("scratch budget must be positive, got %d", opts.ScratchBytes)
	}
	if opts.CacheBytes < 0 {
		return nil, fmt.Errorf("cache budget must not be negative, got %d", opts.CacheBytes)
	}
	if opts.InputBytes < 0 {
		return nil, fmt.Errorf("input budget must not be negative, got %d", opts.InputBytes)
	}
	if opts.ExpandTile <= 0 {
		opts.ExpandTile = DefaultOptions().ExpandTile
	}

	features := kernels.DetectFeatures()
	if opts.Features != nil {
		features = *opts.Features
	}
	table, err := kernels.Build(opts.Kernels, features)
	if err != nil {
		return nil, fmt.Errorf("build dispatch table: %w", err)
	}

	rotary := make(map[int]*rope.Rotary, len(opts.Kernels.HeadDims))
	for _, hd := range opts.Kernels.HeadDims {
		r, err := rope.New(hd, opts.Rope)
		if err != nil {
			return nil, fmt.Errorf("rotary embedding for head dim %d: %w", hd, err)
		}
		rotary[hd] = r
	}

	e := &Engine{
		opts:    opts,
		table:   table,
		pool:    workpool.New(opts.Workers),
		rotary:  rotary,
		scratch: newArena(opts.ScratchBytes),
		log:     opts.Logger.With("component", "engine"),
	}
	e.log.Info("engine ready",
		"kernels", len(table.Entries()),
		"max_rank", opts.Kernels.MaxRank,
		"narrow_rank_max", opts.Kernels.NarrowRankMax,
		"dot_width", table.Features().DotWidth,
		"workers", e.pool.Size(),
		"scratch_bytes", opts.ScratchBytes)
	return e, nil
}

// Close stops the worker pool. Calls in flight complete first; later calls
// fail with ErrClosed.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.pool.Close()
		e.log.Debug("engine closed")
	})
	return nil
}

// Table returns the dispatch table.
func (e *Engine) Table() *kernels.Table { return e.table }

// Workers returns the worker pool size.
func (e *Engine) Workers() int { return e.pool.Size() }

// Options returns the options the engine was built with.
func (e *Engine) Options() Options { return e.opts }

// NewCache allocates a cache, enforcing the cache byte budget.
func (e *Engine) NewCache(layout kvcache.Layout) (*kvcache.Cache, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if err := layout.Validate(); err != nil {
		return nil, contractWrap("new_cache", "layout", err)
	}
	if budget := e.opts.CacheBytes; budget > 0 && layout.Bytes() > budget {
		err := &ExhaustedError{Op: "new_cache", Need: layout.Bytes(), Budget: budget}
		e.reject("new_cache", err)
		return nil, err
	}
	c, err := kvcache.New(layout)
	if err != nil {
		return nil, contractWrap("new_cache", "allocate", err)
	}
	e.log.Debug("cache allocated", "slots", layout.Slots, "layers", layout.Layers,
		"max_seq_len", layout.MaxSeqLen, "bytes", layout.Bytes())
	return c, nil
}

// Reserve checks that operands of the given size fit the input budget. Callers
// allocating large inputs on behalf of op, such as benchmark cases, call it
// first so an oversized request fails with ErrResourceExhausted instead of
// exhausting the heap.
func (e *Engine) Reserve(op string, bytes int64) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if bytes < 0 {
		return contractf(op, "negative input size %d", bytes)
	}
	if budget := e.opts.InputBytes; budget > 0 && bytes > budget {
		err := &ExhaustedError{Op: op, Need: bytes, Budget: budget}
		e.reject(op, err)
		return err
	}
	return nil
}

func (e *Engine) begin(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func (e *Engine) reject(op string, err error) {
	e.stats.reject(err)
	e.log.Warn("call rejected", "op", op, "kind", Kind(err), "error", err)
}
