package workpool

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("workpool: closed")

type task struct {
	fn     func(slot, lo, hi int)
	slot   int
	lo, hi int
	done   chan error
}

// Pool is a fixed set of persistent goroutines executing fork-join ranges.
// Run hands out contiguous index ranges and blocks until all of them finish,
// which gives each public kernel call the semantics of one synchronous
// batched dispatch.
type Pool struct {
	size      int
	tasks     chan task
	doneSlots chan chan error

	mu     sync.RWMutex
	closed bool
}

// WorkersFor returns the worker count for n independent work items, capped at
// GOMAXPROCS.
func WorkersFor(n int) int {
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	if n > 0 && workers > n {
		workers = n
	}
	return workers
}

// New starts a pool of size workers. size <= 0 selects GOMAXPROCS.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	if size < 1 {
		size = 1
	}
	p := &Pool{
		size:      size,
		tasks:     make(chan task, size*2),
		doneSlots: make(chan chan error, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan error, size)
	}
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for t := range p.tasks {
		t.done <- runTask(t)
	}
}

func runTask(t task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = executionError(rec)
		}
	}()
	t.fn(t.slot, t.lo, t.hi)
	return nil
}

func executionError(rec any) error {
	if recErr, ok := rec.(error); ok {
		return fmt.Errorf("kernel execution failed: %w", recErr)
	}
	return fmt.Errorf("kernel execution failed: %v", rec)
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Run splits [0, n) into at most Size contiguous ranges, runs fn on each and
// waits for all of them. A panic in fn is recovered and returned; the
// remaining ranges still run to completion.
func (p *Pool) Run(n int, fn func(lo, hi int)) error {
	return p.RunSlots(n, 0, func(_, lo, hi int) { fn(lo, hi) })
}

// RunChunks is Run with a minimum range length. Small ranges are merged so
// that cheap items are not scheduled one by one.
func (p *Pool) RunChunks(n, minChunk int, fn func(lo, hi int)) error {
	return p.RunSlots(n, minChunk, func(_, lo, hi int) { fn(lo, hi) })
}

// RunSlots is RunChunks that also passes each range its slot number in
// [0, Size()). No two ranges of one call share a slot, so callers can hand
// each slot a private scratch buffer reserved before the call.
func (p *Pool) RunSlots(n, minChunk int, fn func(slot, lo, hi int)) error {
	if n <= 0 {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	workers := p.size
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers
	if minChunk > chunk {
		chunk = minChunk
	}
	if workers <= 1 || chunk >= n {
		return runTask(task{fn: fn, slot: 0, lo: 0, hi: n})
	}

	done := <-p.doneSlots
	defer func() { p.doneSlots <- done }()

	active := 0
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		p.tasks <- task{fn: fn, slot: active, lo: lo, hi: hi, done: done}
		active++
	}
	var first error
	for i := 0; i < active; i++ {
		if err := <-done; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close stops the workers. Run calls in flight complete first.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.tasks)
}
