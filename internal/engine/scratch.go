package engine

import "sync"

// arena hands out float32 scratch for one call at a time per borrower.
// Buffers are recycled through a sync.Pool and never exceed the budget.
type arena struct {
	budget int64
	pool   sync.Pool
}

func newArena(budget int64) *arena {
	return &arena{budget: budget}
}

// fits reports whether n float32 values stay within the budget.
func (a *arena) fits(n int) bool {
	return int64(n)*4 <= a.budget
}

// get returns a zeroed slice of n floats. The caller must check fits first.
func (a *arena) get(n int) []float32 {
	if p, ok := a.pool.Get().(*[]float32); ok && cap(*p) >= n {
		buf := (*p)[:n]
		clear(buf)
		return buf
	}
	return make([]float32, n)
}

func (a *arena) put(buf []float32) {
	buf = buf[:0]
	a.pool.Put(&buf)
}
