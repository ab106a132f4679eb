package engine

import (
	"slices"

	"github.com/samcharles93/punica/internal/kernels"
)

// maxSegmentRows caps the rows of one SGMV work item so large segments still
// spread over the pool.
const maxSegmentRows = 32

// segment is a run of requests sharing one adapter inside a rank bucket.
// Rows are request indices in ascending order.
type segment struct {
	Adapter int
	Rows    []int
}

// bucket groups every request whose adapter has the same effective rank.
type bucket struct {
	Rank     int
	Kind     kernels.Kind
	Segments []segment
}

// loraPlan is the gather plan for one AddLora call. All row lists are
// sub-slices of one arena of len(batch) request indices.
type loraPlan struct {
	arena   []int
	Buckets []bucket
}

// planLora buckets requests by rank (ascending), then by adapter in order of
// first appearance. rankOf maps an adapter to its effective rank.
func planLora(indices []int, rankOf func(adapter int) int, kindOf func(rank int) kernels.Kind) loraPlan {
	if len(indices) == 0 {
		return loraPlan{}
	}

	// Count requests per adapter and remember first appearance.
	counts := make(map[int]int)
	var adapters []int
	for _, a := range indices {
		if counts[a] == 0 {
			adapters = append(adapters, a)
		}
		counts[a]++
	}

	var ranks []int
	byRank := make(map[int][]int)
	for _, a := range adapters {
		r := rankOf(a)
		if _, ok := byRank[r]; !ok {
			ranks = append(ranks, r)
		}
		byRank[r] = append(byRank[r], a)
	}
	slices.Sort(ranks)

	// Lay segments out contiguously in the arena.
	p := loraPlan{arena: make([]int, 0, len(indices))}
	start := make(map[int]int, len(adapters))
	for _, r := range ranks {
		for _, a := range byRank[r] {
			start[a] = len(p.arena)
			p.arena = p.arena[:len(p.arena)+counts[a]]
		}
	}
	fill := make(map[int]int, len(adapters))
	for req, a := range indices {
		p.arena[start[a]+fill[a]] = req
		fill[a]++
	}

	for _, r := range ranks {
		b := bucket{Rank: r, Kind: kindOf(r)}
		for _, a := range byRank[r] {
			lo := start[a]
			b.Segments = append(b.Segments, segment{Adapter: a, Rows: p.arena[lo : lo+counts[a] : lo+counts[a]]})
		}
		p.Buckets = append(p.Buckets, b)
	}
	return p
}

// workItem is one unit of the shrink phase: rows sharing an adapter and a
// kernel. BGMV items hold a single request; SGMV items hold up to
// maxSegmentRows.
type workItem struct {
	Bucket  int
	Adapter int
	Rows    []int
}

func (p loraPlan) items() []workItem {
	var out []workItem
	for bi, b := range p.Buckets {
		for _, s := range b.Segments {
			step := maxSegmentRows
			if b.Kind == kernels.BGMV {
				step = 1
			}
			for lo := 0; lo < len(s.Rows); lo += step {
				hi := min(lo+step, len(s.Rows))
				out = append(out, workItem{Bucket: bi, Adapter: s.Adapter, Rows: s.Rows[lo:hi:hi]})
			}
		}
	}
	return out
}

func (p loraPlan) segments(kind kernels.Kind) int {
	n := 0
	for _, b := range p.Buckets {
		if b.Kind == kind {
			n += len(b.Segments)
		}
	}
	return n
}
