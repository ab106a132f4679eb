package api

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/punica/internal/bench"
)

// BenchStore keeps benchmark results in memory, bounded to limit entries.
type BenchStore struct {
	mu      sync.Mutex
	limit   int
	order   []string
	records map[string]BenchRecord
}

func NewBenchStore(limit int) *BenchStore {
	if limit <= 0 {
		limit = 256
	}
	return &BenchStore{
		limit:   limit,
		records: make(map[string]BenchRecord),
	}
}

// Create stores entry under a fresh id, evicting the oldest record when full.
func (s *BenchStore) Create(entry bench.Entry, now time.Time) BenchRecord {
	rec := BenchRecord{ID: newBenchID(), CreatedAt: now, Entry: entry}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) >= s.limit {
		delete(s.records, s.order[0])
		s.order = s.order[1:]
	}
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return rec
}

func (s *BenchStore) Get(id string) (BenchRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

func (s *BenchStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false
	}
	delete(s.records, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return true
}

// List returns records oldest first.
func (s *BenchStore) List() []BenchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BenchRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}

func newBenchID() string {
	return "bench_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
