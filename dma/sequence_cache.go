package dma

import "sync"

// SequenceCache batches a port's read or write byte-progress spans so
// they can be flushed to the address batch source as a single update
// rather than one call per sub-copy (spec.md §2, "Sequence Cache").
type SequenceCache struct {
	mu      sync.Mutex
	pending uint64
}

// NewSequenceCache returns an empty cache.
func NewSequenceCache() *SequenceCache {
	return &SequenceCache{}
}

// Add accrues n bytes into the pending span.
func (s *SequenceCache) Add(n uint64) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	s.pending += n
	s.mu.Unlock()
}

// Flush reports the accrued span through apply, then resets the cache.
// A no-op when nothing is pending.
func (s *SequenceCache) Flush(apply func(bytes uint64)) {
	s.mu.Lock()
	n := s.pending
	s.pending = 0
	s.mu.Unlock()
	if n > 0 {
		apply(n)
	}
}
