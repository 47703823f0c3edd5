package memory

import (
	"sort"
	"sync"
)

// DefaultCapacity bounds the short-term buffer when no capacity is configured.
const DefaultCapacity = 100

// buffer is the in-process short-term cache. Not the source of truth; the
// persisted store is authoritative.
type buffer struct {
	mu       sync.Mutex
	capacity int
	entries  []*Record
}

func newBuffer(capacity int) *buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &buffer{capacity: capacity}
}

// add appends a record and immediately enforces capacity.
func (b *buffer) add(r *Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, r)
	b.enforceLocked()
}

// enforce trims the buffer to capacity, evicting the lowest
// (importance, access_count) entries first. Pure in-memory, no I/O.
func (b *buffer) enforce() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enforceLocked()
}

func (b *buffer) enforceLocked() {
	if len(b.entries) <= b.capacity {
		return
	}
	sorted := make([]*Record, len(b.entries))
	copy(sorted, b.entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Importance != sorted[j].Importance {
			return sorted[i].Importance < sorted[j].Importance
		}
		if sorted[i].AccessCount != sorted[j].AccessCount {
			return sorted[i].AccessCount < sorted[j].AccessCount
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	evict := make(map[string]bool, len(b.entries)-b.capacity)
	for _, r := range sorted[:len(b.entries)-b.capacity] {
		evict[r.ID] = true
	}

	kept := b.entries[:0]
	for _, r := range b.entries {
		if !evict[r.ID] {
			kept = append(kept, r)
		}
	}
	b.entries = kept
}

// recent returns up to n entries, newest last, in insertion order.
func (b *buffer) recent(n int) []*Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.entries) {
		n = len(b.entries)
	}
	out := make([]*Record, n)
	copy(out, b.entries[len(b.entries)-n:])
	return out
}

// snapshot returns a copy of all entries.
func (b *buffer) snapshot() []*Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Record, len(b.entries))
	copy(out, b.entries)
	return out
}

// remove drops entries by ID, returning how many were dropped.
func (b *buffer) remove(ids map[string]bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.entries[:0]
	removed := 0
	for _, r := range b.entries {
		if ids[r.ID] {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	b.entries = kept
	return removed
}

// len reports the current buffer size.
func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
