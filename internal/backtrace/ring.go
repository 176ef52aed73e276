package backtrace

import (
	"sync"
)

// Ring is a fixed-capacity circular buffer of backtrace records. When full,
// inserting overwrites the oldest record. Capacity is always a power of two
// so positions are computed with a mask.
type Ring struct {
	mu      sync.Mutex
	records []*Record
	mask    uint64
	head    uint64 // sequence number of the next insert
}

// NewRing allocates a ring holding at least capacity records, rounded up
// to the next power of two. Non-positive capacities use DefaultCapacity.
func NewRing(capacity int) *Ring {
	size := roundPow2(capacity)
	return &Ring{
		records: make([]*Record, size),
		mask:    size - 1,
	}
}

func roundPow2(n int) uint64 {
	if n <= 0 {
		n = DefaultCapacity
	}
	size := uint64(1)
	for size < uint64(n) {
		size <<= 1
	}
	return size
}

// Insert appends rec, evicting the oldest record when the ring is full.
func (r *Ring) Insert(rec *Record) {
	r.mu.Lock()
	r.records[r.head&r.mask] = rec
	r.head++
	r.mu.Unlock()
}

// Len returns the number of live records.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.lenLocked())
}

func (r *Ring) lenLocked() uint64 {
	if r.head < uint64(len(r.records)) {
		return r.head
	}
	return uint64(len(r.records))
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.records)
}

// Snapshot returns the live records, oldest first.
func (r *Ring) Snapshot() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.lenLocked()
	out := make([]*Record, 0, n)
	for seq := r.head - n; seq != r.head; seq++ {
		out = append(out, r.records[seq&r.mask])
	}
	return out
}

// Latest returns the most recently inserted record for addr.
func (r *Ring) Latest(addr uintptr) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.lenLocked()
	for i := uint64(1); i <= n; i++ {
		rec := r.records[(r.head-i)&r.mask]
		if rec != nil && rec.Addr == addr {
			return rec, true
		}
	}
	return nil, false
}
