package backtrace

import (
	"sync"
	"sync/atomic"
)

// Handle owns a lazily allocated ring. The zero value is ready to use and
// is normally declared as a package-level variable next to the type it
// tracks. A Handle must not be copied after first use.
type Handle struct {
	// Capacity is the number of records to keep. Zero means
	// DefaultCapacity. Only read when the ring is allocated.
	Capacity int

	ready atomic.Bool
	mu    sync.Mutex
	ring  *Ring
}

// resolve returns the handle's ring, allocating it on first use. The ring
// is allocated at most once even under concurrent callers.
func (h *Handle) resolve() *Ring {
	if h.ready.Load() {
		return h.ring
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ring == nil {
		h.ring = NewRing(h.Capacity)
		h.ready.Store(true)
	}
	return h.ring
}

// Ring returns the ring, or nil if nothing has been attached yet.
func (h *Handle) Ring() *Ring {
	if !h.ready.Load() {
		return nil
	}
	return h.ring
}

// Len returns the number of stored records.
func (h *Handle) Len() int {
	if r := h.Ring(); r != nil {
		return r.Len()
	}
	return 0
}

// Lookup returns the most recent record for addr.
func (h *Handle) Lookup(addr uintptr) (*Record, bool) {
	r := h.Ring()
	if r == nil {
		return nil, false
	}
	return r.Latest(addr)
}

// Records returns every stored record, oldest first.
func (h *Handle) Records() []*Record {
	r := h.Ring()
	if r == nil {
		return nil
	}
	return r.Snapshot()
}
