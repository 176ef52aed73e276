//go:build !nobacktrace

package backtrace

import (
	"fmt"
	"io"

	"github.com/hugo-lorenzo-mato/faultline/internal/ownership"
)

// Supported reports whether this build captures backtraces.
const Supported = true

// Marker ties a tracked object to the ring its release stack goes into.
// It lives as a child of the object, so it is freed together with it.
type Marker struct {
	addr uintptr
	ring *Ring
	ctx  *ownership.Context
}

// Addr returns the identity of the tracked object.
func (m *Marker) Addr() uintptr {
	return m.addr
}

// Attach creates a marker under obj. When obj is freed the marker captures
// the releasing stack into h's ring, allocating the ring on first use.
func Attach(h *Handle, obj *ownership.Context) (*Marker, error) {
	if h == nil || obj == nil {
		return nil, fmt.Errorf("attaching backtrace marker: nil handle or object")
	}
	if obj.Freed() {
		return nil, fmt.Errorf("attaching backtrace marker: object %#x already freed", obj.Addr())
	}

	m := &Marker{
		addr: obj.Addr(),
		ring: h.resolve(),
	}
	m.ctx = ownership.New(obj, "backtrace marker", 0)
	m.ctx.SetDestructor(m.capture)
	return m, nil
}

func (m *Marker) capture() error {
	if m.addr == 0 || m.ring == nil {
		return fmt.Errorf("backtrace marker not bound")
	}
	// Skip capture, the destructor call and Free so the record starts at
	// the code that released the object.
	m.ring.Insert(Capture(2, m.addr))
	return nil
}

// Print writes the stored stacks to w. With addr set, only the most recent
// record for that object is printed; with addr zero every record is
// printed oldest first. It returns the number of records printed.
func (h *Handle) Print(w io.Writer, addr uintptr) int {
	if addr != 0 {
		rec, ok := h.Lookup(addr)
		if !ok {
			fmt.Fprintf(w, "No backtrace available for %#x\n", addr)
			return 0
		}
		printRecord(w, rec)
		return 1
	}

	records := h.Records()
	if len(records) == 0 {
		fmt.Fprintf(w, "No backtrace available for %#x\n", addr)
		return 0
	}
	for _, rec := range records {
		printRecord(w, rec)
	}
	return len(records)
}

func printRecord(w io.Writer, rec *Record) {
	fmt.Fprintf(w, "Stacktrace for: %#x (%d frames, %s)\n",
		rec.Addr, rec.Count, rec.At.Format("2006-01-02T15:04:05.000Z07:00"))
	_ = WriteFrames(w, rec)
}
