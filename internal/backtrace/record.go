package backtrace

import (
	"fmt"
	"io"
	"runtime"
	"time"
)

// Record is the stack captured when a tracked object was released.
type Record struct {
	Addr  uintptr
	PCs   [MaxFrames]uintptr
	Count int
	At    time.Time
}

// Frames returns the captured program counters.
func (r *Record) Frames() []uintptr {
	return r.PCs[:r.Count]
}

// Capture records the calling goroutine's stack for addr. skip is the
// number of frames above Capture's caller to leave out.
func Capture(skip int, addr uintptr) *Record {
	rec := &Record{Addr: addr, At: time.Now()}
	// +2 skips runtime.Callers and Capture itself.
	rec.Count = runtime.Callers(skip+2, rec.PCs[:])
	return rec
}

// WriteFrames symbolizes the record's frames into w. Symbolization
// allocates, so this is only used outside the fault path.
func WriteFrames(w io.Writer, rec *Record) error {
	frames := runtime.CallersFrames(rec.Frames())
	for {
		frame, more := frames.Next()
		if frame.PC != 0 {
			if _, err := fmt.Fprintf(w, "%s\n\t%s:%d +%#x\n",
				frame.Function, frame.File, frame.Line, frame.PC-frame.Entry); err != nil {
				return err
			}
		}
		if !more {
			return nil
		}
	}
}
