package logging

import (
	"fmt"
	"io"
	"sync"
)

// FaultSink returns a printf-style sink for fault output. Each call writes
// one line to w, passed through s when s is not nil. It matches the
// signature of fault.LogFunc.
func FaultSink(w io.Writer, s *Sanitizer) func(format string, args ...any) {
	var mu sync.Mutex
	return func(format string, args ...any) {
		line := fmt.Sprintf(format, args...)
		if s != nil {
			line = s.Sanitize(line)
		}
		mu.Lock()
		defer mu.Unlock()
		_, _ = io.WriteString(w, line+"\n")
	}
}

