// Package debugprobe detects whether an interactive debugger is attached so
// that breakpoints can be raised only when someone is there to catch them.
package debugprobe

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// State is the result of probing for a debugger.
type State int32

const (
	Unknown State = iota
	Absent
	Present
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Present:
		return "present"
	default:
		return "unknown"
	}
}

// DefaultTimeout bounds how long the first Break waits for its own trap.
const DefaultTimeout = 250 * time.Millisecond

// Probe remembers the outcome of the first Break.
type Probe struct {
	Timeout time.Duration

	state atomic.Int32
	mu    sync.Mutex

	raise  func() error
	tracer func() (bool, error)
}

// New returns a probe for the running process.
func New() *Probe {
	return &Probe{
		Timeout: DefaultTimeout,
		raise:   raiseTrap,
		tracer:  TracerAttached,
	}
}

// State returns the probed state.
func (p *Probe) State() State {
	return State(p.state.Load())
}

// IsPresent reports whether a debugger was detected.
func (p *Probe) IsPresent() bool {
	return p.State() == Present
}

// Break stops in the debugger when one is attached and does nothing
// otherwise. The first call probes by raising SIGTRAP on the process: if
// the trap reaches our own subscriber nobody intercepted it. When it does
// not arrive in time, the kernel's tracer pid decides.
func (p *Probe) Break() {
	switch p.State() {
	case Present:
		_ = p.raise()
		return
	case Absent:
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() != Unknown {
		return
	}
	p.state.Store(int32(p.probe()))
}

func (p *Probe) probe() State {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTRAP)

	if err := p.raise(); err != nil {
		signal.Stop(ch)
		return p.fromTracer()
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	select {
	case <-ch:
		signal.Stop(ch)
		return Absent
	case <-time.After(timeout):
		// The subscription stays so a late trap lands in ch instead of
		// killing the process.
		return p.fromTracer()
	}
}

func (p *Probe) fromTracer() State {
	attached, err := p.tracer()
	if err != nil {
		return Absent
	}
	if attached {
		return Present
	}
	return Absent
}
