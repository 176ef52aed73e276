package fault

import (
	"errors"

	"github.com/hugo-lorenzo-mato/faultline/internal/ownership"
)

var errPanicOnFree = errors.New("panic on free")

type recoveredPanic struct {
	value any
}

// Recover handles a panic in the calling goroutine. Use it as
//
//	defer c.Recover()
//
// A memory fault (a runtime error carrying a fault address) runs the
// protocol as SIGSEGV; any other panic runs it as SIGABRT.
func (c *Controller) Recover() {
	r := recover()
	if r == nil {
		return
	}
	c.logf("panic: %v", r)
	sig := abortSignal
	if fe, ok := r.(interface{ Addr() uintptr }); ok {
		c.logf("fault address: %#x", fe.Addr())
		sig = segvSignal
	}
	c.recovered.Store(&recoveredPanic{value: r})
	defer c.recovered.Store(nil)
	c.OnFault(sig)
}

// RecoveredPanic returns the panic value Recover is handling. The callback
// uses it to tell a recovered panic from a delivered signal.
func (c *Controller) RecoveredPanic() (any, bool) {
	p := c.recovered.Load()
	if p == nil {
		return nil, false
	}
	return p.value, true
}

// Abort runs the protocol as SIGABRT after logging reason. Setup installs
// it as the ownership abort function.
func (c *Controller) Abort(reason string) {
	c.logf("abort: %s", reason)
	c.OnFault(abortSignal)
}

// PanicOnFree plants a trap under ctx: freeing it runs the protocol with
// the advisory panic signal and the trap refuses to be freed, so it ends
// up under the root context.
func (c *Controller) PanicOnFree(ctx *ownership.Context) *ownership.Context {
	trap := ownership.New(ctx, "panic on free", 1)
	trap.SetDestructor(func() error {
		c.OnFault(panicSignal)
		return errPanicOnFree
	})
	return trap
}
