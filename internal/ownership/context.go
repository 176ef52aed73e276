// Package ownership implements hierarchical ownership contexts: every
// context has at most one parent, freeing a context frees everything it
// owns, and any context may carry a destructor that runs before it is
// released. The fault subsystem uses destructors to capture allocation-site
// backtraces and the tree itself to produce memory reports.
package ownership

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrDoubleFree is returned when a context is freed twice.
	ErrDoubleFree = errors.New("context already freed")
	// ErrNilContext is returned when a nil context is freed.
	ErrNilContext = errors.New("nil context")
)

// Context is a node in the ownership tree.
type Context struct {
	name       string
	size       int
	value      any
	parent     *Context
	children   []*Context
	destructor func() error
	freed      bool
}

var (
	// treeMu guards parent/children links and the freed flag of every
	// context. Destructors always run with it released.
	treeMu sync.Mutex

	root     = &Context{name: "null_context"}
	tracking atomic.Bool

	hooksMu sync.RWMutex
	abortFn = func(reason string) { panic("ownership: " + reason) }
	logFn   = func(string) {}
)

// Root returns the implicit top-level context that parentless contexts
// hang from while root tracking is enabled.
func Root() *Context {
	return root
}

// EnableRootTracking makes new parentless contexts children of Root so
// that a full report can reach them.
func EnableRootTracking() {
	tracking.Store(true)
}

// DisableRootTracking stops attaching new parentless contexts to Root and
// detaches the ones already there. Called at shutdown so that contexts
// still alive are not reported as leaks.
func DisableRootTracking() {
	tracking.Store(false)
	treeMu.Lock()
	for _, child := range root.children {
		child.parent = nil
	}
	root.children = nil
	treeMu.Unlock()
}

// RootTracking reports whether root tracking is enabled.
func RootTracking() bool {
	return tracking.Load()
}

// SetAbortFunc replaces the function called on unrecoverable misuse such as
// a failed type check or a double free. Nil restores the default, which
// panics.
func SetAbortFunc(fn func(reason string)) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if fn == nil {
		fn = func(reason string) { panic("ownership: " + reason) }
	}
	abortFn = fn
}

// SetLogFunc replaces the sink for allocator diagnostics. Nil discards them.
func SetLogFunc(fn func(msg string)) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if fn == nil {
		fn = func(string) {}
	}
	logFn = fn
}

func abort(reason string) {
	hooksMu.RLock()
	fn := abortFn
	hooksMu.RUnlock()
	fn(reason)
}

func logf(format string, args ...any) {
	hooksMu.RLock()
	fn := logFn
	hooksMu.RUnlock()
	fn(fmt.Sprintf(format, args...))
}

// New creates a named context of the given nominal size owned by parent.
// A nil parent creates a top-level context.
func New(parent *Context, name string, size int) *Context {
	c := &Context{name: name, size: size}

	treeMu.Lock()
	defer treeMu.Unlock()
	if parent == nil && tracking.Load() {
		parent = root
	}
	if parent != nil {
		if parent.freed {
			logf("allocating %q under freed context %q", name, parent.name)
		}
		c.parent = parent
		parent.children = append(parent.children, c)
	}
	return c
}

// Alloc creates a context holding v, named after v's dynamic type so that
// Value and MustValue can check it later.
func Alloc[T any](parent *Context, v T) *Context {
	c := New(parent, typeName[T](), int(unsafe.Sizeof(v)))
	c.value = v
	return c
}

// Value returns the value stored by Alloc if it has type T.
func Value[T any](c *Context) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	treeMu.Lock()
	v, name := c.value, c.name
	treeMu.Unlock()
	if name != typeName[T]() {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// MustValue is Value that aborts through the abort function on a type
// mismatch.
func MustValue[T any](c *Context) T {
	v, ok := Value[T](c)
	if !ok {
		got := "<nil>"
		if c != nil {
			got = c.Name()
		}
		abort(fmt.Sprintf("type mismatch: expected %q, got %q", typeName[T](), got))
	}
	return v
}

func typeName[T any]() string {
	var p *T
	return fmt.Sprintf("%T", p)[1:]
}

// Name returns the context name.
func (c *Context) Name() string {
	treeMu.Lock()
	defer treeMu.Unlock()
	return c.name
}

// Addr returns the identity of the context. It is only meant to be
// compared and printed, never converted back into a pointer.
func (c *Context) Addr() uintptr {
	return uintptr(unsafe.Pointer(c))
}

// Parent returns the owning context, nil for a top-level context.
func (c *Context) Parent() *Context {
	treeMu.Lock()
	defer treeMu.Unlock()
	return c.parent
}

// Children returns a snapshot of the directly owned contexts.
func (c *Context) Children() []*Context {
	treeMu.Lock()
	defer treeMu.Unlock()
	out := make([]*Context, len(c.children))
	copy(out, c.children)
	return out
}

// Freed reports whether Free completed on this context.
func (c *Context) Freed() bool {
	treeMu.Lock()
	defer treeMu.Unlock()
	return c.freed
}

// SetDestructor registers fn to run when the context is freed. A non-nil
// error from fn vetoes the free of this context.
func (c *Context) SetDestructor(fn func() error) {
	treeMu.Lock()
	defer treeMu.Unlock()
	c.destructor = fn
}

// Free runs the destructor, then frees every owned context (newest first)
// and detaches c from its parent. Children whose own destructor vetoes the
// free are moved to the root context and their errors are returned.
func (c *Context) Free() error {
	if c == nil {
		return ErrNilContext
	}
	if c == root {
		return fmt.Errorf("cannot free %s", root.name)
	}

	treeMu.Lock()
	if c.freed {
		name := c.name
		treeMu.Unlock()
		logf("double free of %q (%#x)", name, c.Addr())
		abort(fmt.Sprintf("double free of %q", name))
		return ErrDoubleFree
	}
	destructor := c.destructor
	treeMu.Unlock()

	if destructor != nil {
		if err := destructor(); err != nil {
			return fmt.Errorf("destructor for %q: %w", c.Name(), err)
		}
	}

	treeMu.Lock()
	children := c.children
	c.children = nil
	c.destructor = nil
	c.freed = true
	c.detachLocked()
	treeMu.Unlock()

	var errs []error
	for i := len(children) - 1; i >= 0; i-- {
		child := children[i]
		treeMu.Lock()
		child.parent = nil
		treeMu.Unlock()
		if err := child.Free(); err != nil {
			errs = append(errs, err)
			treeMu.Lock()
			if !child.freed {
				child.parent = root
				root.children = append(root.children, child)
			}
			treeMu.Unlock()
		}
	}
	return errors.Join(errs...)
}

func (c *Context) detachLocked() {
	p := c.parent
	if p == nil {
		return
	}
	for i, sibling := range p.children {
		if sibling == c {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	c.parent = nil
}

// TotalSize returns the nominal size of c and everything it owns, and the
// number of contexts counted.
func (c *Context) TotalSize() (bytes, blocks int) {
	treeMu.Lock()
	defer treeMu.Unlock()
	return c.totalLocked()
}

func (c *Context) totalLocked() (bytes, blocks int) {
	bytes, blocks = c.size, 1
	for _, child := range c.children {
		b, n := child.totalLocked()
		bytes += b
		blocks += n
	}
	return bytes, blocks
}
