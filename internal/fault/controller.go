package fault

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/hugo-lorenzo-mato/faultline/internal/backtrace"
	"github.com/hugo-lorenzo-mato/faultline/internal/core"
	"github.com/hugo-lorenzo-mato/faultline/internal/memreport"
	"github.com/hugo-lorenzo-mato/faultline/internal/ownership"
	"github.com/hugo-lorenzo-mato/faultline/internal/procpolicy"
)

// Callback runs before the stack is printed. A non-nil error skips the
// rest of the protocol.
type Callback func(sig os.Signal) error

// LogFunc is a printf-style sink for fault output. The format carries no
// trailing newline.
type LogFunc func(format string, args ...any)

// AttachPolicy reads and changes whether debuggers may attach.
type AttachPolicy interface {
	DumpableFlag() (bool, error)
	SetDumpableFlag(dumpable bool) error
}

// ActionRunner runs the compiled panic action and returns its exit code.
type ActionRunner interface {
	Run(command string) (int, error)
}

// Reporter writes a memory report for ctx, or for everything when ctx is
// nil, to fd.
type Reporter interface {
	Generate(fd int, ctx *ownership.Context) error
}

const stackBufSize = 1 << 20

// Controller owns the panic configuration and the signal goroutine.
type Controller struct {
	logger       *slog.Logger
	policy       AttachPolicy
	runner       ActionRunner
	reporter     Reporter
	exit         func(code int)
	crashOutput  bool
	panicOnFault bool

	callback  atomic.Pointer[Callback]
	logFn     atomic.Pointer[LogFunc]
	logFD     atomic.Int64
	recovered atomic.Pointer[recoveredPanic]

	// mu guards the configuration written by Setup and Close.
	mu          sync.Mutex
	template    [PanicActionSize]byte
	templateLen int
	program     string
	permErr     error
	installed   bool
	sigCh       chan os.Signal
	done        chan struct{}
	exitHooks   []func()

	// faultMu serializes the protocol and owns the scratch space below,
	// which is allocated up front so the fault path does not allocate for
	// command composition or descriptor output.
	faultMu  sync.Mutex
	cmdBuf   [PanicActionSize + pidSlack]byte
	pidBuf   [pidSlack]byte
	fileBuf  [filenameSize]byte
	pcs      [backtrace.MaxFrames]uintptr
	lineBuf  [64]byte
	stackBuf []byte
}

// New creates a controller. Nothing is installed until Setup.
func New(opts ...Option) *Controller {
	c := &Controller{
		logger:   slog.Default(),
		policy:   procpolicy.New(),
		runner:   ShellRunner{},
		reporter: &memreport.Reporter{},
		exit:     os.Exit,
		stackBuf: make([]byte, stackBufSize),
	}
	c.logFD.Store(2)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Setup compiles command, replacing %e with program, checks that its
// executable is not world writable, and on the first successful call
// installs the signal handlers and allocator hooks. Later calls only
// replace the panic action. An empty command clears it.
//
// A compiled action that does not fit leaves the previous action in place.
// An action that fails the permission check replaces the previous one but
// will be refused when a fault arrives.
func (c *Controller) Setup(command, program string) error {
	if !signalsSupported {
		return core.SetLastError(core.ErrUnsupported(core.CodeSignalsUnsupported,
			fmt.Sprintf("fault signals are not available on %s", runtime.GOOS)))
	}

	var compiled [PanicActionSize]byte
	n, ok := expandToken(compiled[:], []byte(command), 'e', []byte(program))
	if !ok {
		return core.SetLastError(core.ErrConfig(core.CodePanicActionTooLong, "Panic action too long").
			WithDetail("max", PanicActionSize-1))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.template = compiled
	c.templateLen = n
	c.program = program
	var scratch [filenameSize]byte
	c.permErr = checkPermissions(compiled[:n], &scratch)
	if c.permErr != nil {
		return core.SetLastError(c.permErr)
	}

	if c.installed {
		c.logger.Debug("panic action replaced", "program", program, "panic_action", string(compiled[:n]))
		return nil
	}
	if err := c.installLocked(); err != nil {
		return core.SetLastError(err)
	}
	c.installed = true
	c.logger.Info("fault handlers installed",
		"program", program,
		"panic_action", string(compiled[:n]),
		"log_fd", c.logFD.Load())
	return nil
}

func (c *Controller) installLocked() error {
	if c.crashOutput {
		if err := c.redirectCrashOutput(); err != nil {
			return err
		}
		debug.SetTraceback("crash")
	}
	if c.panicOnFault {
		// Only affects the goroutine calling Setup.
		debug.SetPanicOnFault(true)
	}

	ownership.SetAbortFunc(c.Abort)
	ownership.SetLogFunc(func(msg string) { c.logf("%s", msg) })
	ownership.EnableRootTracking()
	c.exitHooks = append(c.exitHooks,
		ownership.DisableRootTracking,
		func() { ownership.SetAbortFunc(nil) },
		func() { ownership.SetLogFunc(nil) },
	)

	c.sigCh = make(chan os.Signal, 8)
	c.done = make(chan struct{})
	signal.Notify(c.sigCh, handledSignals...)
	go c.loop(c.sigCh, c.done)
	return nil
}

func (c *Controller) redirectCrashOutput() error {
	fd := c.logFD.Load()
	if fd < 0 {
		fd = 2
	}
	f, err := crashOutputFile(int(fd))
	if err != nil {
		return core.ErrSyscall(core.CodeLogDup, "redirecting runtime crash output", err)
	}
	// SetCrashOutput keeps its own duplicate.
	defer f.Close()
	if err := debug.SetCrashOutput(f, debug.CrashOptions{}); err != nil {
		return core.ErrSyscall(core.CodeLogDup, "redirecting runtime crash output", err)
	}
	return nil
}

func (c *Controller) loop(ch <-chan os.Signal, done <-chan struct{}) {
	for {
		select {
		case sig := <-ch:
			if isReportSignal(sig) {
				c.MemoryReport(sig)
				continue
			}
			c.OnFault(sig)
		case <-done:
			return
		}
	}
}

// Close stops signal delivery and runs the exit hooks registered by Setup.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.installed {
		return nil
	}
	signal.Stop(c.sigCh)
	close(c.done)
	for i := len(c.exitHooks) - 1; i >= 0; i-- {
		c.exitHooks[i]()
	}
	c.exitHooks = nil
	if c.crashOutput {
		_ = debug.SetCrashOutput(nil, debug.CrashOptions{})
	}
	c.installed = false
	c.logger.Debug("fault handlers removed")
	return nil
}

// Installed reports whether Setup has installed the handlers.
func (c *Controller) Installed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installed
}

// PanicAction returns the compiled panic action, with %p still in place.
func (c *Controller) PanicAction() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.template[:c.templateLen])
}

// PermissionCheck returns the result of the last Setup's permission check.
func (c *Controller) PermissionCheck() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permErr
}

// SetCallback sets the pre-panic callback. Nil removes it.
func (c *Controller) SetCallback(cb Callback) {
	if cb == nil {
		c.callback.Store(nil)
		return
	}
	c.callback.Store(&cb)
}

// SetLogFunc replaces the fault output sink. Nil restores the default,
// which writes to the log descriptor.
func (c *Controller) SetLogFunc(fn LogFunc) {
	if fn == nil {
		c.logFn.Store(nil)
		return
	}
	c.logFn.Store(&fn)
}

// SetLogFD sets the descriptor used for raw stack output, memory reports
// and the default sink. A negative fd routes stacks through the sink.
func (c *Controller) SetLogFD(fd int) {
	c.logFD.Store(int64(fd))
}

// LogFD returns the log descriptor.
func (c *Controller) LogFD() int {
	return int(c.logFD.Load())
}

func (c *Controller) logf(format string, args ...any) {
	if fn := c.logFn.Load(); fn != nil {
		(*fn)(format, args...)
		return
	}
	fd := c.logFD.Load()
	if fd < 0 {
		fd = 2
	}
	rawWrite(int(fd), fmt.Appendf(nil, format+"\n", args...))
}
