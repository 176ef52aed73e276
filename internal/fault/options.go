package fault

import "log/slog"

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the structured logger used outside the fault path.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLogFunc sets the fault output sink.
func WithLogFunc(fn LogFunc) Option {
	return func(c *Controller) { c.SetLogFunc(fn) }
}

// WithLogFD sets the log descriptor. The default is 2.
func WithLogFD(fd int) Option {
	return func(c *Controller) { c.SetLogFD(fd) }
}

// WithPolicy replaces the debugger-attach policy.
func WithPolicy(p AttachPolicy) Option {
	return func(c *Controller) {
		if p != nil {
			c.policy = p
		}
	}
}

// WithRunner replaces the panic action runner.
func WithRunner(r ActionRunner) Option {
	return func(c *Controller) {
		if r != nil {
			c.runner = r
		}
	}
}

// WithReporter replaces the memory reporter used on SIGUSR2.
func WithReporter(r Reporter) Option {
	return func(c *Controller) {
		if r != nil {
			c.reporter = r
		}
	}
}

// WithExitFunc replaces os.Exit.
func WithExitFunc(fn func(code int)) Option {
	return func(c *Controller) {
		if fn != nil {
			c.exit = fn
		}
	}
}

// WithCallback sets the pre-panic callback.
func WithCallback(cb Callback) Option {
	return func(c *Controller) { c.SetCallback(cb) }
}

// WithCrashOutput sends the runtime's own fatal error output to the log
// descriptor and asks it to crash with every goroutine's stack.
func WithCrashOutput(enabled bool) Option {
	return func(c *Controller) { c.crashOutput = enabled }
}

// WithPanicOnFault turns unexpected memory faults in the goroutine calling
// Setup into panics that Recover can handle.
func WithPanicOnFault(enabled bool) Option {
	return func(c *Controller) { c.panicOnFault = enabled }
}
