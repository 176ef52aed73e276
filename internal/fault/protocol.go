package fault

import (
	"os"
	"runtime"
	"strconv"

	"github.com/hugo-lorenzo-mato/faultline/internal/core"
)

// OnFault runs the panic protocol for sig. Advisory signals return when it
// is done; anything else exits with status 1.
func (c *Controller) OnFault(sig os.Signal) {
	if !c.faultMu.TryLock() {
		c.logf("CAUGHT SIGNAL: %s (fault already being handled)", sig)
		c.finish(sig)
		return
	}
	defer c.faultMu.Unlock()

	c.logf("CAUGHT SIGNAL: %s", sig)
	if c.protocol(sig) {
		c.finish(sig)
	}
}

// protocol returns false when it already exited the process.
func (c *Controller) protocol(sig os.Signal) bool {
	c.mu.Lock()
	action := c.template
	n := c.templateLen
	c.mu.Unlock()

	if err := checkPermissions(action[:n], &c.fileBuf); err != nil {
		core.SetLastError(err)
		c.logf("Refusing to execute panic action: %s", err)
		return true
	}

	if cb := c.callback.Load(); cb != nil {
		if err := (*cb)(sig); err != nil {
			c.logf("Panic callback failed: %s", err)
			return true
		}
	}

	c.printBacktrace()

	if n == 0 {
		c.logf("No panic action set")
		return true
	}

	pid := strconv.AppendInt(c.pidBuf[:0], int64(os.Getpid()), 10)
	m, ok := expandToken(c.cmdBuf[:], action[:n], 'p', pid)
	if !ok {
		core.SetLastError(core.ErrFatal(core.CodePanicActionTooLong, "Panic action too long"))
		c.logf("Panic action too long")
		c.exit(1)
		return false
	}
	command := string(c.cmdBuf[:m])

	c.logf("Calling: %s", command)
	code, ok := c.runAction(command)
	if !ok {
		return false
	}
	c.logf("Panic action exited with %d", code)
	return true
}

// runAction runs command with the process made dumpable for its duration
// so a debugger started by it can attach. It returns false when the
// process had to exit because the flag could not be restored.
func (c *Controller) runAction(command string) (int, bool) {
	restore := false
	dumpable, err := c.policy.DumpableFlag()
	switch {
	case err != nil:
		if !core.IsCategory(err, core.ErrCatUnsupported) {
			c.logf("Failed reading dumpable flag: %s", err)
		}
	case !dumpable:
		if err := c.policy.SetDumpableFlag(true); err != nil {
			c.logf("Failed setting dumpable flag, pattach may not work: %s", err)
		} else if now, _ := c.policy.DumpableFlag(); !now {
			c.logf("Failed setting dumpable flag, pattach may not work: %s", "flag unchanged")
		} else {
			restore = true
		}
		c.logf("Temporarily setting PR_DUMPABLE to 1")
	}

	code, err := c.runner.Run(command)
	if err != nil {
		c.logf("Panic action failed: %s", err)
	}

	if restore {
		c.logf("Resetting PR_DUMPABLE to 0")
		if err := c.policy.SetDumpableFlag(false); err != nil {
			core.SetLastError(core.ErrFatal(core.CodeInsecureExit, "failed resetting dumpable flag").WithCause(err))
			c.logf("Failed resetting dumpable flag to off: %s", err)
			c.logf("Exiting due to insecure process state")
			c.exit(1)
			return code, false
		}
	}
	return code, true
}

func (c *Controller) finish(sig os.Signal) {
	if isAdvisory(sig) {
		return
	}
	c.exit(1)
}

// printBacktrace prints the current goroutine's frames followed by every
// goroutine. With a log descriptor the frames are written as raw program
// counters and the runtime formats the goroutine dump into a preallocated
// buffer, so nothing is symbolized on the heap.
func (c *Controller) printBacktrace() {
	count := runtime.Callers(3, c.pcs[:])
	c.logf("Backtrace of last %d frames:", count)

	if fd := int(c.logFD.Load()); fd >= 0 {
		for i, pc := range c.pcs[:count] {
			line := append(c.lineBuf[:0], '#')
			line = strconv.AppendInt(line, int64(i), 10)
			line = append(line, "  0x"...)
			line = strconv.AppendUint(line, uint64(pc), 16)
			line = append(line, '\n')
			rawWrite(fd, line)
		}
		n := runtime.Stack(c.stackBuf, true)
		rawWrite(fd, c.stackBuf[:n])
		return
	}

	frames := runtime.CallersFrames(c.pcs[:count])
	for i := 0; ; i++ {
		frame, more := frames.Next()
		if frame.PC != 0 {
			c.logf("#%d  %s\n\t%s:%d", i, frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	n := runtime.Stack(c.stackBuf, true)
	c.logf("%s", c.stackBuf[:n])
}

// MemoryReport writes a report of every live ownership context to the log
// descriptor. Failures are logged and recorded, never escalated.
func (c *Controller) MemoryReport(sig os.Signal) {
	c.logf("CAUGHT SIGNAL: %s", sig)
	fd := int(c.logFD.Load())
	if fd < 0 {
		fd = 2
	}
	if err := c.reporter.Generate(fd, nil); err != nil {
		core.SetLastError(err)
		c.logf("memreport: %s", err)
	}
}
