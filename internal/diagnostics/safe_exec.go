package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// PreflightResult contains the result of pre-execution checks.
type PreflightResult struct {
	OK       bool
	Warnings []string
	Errors   []string
	Snapshot ResourceSnapshot
}

// SafeExecutor wraps command execution with resource safety checks.
type SafeExecutor struct {
	monitor          *ResourceMonitor
	dumpWriter       *CrashDumpWriter
	logger           *slog.Logger
	preflightEnabled bool
	minFreeFDPercent int
	shell            string
	stdin            io.Reader
	stdout           io.Writer
	stderr           io.Writer
}

// NewSafeExecutor creates a safe executor. Commands share the process's
// standard streams.
func NewSafeExecutor(
	monitor *ResourceMonitor,
	dumpWriter *CrashDumpWriter,
	logger *slog.Logger,
	preflightEnabled bool,
	minFreeFDPercent int,
) *SafeExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SafeExecutor{
		monitor:          monitor,
		dumpWriter:       dumpWriter,
		logger:           logger,
		preflightEnabled: preflightEnabled,
		minFreeFDPercent: minFreeFDPercent,
		shell:            "/bin/sh",
		stdin:            os.Stdin,
		stdout:           os.Stdout,
		stderr:           os.Stderr,
	}
}

// WithStreams replaces the standard streams given to commands.
func (e *SafeExecutor) WithStreams(stdin io.Reader, stdout, stderr io.Writer) *SafeExecutor {
	e.stdin, e.stdout, e.stderr = stdin, stdout, stderr
	return e
}

// RunPreflight performs pre-execution health checks.
func (e *SafeExecutor) RunPreflight() PreflightResult {
	result := PreflightResult{OK: true}

	if !e.preflightEnabled || e.monitor == nil {
		return result
	}

	result.Snapshot = e.monitor.TakeSnapshot()

	freeFDPercent := 100.0 - result.Snapshot.FDUsagePercent
	if e.minFreeFDPercent > 0 && freeFDPercent < float64(e.minFreeFDPercent) {
		result.OK = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("insufficient free FDs: %.1f%% free (minimum: %d%%)",
				freeFDPercent, e.minFreeFDPercent))
	} else if e.minFreeFDPercent > 0 && freeFDPercent < float64(e.minFreeFDPercent)*1.5 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("FD usage approaching limit: %.1f%% free", freeFDPercent))
	}

	if trend := e.monitor.GetTrend(); !trend.IsHealthy {
		result.Warnings = append(result.Warnings, trend.Warnings...)
	}

	return result
}

// Run runs command with the shell and waits for it, returning its exit
// status. A command killed by a signal reports -1. It satisfies the fault
// controller's action runner: preflight problems are logged but never stop
// the command, since it is the last chance to inspect the process.
func (e *SafeExecutor) Run(command string) (int, error) {
	pre := e.RunPreflight()
	for _, msg := range pre.Errors {
		e.logger.Error("preflight", "error", msg)
	}
	for _, msg := range pre.Warnings {
		e.logger.Warn("preflight", "warning", msg)
	}

	if e.monitor != nil {
		e.monitor.IncrementCommandCount()
		defer e.monitor.DecrementActiveCommands()
	}

	cmd := exec.Command(e.shell, "-c", command)
	cmd.Stdin = e.stdin
	cmd.Stdout = e.stdout
	cmd.Stderr = e.stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// stderrTailSize bounds the stderr kept for a child's crash dump.
const stderrTailSize = 64 << 10

// Supervise runs path with args, copying its stderr through while keeping
// the tail, and writes a crash dump when the child is killed by a signal.
// Cancelling ctx kills the child.
func (e *SafeExecutor) Supervise(ctx context.Context, path string, args ...string) (*ChildExit, string, error) {
	pre := e.RunPreflight()
	if !pre.OK {
		return nil, "", fmt.Errorf("preflight failed: %v", pre.Errors)
	}
	for _, msg := range pre.Warnings {
		e.logger.Warn("preflight", "warning", msg)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = e.stdin
	cmd.Stdout = e.stdout

	stderr, cleanup, err := e.PrepareStderrOnly(cmd)
	if err != nil {
		return nil, "", err
	}
	defer cleanup()

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("starting %s: %w", path, err)
	}

	tail := &tailBuffer{max: stderrTailSize}
	_, _ = io.Copy(io.MultiWriter(e.stderr, tail), stderr)
	waitErr := cmd.Wait()

	exit := &ChildExit{
		Path:       path,
		Args:       args,
		Duration:   time.Since(started),
		StderrTail: tail.String(),
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, "", fmt.Errorf("waiting for %s: %w", path, waitErr)
		}
	}
	exit.ExitCode = cmd.ProcessState.ExitCode()
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		exit.Signal = ws.Signal().String()
		exit.SignalNumber = int(ws.Signal())
	}

	if !exit.Abnormal() || e.dumpWriter == nil {
		return exit, "", nil
	}
	dumpPath, err := e.dumpWriter.WriteChildDump(exit)
	if err != nil {
		e.logger.Error("failed to write crash dump", "error", err)
		return exit, "", nil
	}
	return exit, dumpPath, nil
}

// PipeSet holds stdout and stderr pipes with their cleanup function.
type PipeSet struct {
	Stdout  io.ReadCloser
	Stderr  io.ReadCloser
	cleanup func()
	cleaned bool
}

// Cleanup closes the pipes and decrements active command count.
// Safe to call multiple times.
func (p *PipeSet) Cleanup() {
	if p.cleaned {
		return
	}
	p.cleaned = true
	if p.cleanup != nil {
		p.cleanup()
	}
}

// PrepareCommand sets up a command with safe pipe handling.
// Returns a PipeSet with a Cleanup function that MUST be called even if Start() fails.
//
// Usage:
//
//	pipes, err := executor.PrepareCommand(cmd)
//	if err != nil {
//	    return err
//	}
//	defer pipes.Cleanup() // Called even if Start() fails
//
//	if err := cmd.Start(); err != nil {
//	    return err // pipes.Cleanup() still runs
//	}
func (e *SafeExecutor) PrepareCommand(cmd *exec.Cmd) (*PipeSet, error) {
	if e.monitor != nil {
		e.monitor.IncrementCommandCount()
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		if e.monitor != nil {
			e.monitor.DecrementActiveCommands()
		}
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		_ = stdoutPipe.Close()
		if e.monitor != nil {
			e.monitor.DecrementActiveCommands()
		}
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	pipes := &PipeSet{
		Stdout: stdoutPipe,
		Stderr: stderrPipe,
	}
	pipes.cleanup = func() {
		// After Start and Wait the exec package has closed these already.
		_ = stdoutPipe.Close()
		_ = stderrPipe.Close()
		if e.monitor != nil {
			e.monitor.DecrementActiveCommands()
		}
	}
	return pipes, nil
}

// PrepareStderrOnly sets up a command with only stderr pipe.
// Returns the stderr pipe and a cleanup function that MUST be called even if Start() fails.
func (e *SafeExecutor) PrepareStderrOnly(cmd *exec.Cmd) (io.ReadCloser, func(), error) {
	if e.monitor != nil {
		e.monitor.IncrementCommandCount()
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		if e.monitor != nil {
			e.monitor.DecrementActiveCommands()
		}
		return nil, nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			_ = stderrPipe.Close()
			if e.monitor != nil {
				e.monitor.DecrementActiveCommands()
			}
		})
	}
	return stderrPipe, cleanup, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return n, nil
	}
	if over := len(t.buf) + len(p) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
