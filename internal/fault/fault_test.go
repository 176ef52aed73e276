package fault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/faultline/internal/core"
	"github.com/hugo-lorenzo-mato/faultline/internal/ownership"
)

type logRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *logRecorder) logf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func (r *logRecorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "\n")
}

// indexOf returns the index of the first line starting with prefix.
func (r *logRecorder) indexOf(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.lines {
		if strings.HasPrefix(l, prefix) {
			return i
		}
	}
	return -1
}

type fakePolicy struct {
	dumpable bool
	getErr   error
	raiseErr error
	resetErr error
	sets     []bool
}

func (p *fakePolicy) DumpableFlag() (bool, error) {
	if p.getErr != nil {
		return false, p.getErr
	}
	return p.dumpable, nil
}

func (p *fakePolicy) SetDumpableFlag(d bool) error {
	p.sets = append(p.sets, d)
	if d && p.raiseErr != nil {
		return p.raiseErr
	}
	if !d && p.resetErr != nil {
		return p.resetErr
	}
	p.dumpable = d
	return nil
}

type fakeRunner struct {
	commands []string
	code     int
}

func (r *fakeRunner) Run(command string) (int, error) {
	r.commands = append(r.commands, command)
	return r.code, nil
}

type exitRecorder struct {
	codes []int
}

func (e *exitRecorder) exit(code int) {
	e.codes = append(e.codes, code)
}

type fixture struct {
	c      *Controller
	log    *logRecorder
	policy *fakePolicy
	runner *fakeRunner
	exits  *exitRecorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		log:    &logRecorder{},
		policy: &fakePolicy{dumpable: true},
		runner: &fakeRunner{},
		exits:  &exitRecorder{},
	}
	base := []Option{
		WithLogFunc(f.log.logf),
		WithLogFD(-1),
		WithPolicy(f.policy),
		WithRunner(f.runner),
		WithExitFunc(f.exits.exit),
	}
	f.c = New(append(base, opts...)...)
	t.Cleanup(func() { _ = f.c.Close() })
	return f
}

func requireSignals(t *testing.T) {
	t.Helper()
	if !signalsSupported {
		t.Skip("fault signals not available on this platform")
	}
}

func TestExpandToken(t *testing.T) {
	tests := []struct {
		name string
		src  string
		verb byte
		val  string
		want string
	}{
		{"no token", "gdb --batch", 'p', "42", "gdb --batch"},
		{"single", "gdb -p %p", 'p', "42", "gdb -p 42"},
		{"repeated", "%p:%p", 'p', "7", "7:7"},
		{"unknown token passes", "run %x %p", 'p', "1", "run %x 1"},
		{"trailing percent", "cmd %", 'p', "1", "cmd %"},
		{"program", "/usr/bin/%e-debug", 'e', "myserver", "/usr/bin/myserver-debug"},
		{"empty value", "a%eb", 'e', "", "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst [PanicActionSize]byte
			n, ok := expandToken(dst[:], []byte(tt.src), tt.verb, []byte(tt.val))
			require.True(t, ok)
			assert.Equal(t, tt.want, string(dst[:n]))
		})
	}
}

func TestExpandToken_NeverWritesPastBuffer(t *testing.T) {
	var backing [32]byte
	for i := range backing {
		backing[i] = 0xAA
	}
	dst := backing[:8]

	_, ok := expandToken(dst, []byte("%p%p%p"), 'p', []byte("12345"))
	assert.False(t, ok)
	_, ok = expandToken(dst, []byte("abcdefgh"), 'p', nil)
	assert.False(t, ok, "a result must leave one spare byte")
	n, ok := expandToken(dst, []byte("abcdefg"), 'p', nil)
	assert.True(t, ok)
	assert.Equal(t, 7, n)

	for i := 8; i < len(backing); i++ {
		assert.Equal(t, byte(0xAA), backing[i], "byte %d overwritten", i)
	}
}

func TestCheckPermissions(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "panic.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755))
	var scratch [filenameSize]byte

	require.NoError(t, os.Chmod(script, 0o777))
	err := checkPermissions([]byte(script+" --batch"), &scratch)
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatPermission))
	assert.Contains(t, err.Error(), "globally writable")

	require.NoError(t, os.Chmod(script, 0o755))
	assert.NoError(t, checkPermissions([]byte(script+" --batch"), &scratch))
	assert.NoError(t, checkPermissions([]byte(script), &scratch))

	assert.NoError(t, checkPermissions([]byte(filepath.Join(dir, "missing")+" -p 1"), &scratch))
	assert.NoError(t, checkPermissions(nil, &scratch))
}

func TestCompileAction(t *testing.T) {
	action, err := CompileAction("gdb %e %p", "server")
	require.NoError(t, err)
	assert.Equal(t, "gdb server %p", action)

	_, err = CompileAction(strings.Repeat("x", PanicActionSize), "")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatConfig))

	script := filepath.Join(t.TempDir(), "panic.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Chmod(script, 0o777))
	action, err = CompileAction(script+" %e", "svc")
	require.Error(t, err)
	assert.Equal(t, script+" svc", action)
}

func TestCheckPermissions_OnlyFirstTokenChecked(t *testing.T) {
	dir := t.TempDir()
	writable := filepath.Join(dir, "writable")
	require.NoError(t, os.WriteFile(writable, nil, 0o644))
	require.NoError(t, os.Chmod(writable, 0o666))

	var scratch [filenameSize]byte
	assert.NoError(t, checkPermissions([]byte("/bin/true "+writable), &scratch))
}

func TestCheckPermissions_LongFirstTokenTruncated(t *testing.T) {
	var scratch [filenameSize]byte
	action := "/" + strings.Repeat("a", filenameSize) + " -p %p"
	err := checkPermissions([]byte(action), &scratch)
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatConfig))
}

func TestSetup_ExpandsProgramName(t *testing.T) {
	requireSignals(t)
	f := newFixture(t)

	require.NoError(t, f.c.Setup("/usr/bin/gcore -o /tmp/%e.core %p", "myserver"))
	assert.Equal(t, "/usr/bin/gcore -o /tmp/myserver.core %p", f.c.PanicAction())
	assert.True(t, f.c.Installed())
	assert.True(t, ownership.RootTracking())
}

func TestSetup_TooLongKeepsPreviousAction(t *testing.T) {
	requireSignals(t)
	core.ClearLastError()
	f := newFixture(t)
	require.NoError(t, f.c.Setup("echo %e", "first"))

	err := f.c.Setup("%e", strings.Repeat("x", PanicActionSize))
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatConfig))
	assert.Equal(t, err, core.LastError())
	assert.Equal(t, "echo first", f.c.PanicAction())

	require.NoError(t, f.c.Setup(strings.Repeat("y", PanicActionSize-1), ""))
}

func TestSetup_WorldWritableRejected(t *testing.T) {
	requireSignals(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "collect.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Chmod(script, 0o777))

	f := newFixture(t)
	err := f.c.Setup(script+" %p", "prog")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatPermission))
	assert.False(t, f.c.Installed())
	assert.Equal(t, err, f.c.PermissionCheck())

	f.c.OnFault(segvSignal)
	assert.GreaterOrEqual(t, f.log.indexOf("Refusing to execute panic action:"), 0)
	assert.Empty(t, f.runner.commands)
	assert.Equal(t, []int{1}, f.exits.codes)
}

func TestSetup_GdbTemplateGetsPid(t *testing.T) {
	requireSignals(t)
	f := newFixture(t)
	require.NoError(t, f.c.Setup("gdb --batch -p %p", "myserver"))

	f.c.OnFault(PanicSignal())

	require.Len(t, f.runner.commands, 1)
	cmd := f.runner.commands[0]
	assert.Equal(t, "gdb --batch -p "+strconv.Itoa(os.Getpid()), cmd)
	assert.NotContains(t, cmd, "%p")
	assert.Empty(t, f.exits.codes, "advisory panic must return")
}

func TestOnFault_Sequence(t *testing.T) {
	requireSignals(t)
	f := newFixture(t)
	f.policy.dumpable = false
	f.runner.code = 3
	require.NoError(t, f.c.Setup("/bin/echo %p", "prog"))

	f.c.OnFault(segvSignal)

	order := []string{
		"CAUGHT SIGNAL: " + segvSignal.String(),
		"Backtrace of last ",
		"Calling: /bin/echo ",
		"Temporarily setting PR_DUMPABLE to 1",
		"Resetting PR_DUMPABLE to 0",
		"Panic action exited with 3",
	}
	last := -1
	for _, prefix := range order {
		i := f.log.indexOf(prefix)
		require.GreaterOrEqual(t, i, 0, "missing %q in:\n%s", prefix, f.log.text())
		assert.Greater(t, i, last, "%q out of order", prefix)
		last = i
	}
	assert.Equal(t, []bool{true, false}, f.policy.sets)
	assert.Equal(t, []int{1}, f.exits.codes)
}

func TestOnFault_DumpableAlreadySetIsLeftAlone(t *testing.T) {
	requireSignals(t)
	f := newFixture(t)
	require.NoError(t, f.c.Setup("/bin/echo", "prog"))

	f.c.OnFault(PanicSignal())

	assert.Empty(t, f.policy.sets)
	assert.Equal(t, -1, f.log.indexOf("Temporarily setting PR_DUMPABLE"))
	assert.Len(t, f.runner.commands, 1)
}

func TestOnFault_RestoreFailureExits(t *testing.T) {
	requireSignals(t)
	f := newFixture(t)
	f.policy.dumpable = false
	f.policy.resetErr = errors.New("EPERM")
	require.NoError(t, f.c.Setup("/bin/echo", "prog"))

	f.c.OnFault(PanicSignal())

	assert.GreaterOrEqual(t, f.log.indexOf("Exiting due to insecure process state"), 0)
	assert.Equal(t, -1, f.log.indexOf("Panic action exited with"))
	assert.Equal(t, []int{1}, f.exits.codes, "even the advisory signal must exit")
	assert.True(t, core.IsCategory(core.LastError(), core.ErrCatFatal))
}

func TestOnFault_RaiseFailureStillRunsAction(t *testing.T) {
	requireSignals(t)
	f := newFixture(t)
	f.policy.dumpable = false
	f.policy.raiseErr = errors.New("EPERM")
	require.NoError(t, f.c.Setup("/bin/echo", "prog"))

	f.c.OnFault(PanicSignal())

	assert.GreaterOrEqual(t, f.log.indexOf("Failed setting dumpable flag, pattach may not work"), 0)
	assert.Equal(t, -1, f.log.indexOf("Resetting PR_DUMPABLE"))
	assert.Len(t, f.runner.commands, 1)
	assert.Empty(t, f.exits.codes)
}

func TestOnFault_CallbackFailureSkipsAction(t *testing.T) {
	requireSignals(t)
	var got os.Signal
	f := newFixture(t, WithCallback(func(sig os.Signal) error {
		got = sig
		return errors.New("not now")
	}))
	require.NoError(t, f.c.Setup("/bin/echo", "prog"))

	f.c.OnFault(segvSignal)

	assert.Equal(t, segvSignal, got)
	assert.Empty(t, f.runner.commands)
	assert.Equal(t, -1, f.log.indexOf("Backtrace of last"))
	assert.Equal(t, []int{1}, f.exits.codes)
}

func TestOnFault_NoPanicAction(t *testing.T) {
	f := newFixture(t)

	f.c.OnFault(PanicSignal())
	assert.GreaterOrEqual(t, f.log.indexOf("No panic action set"), 0)
	assert.GreaterOrEqual(t, f.log.indexOf("Backtrace of last"), 0)
	assert.Empty(t, f.exits.codes)

	f.c.OnFault(abortSignal)
	assert.Equal(t, []int{1}, f.exits.codes)
}

func TestOnFault_ExpansionOverflowIsFatal(t *testing.T) {
	if os.Getpid() < 100 {
		t.Skip("pid too short to overflow the command buffer")
	}
	f := newFixture(t)
	tmpl := strings.Repeat("%p", (PanicActionSize-1)/2)
	f.c.template = [PanicActionSize]byte{}
	f.c.templateLen = copy(f.c.template[:], tmpl)

	f.c.OnFault(PanicSignal())

	assert.GreaterOrEqual(t, f.log.indexOf("Panic action too long"), 0)
	assert.Empty(t, f.runner.commands)
	assert.Equal(t, []int{1}, f.exits.codes)
}

func TestOnFault_BacktraceThroughDescriptor(t *testing.T) {
	out, err := os.CreateTemp(t.TempDir(), "fault-log")
	require.NoError(t, err)
	defer out.Close()

	f := newFixture(t, WithLogFD(int(out.Fd())))
	f.c.OnFault(PanicSignal())

	data, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	assert.Contains(t, string(data), "#0  0x")
	assert.Contains(t, string(data), "goroutine ")
}

func TestDefaultSinkWritesToDescriptor(t *testing.T) {
	out, err := os.CreateTemp(t.TempDir(), "fault-log")
	require.NoError(t, err)
	defer out.Close()

	c := New(WithLogFD(int(out.Fd())), WithExitFunc(func(int) {}))
	c.logf("CAUGHT SIGNAL: %s", "test")

	data, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	assert.Equal(t, "CAUGHT SIGNAL: test\n", string(data))
}

type fakeReporter struct {
	err error
	fds []int
	ctx []*ownership.Context
}

func (r *fakeReporter) Generate(fd int, ctx *ownership.Context) error {
	r.fds = append(r.fds, fd)
	r.ctx = append(r.ctx, ctx)
	return r.err
}

func TestMemoryReport(t *testing.T) {
	rep := &fakeReporter{}
	f := newFixture(t, WithReporter(rep))
	f.c.SetLogFD(5)

	f.c.MemoryReport(ReportSignal())
	assert.Equal(t, []int{5}, rep.fds)
	assert.Nil(t, rep.ctx[0])
	assert.Equal(t, 0, f.log.indexOf("CAUGHT SIGNAL"))
	assert.Empty(t, f.exits.codes)
}

func TestMemoryReport_FailureIsLoggedNotEscalated(t *testing.T) {
	core.ClearLastError()
	failure := core.ErrSyscall(core.CodeLogDup, "dup failed", errors.New("EBADF"))
	f := newFixture(t, WithReporter(&fakeReporter{err: failure}))

	f.c.MemoryReport(ReportSignal())
	assert.GreaterOrEqual(t, f.log.indexOf("memreport: "), 0)
	assert.Equal(t, error(failure), core.LastError())
	assert.Empty(t, f.exits.codes)
}

type fakeFault struct{}

func (fakeFault) Error() string { return "unexpected fault address" }
func (fakeFault) Addr() uintptr { return 0xdead }
func (fakeFault) RuntimeError() {}

func TestRecover_PanicRunsAbortProtocol(t *testing.T) {
	f := newFixture(t)
	func() {
		defer f.c.Recover()
		panic("boom")
	}()

	assert.GreaterOrEqual(t, f.log.indexOf("panic: boom"), 0)
	assert.GreaterOrEqual(t, f.log.indexOf("CAUGHT SIGNAL: "+abortSignal.String()), 0)
	assert.Equal(t, []int{1}, f.exits.codes)
}

func TestRecover_FaultRunsSegvProtocol(t *testing.T) {
	f := newFixture(t)
	func() {
		defer f.c.Recover()
		panic(fakeFault{})
	}()

	assert.GreaterOrEqual(t, f.log.indexOf("fault address: 0xdead"), 0)
	assert.GreaterOrEqual(t, f.log.indexOf("CAUGHT SIGNAL: "+segvSignal.String()), 0)
	assert.Equal(t, []int{1}, f.exits.codes)
}

func TestRecover_CallbackSeesPanicValue(t *testing.T) {
	f := newFixture(t)
	var seen any
	f.c.SetCallback(func(os.Signal) error {
		seen, _ = f.c.RecoveredPanic()
		return nil
	})
	func() {
		defer f.c.Recover()
		panic("nil map write")
	}()

	assert.Equal(t, "nil map write", seen)
	_, pending := f.c.RecoveredPanic()
	assert.False(t, pending, "cleared once the protocol returns")

	// A delivered signal carries no panic value.
	seen = "unset"
	f.c.OnFault(panicSignal)
	assert.Nil(t, seen)
}

func TestRecover_NoPanic(t *testing.T) {
	f := newFixture(t)
	func() {
		defer f.c.Recover()
	}()
	assert.Empty(t, f.log.text())
	assert.Empty(t, f.exits.codes)
}

func TestPanicOnFree(t *testing.T) {
	requireSignals(t)
	f := newFixture(t)
	conn := ownership.New(nil, "conn", 1)
	trap := f.c.PanicOnFree(conn)

	err := conn.Free()
	require.Error(t, err)
	assert.ErrorIs(t, err, errPanicOnFree)
	assert.True(t, conn.Freed())
	assert.False(t, trap.Freed())
	assert.GreaterOrEqual(t, f.log.indexOf("CAUGHT SIGNAL: "+PanicSignal().String()), 0)
	assert.Empty(t, f.exits.codes)
}

func TestAbortHookRoutesOwnershipFailures(t *testing.T) {
	requireSignals(t)
	f := newFixture(t)
	require.NoError(t, f.c.Setup("", "prog"))

	ctx := ownership.New(nil, "session", 1)
	require.NoError(t, ctx.Free())
	assert.ErrorIs(t, ctx.Free(), ownership.ErrDoubleFree)

	assert.GreaterOrEqual(t, f.log.indexOf("double free of \"session\""), 0)
	assert.GreaterOrEqual(t, f.log.indexOf("abort: double free"), 0)
	assert.Equal(t, []int{1}, f.exits.codes)
}

func TestClose_RestoresHooks(t *testing.T) {
	requireSignals(t)
	f := newFixture(t)
	require.NoError(t, f.c.Setup("", "prog"))
	require.True(t, ownership.RootTracking())

	require.NoError(t, f.c.Close())
	assert.False(t, f.c.Installed())
	assert.False(t, ownership.RootTracking())
	assert.NoError(t, f.c.Close())

	// Setup works again after Close.
	require.NoError(t, f.c.Setup("", "prog"))
	assert.True(t, f.c.Installed())
}

func TestSetters(t *testing.T) {
	c := New()
	assert.Equal(t, 2, c.LogFD())
	c.SetLogFD(7)
	assert.Equal(t, 7, c.LogFD())

	c.SetCallback(func(os.Signal) error { return nil })
	assert.NotNil(t, c.callback.Load())
	c.SetCallback(nil)
	assert.Nil(t, c.callback.Load())

	c.SetLogFunc(func(string, ...any) {})
	assert.NotNil(t, c.logFn.Load())
	c.SetLogFunc(nil)
	assert.Nil(t, c.logFn.Load())
}

func TestParseSignal(t *testing.T) {
	sig, err := ParseSignal("SIGSEGV")
	require.NoError(t, err)
	assert.Equal(t, segvSignal, sig)

	sig, err = ParseSignal("abrt")
	require.NoError(t, err)
	assert.Equal(t, abortSignal, sig)

	_, err = ParseSignal("SIGKILL")
	assert.Error(t, err)
}
