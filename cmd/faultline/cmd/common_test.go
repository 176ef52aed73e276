//go:build linux || darwin

package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/faultline/internal/config"
	"github.com/hugo-lorenzo-mato/faultline/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/faultline/internal/journal"
	"github.com/hugo-lorenzo-mato/faultline/internal/logging"
)

// newTestStack builds a fault stack whose fatal exits are recorded instead
// of ending the test binary.
func newTestStack(t *testing.T) (stack *faultStack, dir string, protocol *strings.Builder, exits *[]int) {
	t.Helper()
	dir = testEnv(t, "coredump:\n  enabled: true\n")
	cfg, err := config.NewLoader().Load()
	require.NoError(t, err)

	exits = &[]int{}
	faultExit = func(code int) { *exits = append(*exits, code) }
	t.Cleanup(func() { faultExit = os.Exit })

	stack, err = newFaultStack(cfg, logging.NewNop())
	require.NoError(t, err)

	protocol = &strings.Builder{}
	stack.controller.SetLogFunc(func(format string, args ...any) {
		fmt.Fprintf(protocol, format+"\n", args...)
	})
	stack.controller.SetLogFD(-1)
	return stack, dir, protocol, exits
}

func TestFaultStack_GuardRoutesMemoryFaultIntoProtocol(t *testing.T) {
	stack, dir, protocol, exits := newTestStack(t)

	var dump *diagnostics.CrashDump
	err := stack.guard(func() error {
		return errors.New(dump.Program)
	})()
	require.NoError(t, err)
	require.NoError(t, stack.Close())

	assert.Equal(t, []int{1}, *exits)
	assert.Contains(t, protocol.String(), "fault address:")
	assert.Contains(t, protocol.String(), "CAUGHT SIGNAL: segmentation fault")

	entries := listJournal(t, dir, journal.KindPanic)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "nil pointer dereference")
	assert.Equal(t, "segmentation fault", entries[0].Signal)

	written, err := diagnostics.LoadCrashDump(entries[0].DumpPath)
	require.NoError(t, err)
	assert.Equal(t, diagnostics.KindPanic, written.Kind)
	assert.Contains(t, written.PanicValue, "nil pointer dereference")
	assert.Empty(t, listJournal(t, dir, journal.KindSignal))
}

func TestFaultStack_GuardPassesErrorsThrough(t *testing.T) {
	stack, _, protocol, exits := newTestStack(t)
	defer stack.Close()

	err := stack.guard(func() error { return errors.New("listener closed") })()
	assert.EqualError(t, err, "listener closed")
	assert.Empty(t, *exits)
	assert.Empty(t, protocol.String())
}

func TestFaultStack_SignalWritesSignalDump(t *testing.T) {
	stack, dir, _, exits := newTestStack(t)

	require.NoError(t, stack.onFault(os.Interrupt))
	require.NoError(t, stack.Close())
	assert.Empty(t, *exits)

	entries := listJournal(t, dir, journal.KindSignal)
	require.Len(t, entries, 1)
	written, err := diagnostics.LoadCrashDump(entries[0].DumpPath)
	require.NoError(t, err)
	assert.Equal(t, diagnostics.KindSignal, written.Kind)
	assert.Empty(t, listJournal(t, dir, journal.KindPanic))
}
