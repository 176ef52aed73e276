package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/faultline/internal/backtrace"
	"github.com/hugo-lorenzo-mato/faultline/internal/fault"
	"github.com/hugo-lorenzo-mato/faultline/internal/journal"
	"github.com/hugo-lorenzo-mato/faultline/internal/memreport"
	"github.com/hugo-lorenzo-mato/faultline/internal/ownership"
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Exercise the fault protocol without exiting",
	Long: `Install the fault handlers with a harmless panic action, run the protocol
for the advisory panic signal, write a memory report and capture a backtrace.
The run is journaled as a selftest entry.

The configured panic action is not run unless --use-config-action is given.`,
	RunE: runSelftest,
}

var selftestUseConfigAction bool

func init() {
	rootCmd.AddCommand(selftestCmd)

	selftestCmd.Flags().BoolVar(&selftestUseConfigAction, "use-config-action", false,
		"run the configured panic action instead of 'true'")
}

func runSelftest(cmd *cobra.Command, _ []string) error {
	cfg := *appConfig
	if !selftestUseConfigAction {
		cfg.Fault.PanicAction = "true"
	}
	out := cmd.OutOrStdout()

	stack, err := newFaultStack(&cfg, appLogger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := stack.Close(); closeErr != nil {
			appLogger.Warn("closing fault handler", slog.String("error", closeErr.Error()))
		}
	}()
	defer stack.controller.Recover()

	var protocol strings.Builder
	stack.controller.SetLogFunc(func(format string, args ...any) {
		fmt.Fprintf(&protocol, format+"\n", args...)
	})
	stack.controller.SetLogFD(-1)

	if err := stack.controller.Setup(cfg.Fault.PanicAction, stack.program); err != nil {
		return fmt.Errorf("installing fault handlers: %w", err)
	}
	fmt.Fprintf(out, "✓ handlers installed, panic action %q\n", stack.controller.PanicAction())

	stack.controller.OnFault(fault.PanicSignal())
	if !strings.Contains(protocol.String(), "CAUGHT SIGNAL") {
		return fmt.Errorf("panic protocol produced no output")
	}
	fmt.Fprintf(out, "✓ panic protocol ran for %s\n", fault.PanicSignal())

	entryID := ""
	if id := stack.lastEntry.Load(); id != nil {
		entryID = *id
		fmt.Fprintf(out, "✓ fault journaled as %s\n", entryID)
	}

	root := ownership.New(nil, "selftest", 0)
	defer func() { _ = root.Free() }()
	if err := memreportSelftest(out, stack.reporter, root); err != nil {
		return err
	}

	if backtrace.Supported {
		if err := backtraceSelftest(out, cfg.Backtrace.Capacity, root); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, "○ backtraces skipped (built with nobacktrace)")
	}

	code := 0
	if _, err := stack.journal.Record(cmd.Context(), journal.Entry{
		Kind:        journal.KindSelftest,
		Program:     stack.program,
		PanicAction: stack.controller.PanicAction(),
		Message:     "selftest passed; fault entry " + entryID,
		ExitCode:    &code,
	}); err != nil {
		return fmt.Errorf("journaling selftest: %w", err)
	}

	fmt.Fprintln(out, "\nSelftest passed")
	return nil
}

func memreportSelftest(out io.Writer, r *memreport.Reporter, parent *ownership.Context) error {
	ownership.New(parent, "selftest block", 4096)

	var buf strings.Builder
	if err := r.Write(&buf, parent); err != nil {
		return fmt.Errorf("memory report: %w", err)
	}
	if !strings.Contains(buf.String(), "selftest block") {
		return fmt.Errorf("memory report is missing the tracked block")
	}
	fmt.Fprintln(out, "✓ memory report lists tracked blocks")
	return nil
}

func backtraceSelftest(out io.Writer, capacity int, parent *ownership.Context) error {
	h := &backtrace.Handle{Capacity: capacity}
	obj := ownership.New(parent, "selftest object", 1)
	if _, err := backtrace.Attach(h, obj); err != nil {
		return fmt.Errorf("attaching backtrace: %w", err)
	}
	addr := obj.Addr()
	if err := obj.Free(); err != nil {
		return fmt.Errorf("freeing tracked object: %w", err)
	}

	var buf strings.Builder
	if h.Print(&buf, addr) != 1 {
		return fmt.Errorf("no backtrace recorded for %#x", addr)
	}
	fmt.Fprintf(out, "✓ backtrace captured for %#x\n", addr)
	return nil
}
