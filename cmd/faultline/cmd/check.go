package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/faultline/internal/backtrace"
	"github.com/hugo-lorenzo-mato/faultline/internal/config"
	"github.com/hugo-lorenzo-mato/faultline/internal/core"
	"github.com/hugo-lorenzo-mato/faultline/internal/debugprobe"
	"github.com/hugo-lorenzo-mato/faultline/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/faultline/internal/fault"
	"github.com/hugo-lorenzo-mato/faultline/internal/procpolicy"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that faults can be handled as configured",
	Long: `Verify the panic action, the core dump policy and the debugger state
without installing any handler.

The panic action is compiled the same way serve compiles it and refused if
its executable is world writable.`,
	RunE: runCheck,
}

var checkProbe bool

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().BoolVar(&checkProbe, "probe-debugger", false,
		"raise SIGTRAP to detect an attached debugger instead of only reading the tracer pid")
}

// checkResult is one line of check output.
type checkResult struct {
	name   string
	ok     bool
	warn   bool
	detail string
}

func runCheck(cmd *cobra.Command, _ []string) error {
	results := collectChecks(appConfig, procpolicy.New(), checkProbe)
	if printChecks(cmd.OutOrStdout(), results) {
		return errors.New("check failed")
	}
	return nil
}

func collectChecks(cfg *config.Config, policy *procpolicy.Policy, probe bool) []checkResult {
	var results []checkResult

	program := programName(cfg)
	action, err := fault.CompileAction(cfg.Fault.PanicAction, program)
	switch {
	case err != nil:
		results = append(results, checkResult{name: "panic action", detail: err.Error()})
	case action == "":
		results = append(results, checkResult{name: "panic action", ok: true, warn: true,
			detail: "not set, faults only print stacks"})
	default:
		results = append(results, checkResult{name: "panic action", ok: true, detail: action})
	}

	if l, err := policy.Limits(); err != nil {
		results = append(results, checkResult{name: "core limit", ok: unsupported(err), warn: true, detail: err.Error()})
	} else {
		r := checkResult{name: "core limit", ok: true, detail: l.String()}
		if cfg.CoreDump.Enabled && l.Hard == 0 {
			r.warn = true
			r.detail += " (core dumps enabled in config but the hard limit is zero)"
		}
		results = append(results, r)
	}

	if d, err := policy.DumpableFlag(); err != nil {
		results = append(results, checkResult{name: "dumpable", ok: unsupported(err), warn: true, detail: err.Error()})
	} else {
		r := checkResult{name: "dumpable", ok: true, detail: fmt.Sprintf("%t", d)}
		if !d && cfg.Fault.PanicAction != "" {
			r.detail += " (set temporarily while the panic action runs)"
		}
		results = append(results, r)
	}

	results = append(results, debuggerCheck(probe))

	if backtrace.Supported {
		results = append(results, checkResult{name: "backtraces", ok: true,
			detail: fmt.Sprintf("capacity %d", cfg.Backtrace.Capacity)})
	} else {
		results = append(results, checkResult{name: "backtraces", ok: true, warn: true,
			detail: "built with nobacktrace"})
	}

	hw := diagnostics.Hardware()
	results = append(results, checkResult{name: "hardware", ok: true,
		detail: fmt.Sprintf("%s %s, %d cores/%d threads, %.0f MB (%s)",
			hw.CPUVendor, hw.CPUModel, hw.CPUCores, hw.CPUThreads, hw.PhysicalMemMB, hw.Source)})

	fds, limit := diagnostics.CountFDs()
	results = append(results, checkResult{name: "file descriptors", ok: true,
		detail: fmt.Sprintf("%d open, limit %d", fds, limit)})

	return results
}

func debuggerCheck(probe bool) checkResult {
	if probe {
		p := debugprobe.New()
		p.Timeout = 500 * time.Millisecond
		p.Break()
		return checkResult{name: "debugger", ok: true, detail: p.State().String()}
	}
	attached, err := debugprobe.TracerAttached()
	if err != nil {
		return checkResult{name: "debugger", ok: true, warn: true, detail: err.Error()}
	}
	if attached {
		return checkResult{name: "debugger", ok: true, detail: "attached"}
	}
	return checkResult{name: "debugger", ok: true, detail: "not attached"}
}

func unsupported(err error) bool {
	return core.IsCategory(err, core.ErrCatUnsupported)
}

// printChecks writes results and reports whether any failed.
func printChecks(w io.Writer, results []checkResult) bool {
	failed := false
	for _, r := range results {
		icon := "✓"
		switch {
		case !r.ok:
			icon = "✗"
			failed = true
		case r.warn:
			icon = "○"
		}
		fmt.Fprintf(w, "  %s %-17s %s\n", icon, r.name, r.detail)
	}
	fmt.Fprintln(w)
	if failed {
		fmt.Fprintln(w, "Some checks failed")
	} else {
		fmt.Fprintln(w, "Fault handling ready")
	}
	return failed
}
