package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/faultline/internal/diagnostics"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Inspect crash dumps",
}

var dumpShowCmd = &cobra.Command{
	Use:   "show [PATH]",
	Short: "Show a crash dump (default: the latest)",
	Long: `Show a crash dump written by serve or exec. Without PATH the most recent
dump in crashdump.dir is shown.

Examples:
  faultline dump show
  faultline dump show --list
  faultline dump show --json .faultline/crashdumps/crash-1718000000000000000-4242-0.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDumpShow,
}

var (
	dumpList   bool
	dumpJSON   bool
	dumpStacks bool
)

func init() {
	rootCmd.AddCommand(dumpCmd)
	dumpCmd.AddCommand(dumpShowCmd)

	dumpShowCmd.Flags().BoolVar(&dumpList, "list", false, "list dumps instead of showing one")
	dumpShowCmd.Flags().BoolVar(&dumpJSON, "json", false, "print the raw dump")
	dumpShowCmd.Flags().BoolVar(&dumpStacks, "stacks", false, "include goroutine stacks")
}

func runDumpShow(cmd *cobra.Command, args []string) error {
	dir := appConfig.CrashDump.Dir
	out := cmd.OutOrStdout()

	if dumpList {
		dumps, err := diagnostics.ListCrashDumps(dir)
		if err != nil {
			return err
		}
		renderDumpList(out, dumps)
		return nil
	}

	var (
		dump *diagnostics.CrashDump
		err  error
	)
	if len(args) == 1 {
		dump, err = diagnostics.LoadCrashDump(args[0])
	} else {
		dump, err = diagnostics.LoadLatestCrashDump(dir)
	}
	if errors.Is(err, diagnostics.ErrNoDumps) {
		fmt.Fprintf(out, "No crash dumps in %s\n", dir)
		return nil
	}
	if err != nil {
		return err
	}

	if dumpJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(dump)
	}
	printDump(out, dump, dumpStacks)
	return nil
}

func renderDumpList(w io.Writer, dumps []*diagnostics.CrashDump) {
	if len(dumps) == 0 {
		_, _ = fmt.Fprintln(w, "(no crash dumps)")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Time", "Kind", "Signal", "Program", "PID", "Path"})
	for _, d := range dumps {
		t.AppendRow(table.Row{
			d.Timestamp.Local().Format("2006-01-02 15:04:05"),
			d.Kind,
			orDash(d.Signal),
			orDash(d.Program),
			d.ProcessID,
			d.Path,
		})
	}
	t.Render()
}

func printDump(w io.Writer, d *diagnostics.CrashDump, stacks bool) {
	fmt.Fprintf(w, "Dump:     %s\n", d.Path)
	fmt.Fprintf(w, "Kind:     %s\n", d.Kind)
	fmt.Fprintf(w, "Time:     %s\n", d.Timestamp.Local().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "Process:  %s (pid %d) %s %s/%s\n", orDash(d.Program), d.ProcessID, d.GoVersion, d.GOOS, d.GOARCH)
	if d.Signal != "" {
		fmt.Fprintf(w, "Signal:   %s\n", d.Signal)
	}
	if d.PanicValue != "" {
		fmt.Fprintf(w, "Panic:    %s\n", d.PanicValue)
	}
	if c := d.Child; c != nil {
		fmt.Fprintf(w, "Child:    %s %s\n", c.Path, strings.Join(c.Args, " "))
		fmt.Fprintf(w, "Exit:     %d after %s\n", c.ExitCode, c.Duration)
		if c.StderrTail != "" {
			fmt.Fprintf(w, "\nStderr (tail):\n%s\n", strings.TrimRight(c.StderrTail, "\n"))
		}
	}

	hw := d.Hardware
	fmt.Fprintf(w, "Hardware: %s %s, %d cores/%d threads, %.0f MB\n",
		hw.CPUVendor, hw.CPUModel, hw.CPUCores, hw.CPUThreads, hw.PhysicalMemMB)
	rs := d.ResourceState
	fmt.Fprintf(w, "Resources: %d goroutines, %d/%d fds, heap %.1f MB\n",
		rs.Goroutines, rs.OpenFDs, rs.MaxFDs, rs.HeapAllocMB)
	if rs.TrackedBlocks > 0 {
		fmt.Fprintf(w, "Tracked:  %d bytes in %d blocks\n", rs.TrackedBytes, rs.TrackedBlocks)
	}

	if stacks && d.StackTrace != "" {
		fmt.Fprintf(w, "\n%s\n", strings.TrimRight(d.StackTrace, "\n"))
	}
}
