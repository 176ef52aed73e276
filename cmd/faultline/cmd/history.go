package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/faultline/internal/journal"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List journaled faults",
	Long: `List the faults recorded in the journal, newest first.

Examples:
  faultline history
  faultline history --kind child --since 24h
  faultline history --prune 100`,
	RunE: runHistory,
}

var (
	historyKind   string
	historySince  time.Duration
	historyLimit  int
	historyFormat string
	historyPrune  int
)

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().StringVar(&historyKind, "kind", "",
		"only show this kind (signal, panic, child, selftest)")
	historyCmd.Flags().DurationVar(&historySince, "since", 0,
		"only show faults newer than this")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20,
		"maximum number of entries")
	historyCmd.Flags().StringVarP(&historyFormat, "format", "o", "table",
		"output format (table, json)")
	historyCmd.Flags().IntVar(&historyPrune, "prune", 0,
		"delete all but the newest N entries instead of listing")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	store, err := journal.Open(appConfig.Journal.Path)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer store.Close()

	if historyPrune > 0 {
		n, err := store.Prune(cmd.Context(), historyPrune)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d entries\n", n)
		return nil
	}

	f := journal.Filter{Kind: historyKind, Limit: historyLimit}
	if historySince > 0 {
		f.Since = time.Now().Add(-historySince)
	}
	entries, err := store.List(cmd.Context(), f)
	if err != nil {
		return err
	}

	switch historyFormat {
	case "json":
		if entries == nil {
			entries = []*journal.Entry{}
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "table":
		renderHistory(cmd.OutOrStdout(), entries)
		return nil
	default:
		return fmt.Errorf("unknown format %q", historyFormat)
	}
}

func renderHistory(w io.Writer, entries []*journal.Entry) {
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(w, "(no faults recorded)")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Time", "Kind", "Signal", "Program", "PID", "Exit", "Dump"})
	for _, e := range entries {
		exit := "-"
		if e.ExitCode != nil {
			exit = strconv.Itoa(*e.ExitCode)
		}
		t.AppendRow(table.Row{
			e.OccurredAt.Local().Format("2006-01-02 15:04:05"),
			e.Kind,
			orDash(e.Signal),
			orDash(e.Program),
			e.PID,
			exit,
			orDash(e.DumpPath),
		})
	}
	t.Render()
	_, _ = fmt.Fprintf(w, "(%d faults)\n", len(entries))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
