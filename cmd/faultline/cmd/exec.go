package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/faultline/internal/journal"
)

var execCmd = &cobra.Command{
	Use:   "exec -- COMMAND [ARGS...]",
	Short: "Run a command and record it if it dies from a signal",
	Long: `Run COMMAND with the process's standard streams. If it is killed by a
signal a crash dump with the tail of its stderr is written and the fault is
journaled. faultline exits with the child's status.

Examples:
  faultline exec -- ./server --port 8080
  faultline exec --journal-all -- make test`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

var execJournalAll bool

// exitCodeError carries the child's exit status to main.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitCodeError) ExitCode() int {
	return e.code
}

func init() {
	rootCmd.AddCommand(execCmd)

	execCmd.Flags().BoolVar(&execJournalAll, "journal-all", false,
		"journal every exit, not only deaths by signal")
}

func runExec(cmd *cobra.Command, args []string) error {
	stack, err := loadStack()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := stack.Close(); closeErr != nil {
			appLogger.Warn("closing journal", slog.String("error", closeErr.Error()))
		}
	}()

	// The child receives terminal signals itself; faultline waits for it.
	signal.Ignore(os.Interrupt, syscall.SIGTERM)
	defer signal.Reset(os.Interrupt, syscall.SIGTERM)

	executor := stack.executor.WithStreams(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	child, dumpPath, err := executor.Supervise(cmd.Context(), args[0], args[1:]...)
	if err != nil {
		return err
	}

	if child.Abnormal() || execJournalAll {
		code := child.ExitCode
		entry := journal.Entry{
			Kind:     journal.KindChild,
			Signal:   child.Signal,
			Program:  args[0],
			DumpPath: dumpPath,
			Message:  strings.Join(args, " "),
			ExitCode: &code,
		}
		if _, err := stack.journal.Record(cmd.Context(), entry); err != nil {
			appLogger.Error("journaling child exit", slog.String("error", err.Error()))
		}
	}

	if child.Abnormal() {
		fmt.Fprintf(cmd.ErrOrStderr(), "faultline: %s killed by %s (dump: %s)\n",
			args[0], child.Signal, dumpPath)
		return &exitCodeError{code: 128 + child.SignalNumber}
	}
	if child.ExitCode != 0 {
		return &exitCodeError{code: child.ExitCode}
	}
	return nil
}
