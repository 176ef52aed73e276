package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/faultline/internal/procpolicy"
)

var coredumpCmd = &cobra.Command{
	Use:   "coredump",
	Short: "Inspect or change the core dump policy",
	Long: `Show or change whether this process and the commands it runs write core
files.

Limits are inherited, so 'faultline coredump disable -- CMD' runs CMD with
core dumps off.`,
}

var coredumpShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the core limit and dumpable flag",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return showPolicy(cmd.OutOrStdout(), procpolicy.New(), coredumpJSON)
	},
}

var coredumpEnableCmd = &cobra.Command{
	Use:   "enable [-- COMMAND [ARGS...]]",
	Short: "Enable core dumps, optionally for a command",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithCoreDumps(cmd, procpolicy.New(), true, args)
	},
}

var coredumpDisableCmd = &cobra.Command{
	Use:   "disable [-- COMMAND [ARGS...]]",
	Short: "Disable core dumps, optionally for a command",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithCoreDumps(cmd, procpolicy.New(), false, args)
	},
}

var coredumpJSON bool

func init() {
	rootCmd.AddCommand(coredumpCmd)
	coredumpCmd.AddCommand(coredumpShowCmd, coredumpEnableCmd, coredumpDisableCmd)

	coredumpShowCmd.Flags().BoolVar(&coredumpJSON, "json", false, "output as JSON")
}

// policyView is the printable form of the core dump policy.
type policyView struct {
	CoreLimit *procpolicy.Limits `json:"core_limit,omitempty"`
	Dumpable  *bool              `json:"dumpable,omitempty"`
	Errors    []string           `json:"errors,omitempty"`
}

func readPolicy(p *procpolicy.Policy) policyView {
	var v policyView
	if l, err := p.Limits(); err != nil {
		v.Errors = append(v.Errors, err.Error())
	} else {
		v.CoreLimit = &l
	}
	if d, err := p.DumpableFlag(); err != nil {
		v.Errors = append(v.Errors, err.Error())
	} else {
		v.Dumpable = &d
	}
	return v
}

func showPolicy(w io.Writer, p *procpolicy.Policy, asJSON bool) error {
	v := readPolicy(p)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	if v.CoreLimit != nil {
		fmt.Fprintf(w, "core limit: %s\n", v.CoreLimit)
	}
	if v.Dumpable != nil {
		fmt.Fprintf(w, "dumpable:   %t\n", *v.Dumpable)
	}
	for _, e := range v.Errors {
		fmt.Fprintf(w, "error:      %s\n", e)
	}
	return nil
}

// runWithCoreDumps applies the policy and, when args name a command, runs
// it with the inherited limits. Without a command the resulting policy is
// printed.
func runWithCoreDumps(cmd *cobra.Command, p *procpolicy.Policy, enabled bool, args []string) error {
	if err := p.CaptureBaseline(); err != nil {
		return err
	}
	if err := p.SetCoreDumpsEnabled(enabled); err != nil {
		return fmt.Errorf("changing core dump policy: %w", err)
	}

	if len(args) == 0 {
		return showPolicy(cmd.OutOrStdout(), p, false)
	}

	child := exec.CommandContext(cmd.Context(), args[0], args[1:]...)
	child.Stdin = cmd.InOrStdin()
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	if err := child.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &exitCodeError{code: exitErr.ExitCode()}
		}
		return err
	}
	return nil
}
