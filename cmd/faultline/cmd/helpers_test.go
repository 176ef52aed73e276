package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/faultline/internal/config"
)

// testEnv isolates a command run in a temp working directory with its own
// HOME, so no user config is picked up. It returns the directory.
func testEnv(t *testing.T, configYAML string) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	if configYAML != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".faultline.yaml"), []byte(configYAML), 0o600))
	}
	return dir
}

// executeCommand runs the root command with args and returns everything
// written to stdout and stderr.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeCommandContext(t, context.Background(), args...)
}

func executeCommandContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	bindFlags(viper.GetViper())
	resetFlags(rootCmd)
	setContext(rootCmd, ctx)

	var out syncBuffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}

// resetFlags restores every flag to its default between runs, since cobra
// keeps parsed values on the package-level commands.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.PersistentFlags().VisitAll(reset)
	c.Flags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// setContext gives every command ctx. Cobra only hands the root's context
// to a subcommand whose own context is still nil, so a context cancelled
// by an earlier run would otherwise stick.
func setContext(c *cobra.Command, ctx context.Context) {
	c.SetContext(ctx)
	for _, sub := range c.Commands() {
		setContext(sub, ctx)
	}
}

// syncBuffer is a bytes.Buffer safe for the concurrent writers of serve.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// appConfigForTest loads the default configuration in an isolated
// environment.
func appConfigForTest(t *testing.T) *config.Config {
	t.Helper()
	testEnv(t, "")
	cfg, err := config.NewLoader().Load()
	require.NoError(t, err)
	return cfg
}
