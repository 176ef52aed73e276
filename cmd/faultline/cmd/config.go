package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/faultline/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or create the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		if file := appLoader.ConfigFile(); file != "" {
			fmt.Fprintf(out, "# config file: %s\n", file)
		} else {
			fmt.Fprintln(out, "# no config file, defaults and environment only")
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(appConfig); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		return enc.Close()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [PATH]",
	Short: "Write a default config file (default: ./.faultline.yaml)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ".faultline.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		return writeDefaultConfig(cmd, path, configInitForce)
	},
}

var configInitForce bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configInitCmd)

	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false,
		"overwrite an existing file")
}

func writeDefaultConfig(cmd *cobra.Command, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := config.AtomicWrite(path, []byte(config.DefaultConfigYAML)); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
