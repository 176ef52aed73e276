package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/faultline/internal/config"
	"github.com/hugo-lorenzo-mato/faultline/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	// Version info - set via SetVersion()
	appVersion string
	appCommit  string
	appDate    string

	// Set by initConfig for the running command.
	appLoader *config.Loader
	appConfig *config.Config
	appLogger *logging.Logger
	closeLog  = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "faultline",
	Short: "Fault handling and crash diagnostics for long-running processes",
	Long: `faultline installs fatal-signal handlers that print stacks, write crash
dumps and run a configurable panic action (for example a debugger attach).
It also manages the core dump policy, supervises child processes and keeps
a journal of every fault it handled.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return initConfig(cmd.ErrOrStderr())
	},
	PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
		return closeLog()
	},
}

func Execute() error {
	err := rootCmd.Execute()
	var coded *exitCodeError
	if err != nil && !errors.As(err, &coded) {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	}
	return err
}

func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

// GetVersion returns the application version string.
func GetVersion() string {
	return appVersion
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ./.faultline.yaml or ~/.config/faultline/.faultline.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto",
		"log format (auto, text, json)")

	bindFlags(viper.GetViper())
}

// bindFlags binds the persistent flags to v (errors are nil when the flag exists).
func bindFlags(v *viper.Viper) {
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig(stderr io.Writer) error {
	appLoader = config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		appLoader.WithConfigFile(cfgFile)
	}

	cfg, err := appLoader.Load()
	if err != nil {
		return err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	out, closer, err := logging.OpenFile(cfg.Log.File)
	if err != nil {
		return err
	}
	if cfg.Log.File == "" {
		out = stderr
	}

	appConfig = cfg
	appLogger = logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: out,
	})
	closeLog = closer
	appLogger.Debug("configuration loaded", slog.String("config_file", appLoader.ConfigFile()))
	return nil
}

// programName is the name substituted for %e in the panic action.
func programName(cfg *config.Config) string {
	if cfg.Fault.Program != "" {
		return cfg.Fault.Program
	}
	exe, err := os.Executable()
	if err != nil {
		return "faultline"
	}
	return filepath.Base(exe)
}
