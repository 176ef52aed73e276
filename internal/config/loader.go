package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment variable overrides, e.g.
// FAULTLINE_FAULT_PANIC_ACTION.
const EnvPrefix = "FAULTLINE"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: EnvPrefix,
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: EnvPrefix,
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (FAULTLINE_*)
// 3. Project config (.faultline.yaml in current directory)
// 4. User config (~/.config/faultline/.faultline.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".faultline")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if dir, err := UserConfigDir(); err == nil {
			l.v.AddConfigPath(dir)
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return l.unmarshal()
}

// Reload re-reads the config file used by the last Load.
func (l *Loader) Reload() (*Config, error) {
	if l.v.ConfigFileUsed() == "" {
		return l.unmarshal()
	}
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")
	l.v.SetDefault("log.file", "")

	l.v.SetDefault("fault.panic_action", "")
	l.v.SetDefault("fault.program", "")
	l.v.SetDefault("fault.log_file", "")
	l.v.SetDefault("fault.panic_on_fault", false)
	l.v.SetDefault("fault.crash_output", true)

	l.v.SetDefault("backtrace.capacity", 1<<16)

	l.v.SetDefault("coredump.enabled", false)

	l.v.SetDefault("debug.addr", "127.0.0.1:6061")
	l.v.SetDefault("debug.allow_panic", false)
	l.v.SetDefault("debug.cors_origins", []string{})

	l.v.SetDefault("journal.path", filepath.Join(".faultline", "journal.db"))

	l.v.SetDefault("crashdump.dir", filepath.Join(".faultline", "crashdumps"))
	l.v.SetDefault("crashdump.max_files", 10)
	l.v.SetDefault("crashdump.include_env", false)

	l.v.SetDefault("monitor.interval", "30s")
	l.v.SetDefault("monitor.history", 120)
}

// UserConfigDir returns ~/.config/faultline.
func UserConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "faultline"), nil
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// IsSet checks if a key has been set.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}

// AllSettings returns all settings as a map.
func (l *Loader) AllSettings() map[string]interface{} {
	return l.v.AllSettings()
}
