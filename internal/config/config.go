package config

// Config holds all application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Fault     FaultConfig     `mapstructure:"fault" yaml:"fault"`
	Backtrace BacktraceConfig `mapstructure:"backtrace" yaml:"backtrace"`
	CoreDump  CoreDumpConfig  `mapstructure:"coredump" yaml:"coredump"`
	Debug     DebugConfig     `mapstructure:"debug" yaml:"debug"`
	Journal   JournalConfig   `mapstructure:"journal" yaml:"journal"`
	CrashDump CrashDumpConfig `mapstructure:"crashdump" yaml:"crashdump"`
	Monitor   MonitorConfig   `mapstructure:"monitor" yaml:"monitor"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// FaultConfig configures the fault controller.
type FaultConfig struct {
	// PanicAction is the command run on a fatal signal. %e expands to the
	// program name at setup and %p to the process ID at fault time.
	PanicAction string `mapstructure:"panic_action" yaml:"panic_action"`
	// Program is substituted for %e. Empty means the executable's base name.
	Program string `mapstructure:"program" yaml:"program,omitempty"`
	// LogFile receives fault output. Empty means standard error.
	LogFile      string `mapstructure:"log_file" yaml:"log_file,omitempty"`
	PanicOnFault bool   `mapstructure:"panic_on_fault" yaml:"panic_on_fault"`
	CrashOutput  bool   `mapstructure:"crash_output" yaml:"crash_output"`
}

// BacktraceConfig configures backtrace registries created by the CLI.
type BacktraceConfig struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

// CoreDumpConfig configures the core dump policy applied at startup.
type CoreDumpConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DebugConfig configures the HTTP debug server.
type DebugConfig struct {
	Addr        string   `mapstructure:"addr" yaml:"addr"`
	AllowPanic  bool     `mapstructure:"allow_panic" yaml:"allow_panic"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins,omitempty"`
}

// JournalConfig configures the fault journal.
type JournalConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// CrashDumpConfig configures crash dump files.
type CrashDumpConfig struct {
	Dir        string `mapstructure:"dir" yaml:"dir"`
	MaxFiles   int    `mapstructure:"max_files" yaml:"max_files"`
	IncludeEnv bool   `mapstructure:"include_env" yaml:"include_env"`
}

// MonitorConfig configures the resource monitor.
type MonitorConfig struct {
	Interval string `mapstructure:"interval" yaml:"interval"`
	History  int    `mapstructure:"history" yaml:"history"`
}
