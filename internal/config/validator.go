package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/faultline/internal/fault"
)

// MaxBacktraceCapacity bounds backtrace.capacity. Each record holds 128
// program counters, so larger rings cost hundreds of megabytes.
const MaxBacktraceCapacity = 1 << 20

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateFault(&cfg.Fault)
	v.validateBacktrace(&cfg.Backtrace)
	v.validateDebug(&cfg.Debug)
	v.validateJournal(&cfg.Journal)
	v.validateCrashDump(&cfg.CrashDump)
	v.validateMonitor(&cfg.Monitor)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(cfg.Level)] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}

	if cfg.File != "" && !isValidPath(cfg.File) {
		v.addError("log.file", cfg.File, "invalid file path")
	}
}

func (v *Validator) validateFault(cfg *FaultConfig) {
	// The %e expansion is checked again by Setup; this only catches
	// templates that cannot fit whatever the program name is.
	if len(cfg.PanicAction) >= fault.PanicActionSize {
		v.addError("fault.panic_action", len(cfg.PanicAction),
			fmt.Sprintf("must be shorter than %d bytes", fault.PanicActionSize))
	}
	if strings.ContainsAny(cfg.Program, " \t\n") {
		v.addError("fault.program", cfg.Program, "must not contain whitespace")
	}
	if cfg.LogFile != "" && !isValidPath(cfg.LogFile) {
		v.addError("fault.log_file", cfg.LogFile, "invalid file path")
	}
}

func (v *Validator) validateBacktrace(cfg *BacktraceConfig) {
	if cfg.Capacity <= 0 || cfg.Capacity > MaxBacktraceCapacity {
		v.addError("backtrace.capacity", cfg.Capacity,
			fmt.Sprintf("must be between 1 and %d", MaxBacktraceCapacity))
	}
}

func (v *Validator) validateDebug(cfg *DebugConfig) {
	if cfg.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
			v.addError("debug.addr", cfg.Addr, "must be host:port")
		}
	}
	for _, origin := range cfg.CORSOrigins {
		if strings.TrimSpace(origin) == "" {
			v.addError("debug.cors_origins", origin, "origin cannot be empty")
		}
	}
}

func (v *Validator) validateJournal(cfg *JournalConfig) {
	if cfg.Path == "" {
		v.addError("journal.path", cfg.Path, "path required")
	} else if !isValidPath(cfg.Path) {
		v.addError("journal.path", cfg.Path, "invalid file path")
	}
}

func (v *Validator) validateCrashDump(cfg *CrashDumpConfig) {
	if cfg.Dir == "" {
		v.addError("crashdump.dir", cfg.Dir, "directory required")
	} else if !isValidPath(cfg.Dir) {
		v.addError("crashdump.dir", cfg.Dir, "invalid directory path")
	}
	if cfg.MaxFiles < 0 {
		v.addError("crashdump.max_files", cfg.MaxFiles, "must be non-negative")
	}
}

func (v *Validator) validateMonitor(cfg *MonitorConfig) {
	d, err := time.ParseDuration(cfg.Interval)
	if err != nil {
		v.addError("monitor.interval", cfg.Interval, "invalid duration format")
	} else if d < time.Second {
		v.addError("monitor.interval", cfg.Interval, "must be at least 1s")
	}
	if cfg.History <= 0 {
		v.addError("monitor.history", cfg.History, "must be positive")
	}
}

func isValidPath(path string) bool {
	dir := filepath.Dir(path)
	_, err := os.Stat(dir)
	return err == nil || os.IsNotExist(err)
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
