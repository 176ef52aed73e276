package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// Logger wraps slog.Logger with a shared sanitizer and an adjustable level.
type Logger struct {
	*slog.Logger
	sanitizer *Sanitizer
	level     *slog.LevelVar
}

// Config configures the logger.
type Config struct {
	Level     string
	Format    string // auto, text, json
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns the default logger configuration. Logs go to
// stderr so they interleave with the fault output written to fd 2.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Format:    "auto",
		Output:    os.Stderr,
		AddSource: false,
	}
}

// New creates a new logger.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))
	sanitizer := NewSanitizer()
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(cfg.Output, opts)
	case "text":
		handler = slog.NewTextHandler(cfg.Output, opts)
	default: // auto
		if isTerminal(cfg.Output) {
			handler = NewPrettyHandler(cfg.Output, level)
		} else {
			handler = slog.NewJSONHandler(cfg.Output, opts)
		}
	}

	return &Logger{
		Logger:    slog.New(NewSanitizingHandler(handler, sanitizer)),
		sanitizer: sanitizer,
		level:     level,
	}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		sanitizer: NewSanitizer(),
		level:     new(slog.LevelVar),
	}
}

// OpenFile opens path for appending log output. An empty path or "-"
// returns stderr and a no-op closer.
func OpenFile(path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return os.Stderr, func() error { return nil }, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, f.Close, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// SetLevel changes the level of this logger and every logger derived from
// it. Used when the configuration is reloaded.
func (l *Logger) SetLevel(level string) {
	l.level.Set(parseLevel(level))
}

// Level returns the current level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// WithComponent returns a logger tagged with a subsystem name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.With("component", name)
}

// WithSignal returns a logger tagged with a signal.
func (l *Logger) WithSignal(sig os.Signal) *Logger {
	return l.With("signal", sig.String())
}

// WithProgram returns a logger tagged with the program name and pid.
func (l *Logger) WithProgram(program string) *Logger {
	return l.With("program", program, "pid", os.Getpid())
}

// With returns a logger with custom fields.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger:    l.Logger.With(args...),
		sanitizer: l.sanitizer,
		level:     l.level,
	}
}

// Sanitizer returns the sanitizer used by this logger.
func (l *Logger) Sanitizer() *Sanitizer {
	return l.sanitizer
}

// Sanitize sanitizes a string using the logger's sanitizer.
func (l *Logger) Sanitize(input string) string {
	return l.sanitizer.Sanitize(input)
}
