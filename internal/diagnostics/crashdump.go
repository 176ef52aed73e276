package diagnostics

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"

	"github.com/hugo-lorenzo-mato/faultline/internal/fsutil"
)

// Dump kinds.
const (
	KindSignal = "signal"
	KindPanic  = "panic"
	KindChild  = "child"
)

// CrashDump contains all information captured for one fault.
type CrashDump struct {
	// Metadata
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	ProcessID int       `json:"process_id"`
	Program   string    `json:"program,omitempty"`
	GoVersion string    `json:"go_version"`
	GOOS      string    `json:"goos"`
	GOARCH    string    `json:"goarch"`

	// Fault information
	Signal     string `json:"signal,omitempty"`
	PanicValue string `json:"panic_value,omitempty"`
	StackTrace string `json:"stack_trace,omitempty"`

	// Child process, for KindChild
	Child *ChildExit `json:"child,omitempty"`

	// System state at crash
	Hardware        HardwareInfo       `json:"hardware"`
	System          *SystemMetrics     `json:"system,omitempty"`
	ResourceState   ResourceSnapshot   `json:"resource_state"`
	ResourceHistory []ResourceSnapshot `json:"resource_history,omitempty"`

	WorkDir     string            `json:"work_dir,omitempty"`
	RedactedEnv map[string]string `json:"redacted_env,omitempty"`

	// Path is set when the dump is loaded from disk.
	Path string `json:"-"`
}

// ChildExit describes how a supervised child ended.
type ChildExit struct {
	Path         string        `json:"path"`
	Args         []string      `json:"args,omitempty"`
	ExitCode     int           `json:"exit_code"`
	Signal       string        `json:"signal,omitempty"`
	SignalNumber int           `json:"signal_number,omitempty"`
	Duration     time.Duration `json:"duration"`
	StderrTail   string        `json:"stderr_tail,omitempty"`
}

// Abnormal reports whether the child was killed by a signal.
func (c *ChildExit) Abnormal() bool {
	return c.Signal != ""
}

// CrashDumpWriter handles crash dump generation and persistence.
type CrashDumpWriter struct {
	dir        string
	maxFiles   int
	includeEnv bool
	logger     *slog.Logger
	monitor    *ResourceMonitor
	metrics    *SystemMetricsCollector

	program atomic.Value // string

	mu sync.Mutex // Protects file operations
	// seq disambiguates dumps written within the same nanosecond tick on
	// coarse clocks.
	seq int
}

// DefaultCrashDumpDir is used when no directory is configured.
const DefaultCrashDumpDir = ".faultline/crashdumps"

// NewCrashDumpWriter creates a crash dump writer. monitor and metrics may
// be nil.
func NewCrashDumpWriter(
	dir string,
	maxFiles int,
	includeEnv bool,
	logger *slog.Logger,
	monitor *ResourceMonitor,
	metrics *SystemMetricsCollector,
) *CrashDumpWriter {
	if maxFiles <= 0 {
		maxFiles = 10
	}
	if dir == "" {
		dir = DefaultCrashDumpDir
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &CrashDumpWriter{
		dir:        dir,
		maxFiles:   maxFiles,
		includeEnv: includeEnv,
		logger:     logger,
		monitor:    monitor,
		metrics:    metrics,
	}
	w.program.Store("")
	return w
}

// Dir returns the dump directory.
func (w *CrashDumpWriter) Dir() string {
	return w.dir
}

// SetProgram records the program name written into every dump.
func (w *CrashDumpWriter) SetProgram(name string) {
	w.program.Store(name)
}

// WriteSignalDump writes a dump for a caught signal with every goroutine's
// stack.
func (w *CrashDumpWriter) WriteSignalDump(sig os.Signal) (string, error) {
	dump := w.base(KindSignal)
	dump.Signal = sig.String()
	dump.StackTrace = allStacks()
	return w.write(dump)
}

// WriteCrashDump writes a dump for a recovered panic value.
func (w *CrashDumpWriter) WriteCrashDump(panicValue interface{}) (string, error) {
	dump := w.base(KindPanic)
	dump.PanicValue = fmt.Sprintf("%v", panicValue)
	dump.StackTrace = string(debug.Stack())
	return w.write(dump)
}

// WriteChildDump writes a dump for a supervised child that ended abnormally.
func (w *CrashDumpWriter) WriteChildDump(child *ChildExit) (string, error) {
	dump := w.base(KindChild)
	dump.Child = child
	dump.Signal = child.Signal
	return w.write(dump)
}

func (w *CrashDumpWriter) base(kind string) *CrashDump {
	dump := &CrashDump{
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		ProcessID: os.Getpid(),
		GoVersion: runtime.Version(),
		GOOS:      runtime.GOOS,
		GOARCH:    runtime.GOARCH,
		Hardware:  Hardware(),
	}
	if p, ok := w.program.Load().(string); ok {
		dump.Program = p
	}
	if wd, err := os.Getwd(); err == nil {
		dump.WorkDir = wd
	}
	if w.monitor != nil {
		dump.ResourceState = w.monitor.TakeSnapshot()
		dump.ResourceHistory = w.monitor.GetHistory()
	}
	if w.metrics != nil {
		m := w.metrics.Collect()
		dump.System = &m
	}
	if w.includeEnv {
		dump.RedactedEnv = redactEnvironment(os.Environ())
	}
	return dump
}

func (w *CrashDumpWriter) write(dump *CrashDump) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return "", fmt.Errorf("creating crash dump dir: %w", err)
	}

	w.seq++
	filename := fmt.Sprintf("crash-%s-%d-%d.json",
		dump.Timestamp.Format("2006-01-02T15-04-05.000000000"), dump.ProcessID, w.seq)
	path := filepath.Join(w.dir, filename)

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling crash dump: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing crash dump: %w", err)
	}

	w.cleanupOldDumps()
	return path, nil
}

// cleanupOldDumps removes the oldest dumps beyond maxFiles.
func (w *CrashDumpWriter) cleanupOldDumps() {
	dumps, err := listDumps(w.dir)
	if err != nil {
		return
	}
	for len(dumps) > w.maxFiles {
		if err := os.Remove(dumps[0].path); err != nil {
			w.logger.Warn("failed to remove old crash dump", "path", dumps[0].path, "error", err)
		}
		dumps = dumps[1:]
	}
}

type dumpFile struct {
	path string
	mod  time.Time
}

// listDumps returns dump files oldest first. Names embed the timestamp, so
// ties on modification time fall back to name order.
func listDumps(dir string) ([]dumpFile, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var dumps []dumpFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "crash-") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dumps = append(dumps, dumpFile{path: filepath.Join(dir, e.Name()), mod: info.ModTime()})
	}
	sort.Slice(dumps, func(i, j int) bool {
		if !dumps[i].mod.Equal(dumps[j].mod) {
			return dumps[i].mod.Before(dumps[j].mod)
		}
		return dumps[i].path < dumps[j].path
	})
	return dumps, nil
}

var sensitiveEnvSubstrings = []string{
	"TOKEN", "KEY", "SECRET", "PASSWORD", "CREDENTIAL",
	"AUTH", "PRIVATE", "API_KEY", "APIKEY",
}

func redactEnvironment(environ []string) map[string]string {
	result := make(map[string]string, len(environ))
	for _, env := range environ {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		upper := strings.ToUpper(key)
		for _, s := range sensitiveEnvSubstrings {
			if strings.Contains(upper, s) {
				value = "[REDACTED]"
				break
			}
		}
		result[key] = value
	}
	return result
}

func allStacks() string {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	return string(buf[:n])
}

// ErrNoDumps is returned when a dump directory holds no crash dumps.
var ErrNoDumps = errors.New("no crash dumps found")

// ListCrashDumps loads every dump in dir, newest first.
func ListCrashDumps(dir string) ([]*CrashDump, error) {
	files, err := listDumps(dir)
	if err != nil {
		return nil, fmt.Errorf("reading crash dump dir: %w", err)
	}
	dumps := make([]*CrashDump, 0, len(files))
	for i := len(files) - 1; i >= 0; i-- {
		d, err := LoadCrashDump(files[i].path)
		if err != nil {
			return nil, err
		}
		dumps = append(dumps, d)
	}
	return dumps, nil
}

// LoadLatestCrashDump loads the most recent crash dump from the directory.
func LoadLatestCrashDump(dir string) (*CrashDump, error) {
	files, err := listDumps(dir)
	if err != nil {
		return nil, fmt.Errorf("reading crash dump dir: %w", err)
	}
	if len(files) == 0 {
		return nil, ErrNoDumps
	}
	return LoadCrashDump(files[len(files)-1].path)
}

// maxDumpSize bounds how much of a dump file is read back.
const maxDumpSize = 64 << 20

// LoadCrashDump reads one dump file.
func LoadCrashDump(path string) (*CrashDump, error) {
	var dump CrashDump
	if err := fsutil.ReadJSON(path, &dump, maxDumpSize); err != nil {
		return nil, fmt.Errorf("loading crash dump: %w", err)
	}
	dump.Path = path
	if abs, err := filepath.Abs(path); err == nil {
		dump.Path = abs
	}
	return &dump, nil
}
