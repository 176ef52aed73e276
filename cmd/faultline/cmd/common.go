package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/hugo-lorenzo-mato/faultline/internal/config"
	"github.com/hugo-lorenzo-mato/faultline/internal/debugprobe"
	"github.com/hugo-lorenzo-mato/faultline/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/faultline/internal/fault"
	"github.com/hugo-lorenzo-mato/faultline/internal/journal"
	"github.com/hugo-lorenzo-mato/faultline/internal/logging"
	"github.com/hugo-lorenzo-mato/faultline/internal/memreport"
	"github.com/hugo-lorenzo-mato/faultline/internal/procpolicy"
)

// journalTimeout bounds journal writes made from the fault path.
const journalTimeout = 2 * time.Second

// faultExit ends the process once a fatal fault has been handled.
var faultExit = os.Exit

// faultStack is the set of components a command needs to handle faults.
type faultStack struct {
	cfg     *config.Config
	logger  *logging.Logger
	program string

	policy     *procpolicy.Policy
	probe      *debugprobe.Probe
	metrics    *diagnostics.SystemMetricsCollector
	reporter   *memreport.Reporter
	monitor    *diagnostics.ResourceMonitor
	dumps      *diagnostics.CrashDumpWriter
	journal    *journal.Store
	executor   *diagnostics.SafeExecutor
	controller *fault.Controller

	// lastEntry is the journal entry of the fault being handled, so the
	// panic action's exit code can be attached to it.
	lastEntry atomic.Pointer[string]

	closers []func() error
}

// newFaultStack builds the components from cfg. Nothing is installed until
// install is called.
func newFaultStack(cfg *config.Config, logger *logging.Logger) (*faultStack, error) {
	s := &faultStack{
		cfg:     cfg,
		logger:  logger,
		program: programName(cfg),
		policy:  procpolicy.New(),
		probe:   debugprobe.New(),
		metrics: diagnostics.NewSystemMetricsCollector(),
	}
	s.reporter = &memreport.Reporter{Header: s.metrics.MemoryHeader()}

	interval, err := time.ParseDuration(cfg.Monitor.Interval)
	if err != nil {
		return nil, fmt.Errorf("parsing monitor interval: %w", err)
	}
	s.monitor = diagnostics.NewResourceMonitor(interval, diagnostics.DefaultThresholds,
		cfg.Monitor.History, logger.WithComponent("monitor").Logger)

	s.dumps = diagnostics.NewCrashDumpWriter(cfg.CrashDump.Dir, cfg.CrashDump.MaxFiles,
		cfg.CrashDump.IncludeEnv, logger.WithComponent("crashdump").Logger, s.monitor, s.metrics)
	s.dumps.SetProgram(s.program)

	// Fault-path writes must finish inside journalTimeout.
	store, err := journal.Open(cfg.Journal.Path, journal.WithRetry(3, 20*time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	s.journal = store
	s.closers = append(s.closers, store.Close)

	s.executor = diagnostics.NewSafeExecutor(s.monitor, s.dumps,
		logger.WithComponent("exec").Logger, true, 10)

	opts := []fault.Option{
		fault.WithLogger(logger.WithComponent("fault").Logger),
		fault.WithPolicy(s.policy),
		fault.WithRunner(journalingRunner{stack: s}),
		fault.WithReporter(s.reporter),
		fault.WithCallback(s.onFault),
		fault.WithExitFunc(func(code int) { faultExit(code) }),
		fault.WithCrashOutput(cfg.Fault.CrashOutput),
		fault.WithPanicOnFault(cfg.Fault.PanicOnFault),
	}
	if cfg.Fault.LogFile != "" {
		f, err := os.OpenFile(cfg.Fault.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("opening fault log: %w", err)
		}
		s.closers = append(s.closers, f.Close)
		opts = append(opts,
			fault.WithLogFD(int(f.Fd())),
			fault.WithLogFunc(logging.FaultSink(f, logger.Sanitizer())))
	}
	s.controller = fault.New(opts...)
	return s, nil
}

// install captures the core limit baseline, applies the configured core
// dump policy and installs the fault handlers with the configured panic
// action.
func (s *faultStack) install() error {
	if err := s.policy.CaptureBaseline(); err != nil {
		s.logger.Warn("capturing core limit baseline", slog.String("error", err.Error()))
	} else if err := s.policy.SetCoreDumpsEnabled(s.cfg.CoreDump.Enabled); err != nil {
		s.logger.Warn("applying core dump policy", slog.String("error", err.Error()))
	}

	if err := s.controller.Setup(s.cfg.Fault.PanicAction, s.program); err != nil {
		return fmt.Errorf("installing fault handlers: %w", err)
	}
	return nil
}

// apply re-runs Setup and the log level after a config reload. The program
// name is fixed for the life of the process.
func (s *faultStack) apply(cfg *config.Config) {
	s.logger.SetLevel(cfg.Log.Level)
	if err := s.controller.Setup(cfg.Fault.PanicAction, s.program); err != nil {
		s.logger.Error("panic action rejected", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("panic action updated", slog.String("panic_action", s.controller.PanicAction()))
}

// onFault is the pre-panic callback: write a crash dump, then journal it.
// A panic recovered by the controller gets a panic dump with its value;
// a delivered signal gets a signal dump. A dump that cannot be written
// skips the panic action; a journal failure is only logged.
func (s *faultStack) onFault(sig os.Signal) error {
	s.lastEntry.Store(nil)

	entry := journal.Entry{
		Kind:        journal.KindSignal,
		Signal:      sig.String(),
		Program:     s.program,
		PanicAction: s.controller.PanicAction(),
	}
	var err error
	if v, ok := s.controller.RecoveredPanic(); ok {
		entry.Kind = journal.KindPanic
		entry.Message = fmt.Sprint(v)
		entry.DumpPath, err = s.dumps.WriteCrashDump(v)
	} else {
		entry.DumpPath, err = s.dumps.WriteSignalDump(sig)
	}
	if err != nil {
		return fmt.Errorf("writing crash dump: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	recorded, err := s.journal.Record(ctx, entry)
	if err != nil {
		s.logger.Error("journaling fault", slog.String("error", err.Error()))
		return nil
	}
	s.lastEntry.Store(&recorded.ID)
	return nil
}

// Close releases the controller, the fault log and the journal.
func (s *faultStack) Close() error {
	var errs []error
	if s.controller != nil {
		errs = append(errs, s.controller.Close())
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// guard runs fn under the controller's Recover, so a panic in fn, including
// a memory fault turned into a panic by fault.panic_on_fault, runs the
// panic protocol.
func (s *faultStack) guard(fn func() error) func() error {
	return func() error {
		defer s.controller.Recover()
		return fn()
	}
}

// journalingRunner runs the panic action through the safe executor and
// stores its exit code on the fault's journal entry.
type journalingRunner struct {
	stack *faultStack
}

func (r journalingRunner) Run(command string) (int, error) {
	code, err := r.stack.executor.Run(command)
	if id := r.stack.lastEntry.Load(); id != nil {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		defer cancel()
		if jerr := r.stack.journal.SetExitCode(ctx, *id, code); jerr != nil {
			r.stack.logger.Error("journaling exit code", slog.String("error", jerr.Error()))
		}
	}
	return code, err
}

// loadStack builds a fault stack from the loaded configuration.
func loadStack() (*faultStack, error) {
	if appConfig == nil || appLogger == nil {
		return nil, errors.New("configuration not loaded")
	}
	return newFaultStack(appConfig, appLogger)
}
