package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/faultline/internal/backtrace"
	"github.com/hugo-lorenzo-mato/faultline/internal/config"
	"github.com/hugo-lorenzo-mato/faultline/internal/debugserver"
	"github.com/hugo-lorenzo-mato/faultline/internal/fault"
	"github.com/hugo-lorenzo-mato/faultline/internal/ownership"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fault handler with the debug server",
	Long: `Install the fault handlers and keep running until interrupted.

The debug server publishes backtraces, memory reports, the core dump policy,
resource history and the fault journal. The config file is watched and the
panic action is replaced when it changes.

Send SIGUSR1 to run the panic protocol without exiting and SIGUSR2 for a
memory report.

Examples:
  # Serve with the configured address (default 127.0.0.1:6061)
  faultline serve

  # Attach gdb to the process on a fatal signal
  faultline serve --panic-action 'gdb -p %p -batch -ex "thread apply all bt"'

  # Serve without the HTTP endpoints
  faultline serve --addr ''`,
	RunE: runServe,
}

var (
	serveAddr        string
	servePanicAction string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "",
		"debug server address (overrides debug.addr; empty disables with --addr '')")
	serveCmd.Flags().StringVar(&servePanicAction, "panic-action", "",
		"panic action (overrides fault.panic_action)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := *appConfig
	if cmd.Flags().Changed("addr") {
		cfg.Debug.Addr = serveAddr
	}
	if cmd.Flags().Changed("panic-action") {
		cfg.Fault.PanicAction = servePanicAction
	}
	logger := appLogger

	stack, err := newFaultStack(&cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := stack.Close(); closeErr != nil {
			logger.Warn("closing fault handler", slog.String("error", closeErr.Error()))
		}
	}()
	// Setup runs on this goroutine, so panic_on_fault applies here.
	defer stack.controller.Recover()

	if err := stack.install(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := ownership.New(nil, "faultline serve", 0)
	defer func() { _ = root.Free() }()
	requests := &backtrace.Handle{Capacity: cfg.Backtrace.Capacity}

	opts := []debugserver.Option{
		debugserver.WithLogger(logger.WithComponent("debug").Logger),
		debugserver.WithReporter(stack.reporter),
		debugserver.WithPolicy(stack.policy),
		debugserver.WithProbe(stack.probe),
		debugserver.WithMonitor(stack.monitor),
		debugserver.WithJournal(stack.journal),
		debugserver.WithCORSOrigins(cfg.Debug.CORSOrigins),
		debugserver.WithRequestTracking(requests, root),
	}
	if cfg.Debug.AllowPanic {
		opts = append(opts, debugserver.WithPanicTrigger(func() {
			stack.controller.OnFault(fault.PanicSignal())
		}))
	}
	server := debugserver.New(opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(stack.guard(func() error {
		return stack.monitor.Run(gctx)
	}))
	g.Go(stack.guard(func() error {
		onReload := func(next *config.Config) {
			if cmd.Flags().Changed("panic-action") {
				next.Fault.PanicAction = servePanicAction
			}
			stack.apply(next)
		}
		return config.NewWatcher(appLoader, onReload, logger.WithComponent("config").Logger).Run(gctx)
	}))
	if cfg.Debug.Addr != "" {
		g.Go(stack.guard(func() error {
			return server.ListenAndServe(gctx, cfg.Debug.Addr)
		}))
	}

	logger.Info("faultline running",
		slog.Int("pid", os.Getpid()),
		slog.String("program", stack.program),
		slog.String("debug_addr", cfg.Debug.Addr),
		slog.String("journal", stack.journal.Path()),
		slog.String("panic_action", stack.controller.PanicAction()),
	)

	err = g.Wait()
	logger.Info("faultline stopped")
	return err
}
