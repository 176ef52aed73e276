// Package debugserver exposes the fault subsystem's state over HTTP:
// backtrace registries, memory reports, the core dump policy, resource
// history and the fault journal.
package debugserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/faultline/internal/backtrace"
	"github.com/hugo-lorenzo-mato/faultline/internal/debugprobe"
	"github.com/hugo-lorenzo-mato/faultline/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/faultline/internal/journal"
	"github.com/hugo-lorenzo-mato/faultline/internal/memreport"
	"github.com/hugo-lorenzo-mato/faultline/internal/ownership"
	"github.com/hugo-lorenzo-mato/faultline/internal/procpolicy"
)

// PolicyReader is the read side of the core dump policy.
type PolicyReader interface {
	Limits() (procpolicy.Limits, error)
	Baseline() (procpolicy.Limits, bool)
	DumpableFlag() (bool, error)
}

// ProbeReader reports the debugger probe outcome.
type ProbeReader interface {
	State() debugprobe.State
}

// Server provides HTTP debug endpoints.
type Server struct {
	router chi.Router
	logger *slog.Logger

	// registries is fixed after New.
	registries map[string]*backtrace.Handle

	reporter    *memreport.Reporter
	policy      PolicyReader
	probe       ProbeReader
	monitor     *diagnostics.ResourceMonitor
	journal     *journal.Store
	panicFn     func()
	allowPanic  bool
	corsOrigins []string
	started     time.Time

	requests       *backtrace.Handle
	requestsParent *ownership.Context
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRegistry publishes a backtrace registry under name.
func WithRegistry(name string, h *backtrace.Handle) Option {
	return func(s *Server) { s.registries[name] = h }
}

// WithReporter sets the memory reporter, for example one with a process
// memory header.
func WithReporter(r *memreport.Reporter) Option {
	return func(s *Server) {
		if r != nil {
			s.reporter = r
		}
	}
}

// WithPolicy publishes the core dump policy.
func WithPolicy(p PolicyReader) Option {
	return func(s *Server) { s.policy = p }
}

// WithProbe publishes the debugger probe state.
func WithProbe(p ProbeReader) Option {
	return func(s *Server) { s.probe = p }
}

// WithMonitor publishes resource history.
func WithMonitor(m *diagnostics.ResourceMonitor) Option {
	return func(s *Server) { s.monitor = m }
}

// WithJournal publishes the fault journal.
func WithJournal(j *journal.Store) Option {
	return func(s *Server) { s.journal = j }
}

// WithPanicTrigger enables POST /debug/panic, which calls fn.
func WithPanicTrigger(fn func()) Option {
	return func(s *Server) {
		s.panicFn = fn
		s.allowPanic = fn != nil
	}
}

// WithCORSOrigins allows browser dashboards on these origins. Without it
// cross-origin requests are refused.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithRequestTracking gives every request an ownership context under
// parent with a backtrace marker in h, and publishes h as "requests". It
// is ignored in builds without backtrace support.
func WithRequestTracking(h *backtrace.Handle, parent *ownership.Context) Option {
	return func(s *Server) {
		if !backtrace.Supported || h == nil {
			return
		}
		s.requests = h
		s.requestsParent = parent
		s.registries["requests"] = h
	}
}

// New creates a debug server.
func New(opts ...Option) *Server {
	s := &Server{
		logger:     slog.Default(),
		registries: make(map[string]*backtrace.Handle),
		reporter:   &memreport.Reporter{},
		started:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.loggingMiddleware)
	if s.requests != nil {
		r.Use(s.trackingMiddleware)
	}

	// An empty origin list means "*" to cors, so the middleware is only
	// installed when origins are configured.
	if len(s.corsOrigins) > 0 {
		corsHandler := cors.New(cors.Options{
			AllowedOrigins:   s.corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
			AllowCredentials: false,
			MaxAge:           300,
		})
		r.Use(corsHandler.Handler)
	}

	r.Get("/healthz", s.handleHealth)

	r.Route("/debug", func(r chi.Router) {
		r.Get("/backtraces", s.handleBacktraces)
		r.Get("/backtraces/registries", s.handleRegistries)
		r.Get("/backtraces/{registry}", s.handleBacktraces)
		r.Get("/memreport", s.handleMemReport)
		r.Get("/policy", s.handlePolicy)
		r.Get("/resources", s.handleResources)
		r.Get("/faults", s.handleFaults)
		r.Post("/panic", s.handlePanic)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) trackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		obj := ownership.New(s.requestsParent, r.Method+" "+r.URL.Path, 0)
		if _, err := backtrace.Attach(s.requests, obj); err != nil {
			s.logger.Warn("request tracking", "error", err)
		}
		defer func() { _ = obj.Free() }()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) registryNames() []string {
	names := make([]string, 0, len(s.registries))
	for name := range s.registries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) registry(name string) (*backtrace.Handle, bool) {
	h, ok := s.registries[name]
	return h, ok
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting debug server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
