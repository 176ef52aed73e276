package debugserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/faultline/internal/backtrace"
	"github.com/hugo-lorenzo-mato/faultline/internal/debugprobe"
	"github.com/hugo-lorenzo-mato/faultline/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/faultline/internal/journal"
	"github.com/hugo-lorenzo-mato/faultline/internal/logging"
	"github.com/hugo-lorenzo-mato/faultline/internal/ownership"
	"github.com/hugo-lorenzo-mato/faultline/internal/procpolicy"
)

type fakePolicy struct {
	limits   procpolicy.Limits
	limitErr error
	dumpable bool
}

func (f *fakePolicy) Limits() (procpolicy.Limits, error) { return f.limits, f.limitErr }
func (f *fakePolicy) Baseline() (procpolicy.Limits, bool) {
	return procpolicy.Limits{Soft: 0, Hard: procpolicy.Unlimited}, true
}
func (f *fakePolicy) DumpableFlag() (bool, error) { return f.dumpable, nil }

type fakeProbe struct{ state debugprobe.State }

func (f fakeProbe) State() debugprobe.State { return f.state }

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(logging.NewNop().Logger)}, opts...)
	return New(opts...)
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(t), http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func trackedHandle(t *testing.T) (*backtrace.Handle, uintptr) {
	t.Helper()
	h := &backtrace.Handle{Capacity: 8}
	obj := ownership.New(nil, "conn", 16)
	_, err := backtrace.Attach(h, obj)
	require.NoError(t, err)
	addr := obj.Addr()
	require.NoError(t, obj.Free())
	return h, addr
}

func TestBacktraces(t *testing.T) {
	if !backtrace.Supported {
		t.Skip("built without backtrace support")
	}
	h, addr := trackedHandle(t)
	s := newTestServer(t, WithRegistry("conns", h))

	rec := do(t, s, http.MethodGet, "/debug/backtraces")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "== conns ==")
	assert.Contains(t, rec.Body.String(), "Stacktrace for:")

	rec = do(t, s, http.MethodGet, fmt.Sprintf("/debug/backtraces/conns?addr=%#x", addr))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "Stacktrace for:"))

	rec = do(t, s, http.MethodGet, "/debug/backtraces?addr=0xdeadbeef")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "No backtrace available for 0xdeadbeef")

	rec = do(t, s, http.MethodGet, "/debug/backtraces?addr=zzz")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/debug/backtraces/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegistries(t *testing.T) {
	s := newTestServer(t, WithRegistry("b", &backtrace.Handle{}), WithRegistry("a", &backtrace.Handle{}))

	rec := do(t, s, http.MethodGet, "/debug/backtraces/registries")
	require.Equal(t, http.StatusOK, rec.Code)

	var infos []registryInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Name)
	assert.Zero(t, infos[0].Records)
}

func TestRequestTracking(t *testing.T) {
	if !backtrace.Supported {
		t.Skip("built without backtrace support")
	}
	h := &backtrace.Handle{Capacity: 16}
	s := newTestServer(t, WithRequestTracking(h, nil))

	do(t, s, http.MethodGet, "/healthz")
	do(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, 2, h.Len())

	rec := do(t, s, http.MethodGet, "/debug/backtraces/requests")
	assert.Contains(t, rec.Body.String(), "trackingMiddleware")
}

func TestMemReport(t *testing.T) {
	rec := do(t, newTestServer(t), http.MethodGet, "/debug/memreport")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "Current state of allocated memory:"))
}

func TestPolicy(t *testing.T) {
	p := &fakePolicy{limits: procpolicy.Limits{Soft: 0, Hard: procpolicy.Unlimited}, dumpable: true}
	s := newTestServer(t, WithPolicy(p), WithProbe(fakeProbe{state: debugprobe.Absent}))

	rec := do(t, s, http.MethodGet, "/debug/policy")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp policyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.CoreLimit)
	assert.Equal(t, procpolicy.Unlimited, resp.CoreLimit.Hard)
	assert.Equal(t, "soft=0 hard=unlimited", resp.CoreLimitText)
	require.NotNil(t, resp.Dumpable)
	assert.True(t, *resp.Dumpable)
	assert.Equal(t, debugprobe.Absent.String(), resp.Debugger)
	assert.Empty(t, resp.Errors)
}

func TestPolicy_ErrorsReported(t *testing.T) {
	s := newTestServer(t, WithPolicy(&fakePolicy{limitErr: errors.New("getrlimit failed")}))

	rec := do(t, s, http.MethodGet, "/debug/policy")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "getrlimit failed")
}

func TestOptionalEndpointsWithoutBackends(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/debug/policy", "/debug/resources", "/debug/faults"} {
		assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, path).Code, path)
	}
}

func TestResources(t *testing.T) {
	m := diagnostics.NewResourceMonitor(time.Second, diagnostics.Thresholds{}, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer cancel()
	require.Eventually(t, func() bool { _, ok := m.GetLatest(); return ok }, time.Second, 10*time.Millisecond)

	rec := do(t, newTestServer(t, WithMonitor(m)), http.MethodGet, "/debug/resources")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"history"`)
	assert.Contains(t, rec.Body.String(), `"uptime"`)
}

func TestFaults(t *testing.T) {
	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	_, err = store.Record(ctx, journal.Entry{Kind: journal.KindSignal, Signal: "bus error"})
	require.NoError(t, err)
	_, err = store.Record(ctx, journal.Entry{Kind: journal.KindPanic})
	require.NoError(t, err)

	s := newTestServer(t, WithJournal(store))

	rec := do(t, s, http.MethodGet, "/debug/faults?kind=signal")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []journal.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "bus error", entries[0].Signal)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/debug/faults?limit=-1").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/debug/faults?since=yesterday").Code)
}

func TestPanic_DisabledByDefault(t *testing.T) {
	rec := do(t, newTestServer(t), http.MethodPost, "/debug/panic")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPanic_Triggers(t *testing.T) {
	var calls atomic.Int32
	s := newTestServer(t, WithPanicTrigger(func() { calls.Add(1) }))

	rec := do(t, s, http.MethodPost, "/debug/panic")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/debug/panic").Code)
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, WithCORSOrigins([]string{"http://dash.local"}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://dash.local")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://dash.local", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.local")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_NoOriginsNoHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://dash.local")
	rec := httptest.NewRecorder()
	newTestServer(t).Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestListenAndServe_Shutdown(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down")
	}
}
