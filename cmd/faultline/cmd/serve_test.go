//go:build linux || darwin

package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/faultline/internal/testutil"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		return 0, err.Error()
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestServe_EndpointsAndShutdown(t *testing.T) {
	testEnv(t, "coredump:\n  enabled: true\ndebug:\n  allow_panic: true\nmonitor:\n  interval: 1s\n")
	addr := freeAddr(t)
	base := "http://" + addr

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := executeCommandContext(t, ctx, "serve", "--addr", addr, "--panic-action", "true")
		done <- err
	}()

	require.Eventually(t, func() bool {
		code, _ := httpGet(t, base+"/healthz")
		return code == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)

	code, body := httpGet(t, base+"/debug/policy")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "core_limit")

	code, body = httpGet(t, base+"/debug/memreport")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "Current state of allocated memory:")
	assert.Contains(t, body, "Process: rss")

	code, _ = httpGet(t, base+"/debug/resources")
	assert.Equal(t, http.StatusOK, code)

	resp, err := http.Post(base+"/debug/panic", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, body := httpGet(t, base+"/debug/faults?kind=signal")
		return len(body) > 3
	}, 10*time.Second, 50*time.Millisecond, "advisory panic is journaled")

	code, body = httpGet(t, base+"/debug/backtraces/requests")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "== requests ==")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

// startServe runs serve until ctx is cancelled and waits for the debug
// server to answer.
func startServe(t *testing.T, ctx context.Context, addr string) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := executeCommandContext(t, ctx, "serve", "--addr", addr, "--panic-action", "true")
		done <- err
	}()
	require.Eventually(t, func() bool {
		code, _ := httpGet(t, "http://"+addr+"/healthz")
		return code == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)
	return done
}

func TestServe_SecondRunGetsFreshContext(t *testing.T) {
	testEnv(t, "coredump:\n  enabled: true\n")

	first, cancelFirst := context.WithCancel(context.Background())
	done := startServe(t, first, freeAddr(t))
	cancelFirst()
	require.NoError(t, <-done)

	second, cancelSecond := context.WithCancel(context.Background())
	defer cancelSecond()
	addr := freeAddr(t)
	done = startServe(t, second, addr)

	// A run bound to the cancelled context stops right after starting.
	time.Sleep(500 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("serve stopped early: %v", err)
	default:
	}
	code, _ := httpGet(t, "http://"+addr+"/healthz")
	assert.Equal(t, http.StatusOK, code)

	cancelSecond()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServe_ReloadsPanicAction(t *testing.T) {
	dir := testEnv(t, "coredump:\n  enabled: true\nfault:\n  panic_action: \"true\"\n")
	addr := freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan string, 1)
	go func() {
		out, _ := executeCommandContext(t, ctx, "serve", "--addr", addr)
		done <- out
	}()

	require.Eventually(t, func() bool {
		code, _ := httpGet(t, fmt.Sprintf("http://%s/healthz", addr))
		return code == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)

	path := filepath.Join(dir, ".faultline.yaml")
	require.NoError(t, os.WriteFile(path,
		[]byte("coredump:\n  enabled: true\nfault:\n  panic_action: \"echo %e\"\n"), 0o600))

	// The watcher debounces; give it time before stopping.
	time.Sleep(time.Second)
	cancel()

	select {
	case out := <-done:
		assert.Contains(t, out, "panic action updated")
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServe_InvalidPanicActionFails(t *testing.T) {
	dir := testEnv(t, "")
	script := testutil.WriteFile(t, dir, "on-panic.sh", "#!/bin/sh\n", 0o777)

	_, err := executeCommand(t, "serve", "--addr", "", "--panic-action", script)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "installing fault handlers")
}
