package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/faultline/internal/logging"
)

func startWatcher(t *testing.T, content string) (string, <-chan *Config) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "faultline.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	loader := NewLoader().WithConfigFile(path)
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 4)
	w := NewWatcher(loader, func(c *Config) { reloaded <- c }, logging.NewNop().Logger).
		WithDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("watcher did not stop")
		}
	})
	// Let the watcher register before the test writes.
	time.Sleep(50 * time.Millisecond)
	return path, reloaded
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path, reloaded := startWatcher(t, "fault:\n  panic_action: before\n")

	if err := AtomicWrite(path, []byte("fault:\n  panic_action: after\n")); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Fault.PanicAction != "after" {
			t.Errorf("PanicAction = %q, want after", cfg.Fault.PanicAction)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}
}

func TestWatcher_SkipsInvalidConfig(t *testing.T) {
	path, reloaded := startWatcher(t, "log:\n  level: info\n")

	if err := AtomicWrite(path, []byte("log:\n  level: shouting\n")); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid config was delivered: %+v", cfg.Log)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcher_IdleWithoutConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	loader := NewLoader()
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := NewWatcher(loader, nil, nil).Run(ctx); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
