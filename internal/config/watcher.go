package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the bursts of events editors produce on save.
const DefaultDebounce = 200 * time.Millisecond

// ReloadFunc receives each successfully reloaded and validated config.
type ReloadFunc func(*Config)

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	loader   *Loader
	onReload ReloadFunc
	logger   *slog.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher for the file the loader last read.
func NewWatcher(loader *Loader, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		loader:   loader,
		onReload: onReload,
		logger:   logger,
		debounce: DefaultDebounce,
	}
}

// WithDebounce overrides the event coalescing window.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// Run blocks until ctx is done. Without a config file in use it only waits.
// The parent directory is watched so atomic renames over the file are seen.
func (w *Watcher) Run(ctx context.Context) error {
	path := w.loader.ConfigFile()
	if path == "" {
		w.logger.Debug("no config file in use, watcher idle")
		<-ctx.Done()
		return nil
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}
	w.logger.Info("watching config file", slog.String("path", path))

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Reload()
	if err != nil {
		w.logger.Error("config reload failed", slog.String("error", err.Error()))
		return
	}
	if err := ValidateConfig(cfg); err != nil {
		var verrs ValidationErrors
		if errors.As(err, &verrs) {
			for _, ve := range verrs {
				w.logger.Error("config reload rejected", slog.String("field", ve.Field), slog.String("reason", ve.Message))
			}
		} else {
			w.logger.Error("config reload rejected", slog.String("error", err.Error()))
		}
		return
	}
	w.logger.Info("config reloaded", slog.String("path", w.loader.ConfigFile()))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
