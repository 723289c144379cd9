package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceInterval is the quiet period after the last change of the
// config file before it is reloaded
const DefaultDebounceInterval = 500 * time.Millisecond

// ConfigWatcher reloads the configuration file when it changes and hands the
// parsed result to onChange. Invalid files are logged and skipped.
type ConfigWatcher struct {
	path     string
	onChange func(*Config) error
	logger   *slog.Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewConfigWatcher creates a watcher for the config file at path
func NewConfigWatcher(path string, onChange func(*Config) error, logger *slog.Logger) *ConfigWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigWatcher{
		path:     filepath.Clean(expandPath(path)),
		onChange: onChange,
		logger:   logger,
		debounce: DefaultDebounceInterval,
	}
}

// Run watches until ctx is done. The directory is watched rather than the
// file so that editors replacing the file are noticed.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.logger.Info("watching configuration", "file", w.path)

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("configuration changed", "file", event.Name, "op", event.Op.String())
			w.scheduleReload(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func (w *ConfigWatcher) scheduleReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.reload()
	})
}

func (w *ConfigWatcher) reload() {
	cfg, err := ParseConfig(w.path)
	if err != nil {
		w.logger.Error("ignoring invalid configuration", "file", w.path, "error", err)
		return
	}
	if err := w.onChange(cfg); err != nil {
		w.logger.Error("failed to apply configuration", "file", w.path, "error", err)
		return
	}
	w.logger.Info("configuration reloaded", "file", w.path, "endpoints", len(cfg.Endpoints))
}
