package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports changes to a file on disk.
// The override table is a startup snapshot, so the watcher only notifies;
// it never reloads anything itself.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(path string)
	logger   *slog.Logger
}

// NewWatcher creates a watcher for path.
// The parent directory is watched so editors that replace the file are seen.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:    abs,
		watcher: watcher,
		logger:  logger,
	}, nil
}

// OnChange registers a callback to be called when the file changes
func (w *Watcher) OnChange(fn func(path string)) {
	w.onChange = fn
}

// Start blocks until ctx is canceled, invoking the callback after each
// debounced burst of writes to the watched file.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting file watcher", "path", w.path)

	// Editors often write multiple times
	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("File watcher stopped", "path", w.path)
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				debounceTimer.Reset(debounceDelay)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("File watcher error", "error", err)

		case <-debounceTimer.C:
			if w.onChange != nil {
				w.onChange(w.path)
			}
		}
	}
}

// Close stops the watcher
func (w *Watcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
