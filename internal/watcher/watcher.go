// Package watcher reports external modifications of individual files.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDelay is how long a file must stay quiet before it is reported.
const DefaultDelay = 250 * time.Millisecond

// ChangeFunc is called from the Run goroutine with the path of a changed file.
type ChangeFunc func(path string)

// Watcher watches the parent directories of tracked files, so atomic
// replacements by rename are seen, and reports each tracked file once per
// burst of events.
type Watcher struct {
	fs       *fsnotify.Watcher
	logger   *slog.Logger
	delay    time.Duration
	onChange ChangeFunc

	mu    sync.Mutex
	files map[string]bool
	dirs  map[string]int
}

// New creates a watcher. Nothing is reported until Run is called.
func New(logger *slog.Logger, delay time.Duration, onChange ChangeFunc) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Watcher{
		fs:       fw,
		logger:   logger.With(slog.String("component", "watcher")),
		delay:    delay,
		onChange: onChange,
		files:    make(map[string]bool),
		dirs:     make(map[string]int),
	}, nil
}

// Watch starts reporting changes of path.
func (w *Watcher) Watch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.files[path] {
		return nil
	}
	dir := filepath.Dir(path)
	if w.dirs[dir] == 0 {
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("watcher: watch %s: %w", dir, err)
		}
	}
	w.dirs[dir]++
	w.files[path] = true
	w.logger.Debug("watching", slog.String("path", path))
	return nil
}

// Unwatch stops reporting changes of path.
func (w *Watcher) Unwatch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.files[path] {
		return nil
	}
	delete(w.files, path)
	dir := filepath.Dir(path)
	w.dirs[dir]--
	if w.dirs[dir] > 0 {
		return nil
	}
	delete(w.dirs, dir)
	if err := w.fs.Remove(dir); err != nil {
		return fmt.Errorf("watcher: unwatch %s: %w", dir, err)
	}
	return nil
}

func (w *Watcher) tracked(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files[path]
}

// Run processes file system events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()
	w.logger.Info("watcher: started")

	// pending holds the quiet-period deadline of each changed file.
	pending := make(map[string]time.Time)
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	reschedule := func() {
		var next time.Time
		for _, at := range pending {
			if next.IsZero() || at.Before(next) {
				next = at
			}
		}
		if !next.IsZero() {
			timer.Reset(time.Until(next))
		}
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			w.logger.Info("watcher: stopped")
			return nil

		case now := <-timer.C:
			for path, at := range pending {
				if at.After(now) {
					continue
				}
				delete(pending, path)
				if w.tracked(path) {
					w.logger.Debug("file changed", slog.String("path", path))
					w.onChange(path)
				}
			}
			reschedule()

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			path := filepath.Clean(ev.Name)
			if !w.tracked(path) {
				continue
			}
			pending[path] = time.Now().Add(w.delay)
			timer.Stop()
			reschedule()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher: error", slog.String("error", err.Error()))
		}
	}
}
