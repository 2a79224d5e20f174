package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher calls a function whenever the config file's content changes.
// Editors often replace a file rather than write it, so the parent
// directory is watched and events are filtered by name. Bursts are
// debounced and a rewrite with identical content is ignored.
type Watcher struct {
	path     string
	onChange func()
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	sum     uint64
	present bool
}

// NewWatcher returns a watcher for path. It does nothing until Run.
func NewWatcher(path string, onChange func(), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		logger:   logger.With("component", "config-watcher"),
		debounce: defaultDebounce,
	}
	w.sum, w.present = hashFile(w.path)
	return w
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := fsw.Add(dir); err != nil {
		return err
	}
	w.logger.Debug("watching config", "path", w.path)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.check)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "err", err)
		}
	}
}

// check fires onChange if the content differs from the last seen version.
func (w *Watcher) check() {
	w.mu.Lock()
	defer w.mu.Unlock()

	sum, present := hashFile(w.path)
	if sum == w.sum && present == w.present {
		return
	}
	w.sum, w.present = sum, present
	w.logger.Info("config changed", "path", w.path, "present", present)
	w.onChange()
}

func hashFile(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	return xxhash.Sum64(data), true
}
