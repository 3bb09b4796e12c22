package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fetchkit/fetchd/errors"
	"github.com/fetchkit/fetchd/logger"
)

// ReloadCallback is invoked with the freshly loaded config after the watched
// file changes and re-validates. Callbacks run on the watcher goroutine.
type ReloadCallback func(cfg *Config)

// Watcher reloads configuration when the config file changes on disk.
// Only a subset of settings is safe to change at runtime (worker width,
// retention, rate limits); callbacks decide what to apply.
type Watcher struct {
	path      string
	watcher   *fsnotify.Watcher
	callbacks []ReloadCallback
	mu        sync.Mutex

	// debounce timer, editors often fire several writes per save
	reloadTimer *time.Timer

	done chan struct{}
}

const reloadDebounce = 500 * time.Millisecond

// NewWatcher creates a watcher for the given config file path
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		done:    make(chan struct{}),
	}

	// Watch the directory, not the file: editors replace files on save and
	// a watch on the old inode would go stale.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", filepath.Dir(path))
	}

	go w.watchLoop()
	return w, nil
}

// OnReload registers a callback invoked after each successful reload
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Close stops the watcher
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnw("Config watcher error", "error", err)
		}
	}
}

// scheduleReload coalesces bursts of file events into one reload
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
	}
	w.reloadTimer = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		// Keep running on the previous config; a half-saved file is common
		logger.Warnw("Config reload failed, keeping previous configuration",
			"file", w.path, "error", err)
		return
	}

	logger.Infow("Configuration reloaded", "file", w.path)

	w.mu.Lock()
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
}
