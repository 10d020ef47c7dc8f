package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherCallback receives every successfully loaded and validated config.
// It runs on the watcher goroutine.
type WatcherCallback func(newCfg *Config)

// Watcher reloads the config file when it changes. fsnotify gives fast
// notification for editors and atomic renames; a content-hash poll catches
// ConfigMap volume updates, where kubelet swaps the "..data" symlink without
// an inotify event on the file itself.
type Watcher struct {
	path         string
	dir          string
	callback     WatcherCallback
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	reloads  atomic.Int64
	failures atomic.Int64

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	// applied is the hash of the last file content handed to callback.
	applied string
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long to wait after the last fs event before
// reloading. Default 300ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithPollInterval sets the content-hash poll period. Default 2s.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.pollInterval = d }
}

// NewWatcher creates a watcher for path. Nothing is watched until Start.
func NewWatcher(path string, callback WatcherCallback, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:         path,
		dir:          filepath.Dir(path),
		callback:     callback,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start watches until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.applied = hashFile(w.path)
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// The directory watch survives editors that replace the file inode.
	if err := fsw.Add(w.dir); err != nil {
		return err
	}
	_ = fsw.Add(w.path)

	w.logger.Info("config watcher started", "path", w.path)

	dataLink := filepath.Join(w.dir, "..data")
	lastTarget := readlink(dataLink)

	var debounce *time.Timer
	var debounceCh <-chan time.Time

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.debounce)
			debounceCh = debounce.C
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				_ = fsw.Add(w.path)
			}

		case <-debounceCh:
			debounceCh = nil
			w.reload()

		case <-poll.C:
			target := readlink(dataLink)
			if target != lastTarget && target != "" {
				lastTarget = target
				w.logger.Debug("config volume swap detected", "target", target)
			}
			w.reload()

		case watchErr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", watchErr)
		}
	}
}

func relevant(event fsnotify.Event) bool {
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

// reload publishes the file if its content differs from what was last
// applied. Invalid content is logged and the running config is kept.
func (w *Watcher) reload() {
	sum := hashFile(w.path)

	w.mu.Lock()
	unchanged := sum == w.applied
	w.mu.Unlock()
	if unchanged || sum == "" {
		return
	}

	newCfg, err := LoadFromPath(w.path)
	if err != nil {
		w.failures.Add(1)
		w.logger.Error("config reload failed, keeping old config", "error", err)
		// Remember the bad content so the poll does not log it every tick.
		w.mu.Lock()
		w.applied = sum
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.applied = sum
	w.mu.Unlock()

	w.logger.Info("config reloaded", "path", w.path)
	w.callback(newCfg)
	w.reloads.Add(1)
}

// Reloads returns how many configs were published.
func (w *Watcher) Reloads() int64 { return w.reloads.Load() }

// Failures returns how many reloads were rejected.
func (w *Watcher) Failures() int64 { return w.failures.Load() }

// Stop terminates the watcher. Safe to call multiple times and before
// Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// hashFile returns the SHA-256 of the file content (following symlinks),
// or "" when it cannot be read.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

// readlink returns the target of a symlink, or "" if the path is not a
// symlink or cannot be read.
func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
