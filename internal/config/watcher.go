package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// fingerprint identifies one version of the config file on disk.
type fingerprint struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// Watcher polls a config file and hands every valid new version to a
// callback. Edits that fail to load are logged and skipped; the last good
// config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	load     func([]byte) (*Config, error)

	mu      sync.Mutex
	current *Config
	seen    fingerprint

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLoader replaces the function that turns file bytes into a validated
// config. The default is [LoadFromReader].
func WithLoader(load func([]byte) (*Config, error)) WatcherOption {
	return func(w *Watcher) { w.load = load }
}

// NewWatcher loads path once, failing if that load fails, and starts polling.
// onChange may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		load: func(b []byte) (*Config, error) {
			return LoadFromReader(bytes.NewReader(b))
		},
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	fp, data, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := w.load(data)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, fp

	go w.run()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight check to finish. It is safe to
// call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) run() {
	defer close(w.stopped)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			if _, err := w.Check(); err != nil {
				slog.Warn("config reload skipped", "path", w.path, "err", err)
			}
		}
	}
}

// Check reloads the file if it changed since the last successful load. It
// reports whether a new config was applied. A file that was only touched, or
// rewritten with the same bytes, is not a change.
func (w *Watcher) Check() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("config: stat %s: %w", w.path, err)
	}
	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if info.ModTime().Equal(seen.modTime) && info.Size() == seen.size {
		return false, nil
	}

	fp, data, err := w.read()
	if err != nil {
		return false, err
	}
	if fp.sum == seen.sum {
		w.mu.Lock()
		w.seen = fp
		w.mu.Unlock()
		return false, nil
	}
	cfg, err := w.load(data)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	old := w.current
	w.current, w.seen = cfg, fp
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

func (w *Watcher) read() (fingerprint, []byte, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return fingerprint{}, nil, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fingerprint{}, nil, err
	}
	return fingerprint{modTime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, data, nil
}
