package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// fileState identifies one revision of the config file. A change in mtime or
// size triggers a re-read; only a change in sum counts as a new revision.
type fileState struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

func (s fileState) sameStat(info os.FileInfo) bool {
	return s.mtime.Equal(info.ModTime()) && s.size == info.Size()
}

// Watcher keeps a config file loaded and hands every new valid revision to a
// callback together with the revision it replaces. Revisions that fail to
// parse or validate are rejected and the last good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	onReject func(error)
	log      *slog.Logger

	current atomic.Pointer[Config]

	// mu serialises reloads from the poll loop and from Reload.
	mu    sync.Mutex
	state fileState

	cancel   context.CancelFunc
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds. A
// negative value disables polling; revisions are then picked up only by
// [Watcher.Reload].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d != 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger used for reload and reject messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithRejectHandler registers fn to be called with the error of every
// revision that was rejected.
func WithRejectHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onReject = fn }
}

// NewWatcher loads path and starts polling it. onChange may be nil. The
// initial load must succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, state, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current.Store(cfg)
	w.state = state

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.loop(ctx)
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Reload re-reads the file immediately, regardless of its modification
// time. It reports whether a new revision was accepted. A rejected
// revision returns its error and leaves [Watcher.Current] unchanged.
func (w *Watcher) Reload() (bool, error) {
	return w.reload(true)
}

// Stop ends polling and waits for the poll loop to exit. It is safe to call
// more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(w.cancel)
	<-w.stopped
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.stopped)
	if w.interval < 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errors are already reported through the logger and reject handler.
			_, _ = w.reload(false)
		}
	}
}

func (w *Watcher) reload(force bool) (bool, error) {
	w.mu.Lock()
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			w.mu.Unlock()
			w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
			return false, nil
		}
		if w.state.sameStat(info) {
			w.mu.Unlock()
			return false, nil
		}
	}

	cfg, state, err := w.read()
	if err != nil {
		// Remember the stat of the rejected file so it is not re-parsed on
		// every tick; the sum is kept so reverting to the old content is a no-op.
		if info, statErr := os.Stat(w.path); statErr == nil {
			w.state.mtime, w.state.size = info.ModTime(), info.Size()
		}
		w.mu.Unlock()
		w.log.Warn("config watcher: revision rejected", "path", w.path, "err", err)
		if w.onReject != nil {
			w.onReject(err)
		}
		return false, err
	}

	if state.sum == w.state.sum {
		w.state = state
		w.mu.Unlock()
		return false, nil
	}
	w.state = state
	old := w.current.Swap(cfg)
	w.mu.Unlock()

	w.log.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

// read loads and validates the file and fingerprints the bytes it parsed.
func (w *Watcher) read() (*Config, fileState, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fileState{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fileState{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(buf.Bytes())}, nil
}
