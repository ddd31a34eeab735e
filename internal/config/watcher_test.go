package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Thetason/obiwan-sub003/internal/config"
)

const watcherBaseYAML = `
server:
  log_level: info
engines:
  mono: { name: crepe, base_url: "http://localhost:5002" }
analysis:
  default_mode: auto
`

const watcherPolyYAML = `
server:
  log_level: debug
engines:
  mono: { name: crepe, base_url: "http://localhost:5002" }
analysis:
  default_mode: poly
  chord_threshold: 0.4
`

const watcherBadLevelYAML = `
server:
  log_level: bananas
engines:
  mono: { name: crepe, base_url: "http://localhost:5002" }
`

// changeRecorder collects watcher callbacks.
type changeRecorder struct {
	mu      sync.Mutex
	changes [][2]*config.Config
	rejects []error
	notify  chan struct{}
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{notify: make(chan struct{}, 8)}
}

func (r *changeRecorder) onChange(old, new *config.Config) {
	r.mu.Lock()
	r.changes = append(r.changes, [2]*config.Config{old, new})
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *changeRecorder) onReject(err error) {
	r.mu.Lock()
	r.rejects = append(r.rejects, err)
	r.mu.Unlock()
}

func (r *changeRecorder) counts() (changes, rejects int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes), len(r.rejects)
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

// manualWatcher starts a watcher that only reloads on demand.
func manualWatcher(t *testing.T, content string) (*config.Watcher, *changeRecorder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pitchfusion.yaml")
	writeConfig(t, path, content)

	rec := newChangeRecorder()
	w, err := config.NewWatcher(path, rec.onChange,
		config.WithInterval(-1),
		config.WithRejectHandler(rec.onReject),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, rec, path
}

func TestWatcher_InitialLoadAppliesDefaults(t *testing.T) {
	t.Parallel()
	w, _, _ := manualWatcher(t, watcherBaseYAML)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() = nil after initial load")
	}
	if cfg.Analysis.DefaultMode != "auto" {
		t.Errorf("default_mode = %q, want auto", cfg.Analysis.DefaultMode)
	}
	if cfg.Analysis.ChordThreshold <= 0 {
		t.Errorf("chord_threshold = %v, want the default applied", cfg.Analysis.ChordThreshold)
	}
}

func TestWatcher_ReloadAcceptsNewRevision(t *testing.T) {
	t.Parallel()
	w, rec, path := manualWatcher(t, watcherBaseYAML)

	writeConfig(t, path, watcherPolyYAML)
	changed, err := w.Reload()
	if err != nil || !changed {
		t.Fatalf("Reload() = (%v, %v), want (true, nil)", changed, err)
	}

	if n, _ := rec.counts(); n != 1 {
		t.Fatalf("onChange calls = %d, want 1", n)
	}
	old, cur := rec.changes[0][0], rec.changes[0][1]
	if old.Server.LogLevel != config.LogInfo || cur.Server.LogLevel != config.LogDebug {
		t.Errorf("log levels old=%q new=%q, want info then debug", old.Server.LogLevel, cur.Server.LogLevel)
	}
	d := config.Diff(old, cur)
	if !d.ModeChanged || d.NewMode != "poly" || !d.ChordThresholdChanged {
		t.Errorf("diff = %+v, want mode and threshold change", d)
	}
	if w.Current() != cur {
		t.Error("Current() is not the accepted revision")
	}
}

func TestWatcher_ReloadUnchangedContent(t *testing.T) {
	t.Parallel()
	w, rec, path := manualWatcher(t, watcherBaseYAML)

	// Same bytes, new mtime.
	writeConfig(t, path, watcherBaseYAML)
	changed, err := w.Reload()
	if err != nil || changed {
		t.Fatalf("Reload() = (%v, %v), want (false, nil)", changed, err)
	}
	if n, _ := rec.counts(); n != 0 {
		t.Errorf("onChange calls = %d, want 0", n)
	}
}

func TestWatcher_RejectedRevisionKeepsCurrent(t *testing.T) {
	t.Parallel()
	w, rec, path := manualWatcher(t, watcherBaseYAML)
	before := w.Current()

	tests := []struct {
		name    string
		content string
	}{
		{name: "invalid log level", content: watcherBadLevelYAML},
		{name: "unknown field", content: watcherBaseYAML + "bogus: true\n"},
		{name: "malformed yaml", content: "server: [\n"},
	}
	for i, tt := range tests {
		writeConfig(t, path, tt.content)
		changed, err := w.Reload()
		if err == nil || changed {
			t.Errorf("%s: Reload() = (%v, %v), want a rejection", tt.name, changed, err)
		}
		if _, n := rec.counts(); n != i+1 {
			t.Errorf("%s: reject calls = %d, want %d", tt.name, n, i+1)
		}
		if w.Current() != before {
			t.Errorf("%s: Current() changed after a rejected revision", tt.name)
		}
	}

	// Reverting to the accepted content is not a new revision.
	writeConfig(t, path, watcherBaseYAML)
	if changed, err := w.Reload(); err != nil || changed {
		t.Errorf("revert: Reload() = (%v, %v), want (false, nil)", changed, err)
	}
}

func TestWatcher_PollingPicksUpChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pitchfusion.yaml")
	writeConfig(t, path, watcherBaseYAML)

	rec := newChangeRecorder()
	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Make sure the new mtime differs on filesystems with coarse timestamps.
	writeConfig(t, path, watcherPolyYAML)
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	select {
	case <-rec.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("polling did not deliver the new revision")
	}
	if w.Current().Analysis.DefaultMode != "poly" {
		t.Errorf("default_mode = %q, want poly", w.Current().Analysis.DefaultMode)
	}
}

func TestWatcher_TouchDoesNotFire(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pitchfusion.yaml")
	writeConfig(t, path, watcherBaseYAML)

	rec := newChangeRecorder()
	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	if n, _ := rec.counts(); n != 0 {
		t.Errorf("onChange calls = %d after touch, want 0", n)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()

	_, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want os.ErrNotExist", err)
	}
}

func TestWatcher_StopWaitsAndIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pitchfusion.yaml")
	writeConfig(t, path, watcherBaseYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	done := make(chan struct{})
	go func() {
		w.Stop()
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
