package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/tickerlens/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
providers:
  llm:
    name: openai
    model: gpt-4o
market_data:
  api_key: test-key
`

const watcherUpdatedYAML = `
server:
  log_level: debug
providers:
  llm:
    name: openai
    model: gpt-4o
market_data:
  api_key: test-key
agent:
  max_iterations: 6
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

// bump moves the file's mtime forward so a rewrite within the same clock tick
// is still noticed.
func bump(t *testing.T, path string, by time.Duration) {
	t.Helper()
	ts := time.Now().Add(by)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

// recorder collects onChange invocations.
type recorder struct {
	mu    sync.Mutex
	diffs []config.ConfigDiff
}

func (r *recorder) onChange(old, new *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diffs = append(r.diffs, config.Diff(old, new))
}

func (r *recorder) calls() []config.ConfigDiff {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]config.ConfigDiff(nil), r.diffs...)
}

// newWatcher starts a watcher whose ticker never fires during the test, so
// every reload happens through an explicit Check.
func newWatcher(t *testing.T, initial string, opts ...config.WatcherOption) (*config.Watcher, *recorder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, initial)

	rec := &recorder{}
	w, err := config.NewWatcher(path, rec.onChange, append([]config.WatcherOption{config.WithInterval(time.Hour)}, opts...)...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, rec, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, rec, _ := newWatcher(t, watcherValidYAML)

	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level = %q, want info", got)
	}
	if changed, err := w.Check(); changed || err != nil {
		t.Errorf("Check on an untouched file = %v, %v", changed, err)
	}
	if n := len(rec.calls()); n != 0 {
		t.Errorf("onChange called %d times", n)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherInvalidYAML)
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for an invalid initial config")
	}
}

func TestWatcher_Check(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		edit        func(t *testing.T, path string)
		wantChanged bool
		wantErr     bool
		wantLevel   config.LogLevel
	}{
		{
			name: "valid edit applies",
			edit: func(t *testing.T, path string) {
				writeFile(t, path, watcherUpdatedYAML)
				bump(t, path, time.Second)
			},
			wantChanged: true,
			wantLevel:   config.LogDebug,
		},
		{
			name: "invalid edit keeps old config",
			edit: func(t *testing.T, path string) {
				writeFile(t, path, watcherInvalidYAML)
				bump(t, path, time.Second)
			},
			wantErr:   true,
			wantLevel: config.LogInfo,
		},
		{
			name:      "touch without content change",
			edit:      func(t *testing.T, path string) { bump(t, path, time.Second) },
			wantLevel: config.LogInfo,
		},
		{
			name: "file removed",
			edit: func(t *testing.T, path string) {
				if err := os.Remove(path); err != nil {
					t.Fatal(err)
				}
			},
			wantErr:   true,
			wantLevel: config.LogInfo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, rec, path := newWatcher(t, watcherValidYAML)
			tt.edit(t, path)

			changed, err := w.Check()
			if changed != tt.wantChanged || (err != nil) != tt.wantErr {
				t.Fatalf("Check = %v, %v; want changed=%v err=%v", changed, err, tt.wantChanged, tt.wantErr)
			}
			if got := w.Current().Server.LogLevel; got != tt.wantLevel {
				t.Errorf("current log_level = %q, want %q", got, tt.wantLevel)
			}
			wantCalls := 0
			if tt.wantChanged {
				wantCalls = 1
			}
			if n := len(rec.calls()); n != wantCalls {
				t.Errorf("onChange called %d times, want %d", n, wantCalls)
			}
		})
	}
}

func TestWatcher_DiffReportsRestartSections(t *testing.T) {
	t.Parallel()

	var loads int
	load := func(b []byte) (*config.Config, error) {
		loads++
		cfg, err := config.Decode(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		config.ApplyDefaults(cfg)
		return cfg, config.Validate(cfg)
	}
	w, rec, path := newWatcher(t, watcherValidYAML, config.WithLoader(load))

	writeFile(t, path, watcherUpdatedYAML)
	bump(t, path, time.Second)
	if changed, err := w.Check(); !changed || err != nil {
		t.Fatalf("Check = %v, %v", changed, err)
	}

	calls := rec.calls()
	if len(calls) != 1 {
		t.Fatalf("onChange called %d times, want 1", len(calls))
	}
	d := calls[0]
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "agent" {
		t.Errorf("RestartRequired = %v, want [agent]", d.RestartRequired)
	}
	if loads != 2 {
		t.Errorf("custom loader used %d times, want 2", loads)
	}
}

func TestWatcher_PollsInBackground(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	changed := make(chan *config.Config, 1)
	w, err := config.NewWatcher(path, func(_, new *config.Config) {
		select {
		case changed <- new:
		default:
		}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, watcherUpdatedYAML)
	bump(t, path, time.Second)

	select {
	case cfg := <-changed:
		if cfg.Agent.MaxIterations != 6 {
			t.Errorf("max_iterations = %d, want 6", cfg.Agent.MaxIterations)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("background poll did not pick up the change")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _, _ := newWatcher(t, watcherValidYAML)
	w.Stop()
	w.Stop()
}
