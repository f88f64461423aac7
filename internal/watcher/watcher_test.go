package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/livecheck/livecheck/internal/config"
)

func newTestWatcher(t *testing.T, initial string) (*Watcher, string, chan *config.Config) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(initial), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	reloads := make(chan *config.Config, 4)
	w, err := NewWatcher(path, func(c *config.Config) { reloads <- c })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 10 * time.Millisecond
	w.SetConfig(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = w.Stop()
	})
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return w, path, reloads
}

func TestWatcherReloadsChangedConfig(t *testing.T) {
	w, path, reloads := newTestWatcher(t, "port: 8317\n")

	if err := os.WriteFile(path, []byte("port: 9001\ndebug: true\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case cfg := <-reloads:
		if cfg.Port != 9001 || !cfg.Debug {
			t.Fatalf("reloaded config = port %d debug %t", cfg.Port, cfg.Debug)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after config change")
	}
	if got := w.Config(); got == nil || got.Port != 9001 {
		t.Fatalf("Config() not updated: %+v", got)
	}
}

func TestWatcherSkipsUnchangedOrInvalidContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"identical content", "port: 8317\n"},
		{"invalid yaml", "port: [unterminated\n"},
		{"invalid credential mode", "credential-mode: password\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, path, reloads := newTestWatcher(t, "port: 8317\n")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatalf("rewrite config: %v", err)
			}
			select {
			case cfg := <-reloads:
				t.Fatalf("unexpected reload: %+v", cfg)
			case <-time.After(300 * time.Millisecond):
			}
			if got := w.Config(); got.Port != 8317 {
				t.Fatalf("config replaced: port %d", got.Port)
			}
		})
	}
}

func TestHandleEventIgnoresOtherFiles(t *testing.T) {
	_, path, reloads := newTestWatcher(t, "port: 8317\n")
	other := filepath.Join(filepath.Dir(path), "notes.txt")
	if err := os.WriteFile(other, []byte("hello"), 0o600); err != nil {
		t.Fatalf("write sibling: %v", err)
	}
	select {
	case cfg := <-reloads:
		t.Fatalf("reload triggered by unrelated file: %+v", cfg)
	case <-time.After(200 * time.Millisecond):
	}
}
