// Package watcher watches the config file and triggers hot reloads.
// It supports cross-platform fsnotify event handling.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/livecheck/livecheck/internal/config"
	"gopkg.in/yaml.v3"
)

const configReloadDebounce = 150 * time.Millisecond

// Watcher manages file watching for the configuration file.
type Watcher struct {
	configPath        string
	configMu          sync.RWMutex
	config            *config.Config
	oldConfigYaml     []byte
	lastConfigHash    string
	configReloadMu    sync.Mutex
	configReloadTimer *time.Timer
	debounce          time.Duration
	reloadCallback    func(*config.Config)
	watcher           *fsnotify.Watcher
}

// NewWatcher creates a new file watcher instance. reloadCallback receives every
// successfully parsed configuration whose content changed.
func NewWatcher(configPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	watcher, errNewWatcher := fsnotify.NewWatcher()
	if errNewWatcher != nil {
		return nil, errNewWatcher
	}
	absPath, errAbs := filepath.Abs(configPath)
	if errAbs != nil {
		absPath = configPath
	}
	return &Watcher{
		configPath:     absPath,
		debounce:       configReloadDebounce,
		reloadCallback: reloadCallback,
		watcher:        watcher,
	}, nil
}

// Start begins watching the configuration file.
func (w *Watcher) Start(ctx context.Context) error {
	return w.start(ctx)
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	w.stopConfigReloadTimer()
	return w.watcher.Close()
}

// SetConfig records the configuration currently in use, the baseline for change detection.
func (w *Watcher) SetConfig(cfg *config.Config) {
	w.configMu.Lock()
	defer w.configMu.Unlock()
	w.config = cfg
	w.oldConfigYaml, _ = yaml.Marshal(cfg)
	if data, err := os.ReadFile(w.configPath); err == nil && len(data) > 0 {
		w.lastConfigHash = hashBytes(data)
	}
}

// Config returns the last applied configuration.
func (w *Watcher) Config() *config.Config {
	w.configMu.RLock()
	defer w.configMu.RUnlock()
	return w.config
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
