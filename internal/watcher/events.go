// events.go implements fsnotify event handling for config file changes.
// It normalizes paths, filters noise and schedules debounced reloads.
package watcher

import (
	"context"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

func (w *Watcher) start(ctx context.Context) error {
	// Watch the directory: editors and atomic writers replace the file, which drops a file watch.
	dir := filepath.Dir(w.configPath)
	if errAddDir := w.watcher.Add(dir); errAddDir != nil {
		log.Errorf("failed to watch config directory %s: %v", dir, errAddDir)
		return errAddDir
	}
	log.Debugf("watching config file: %s", w.configPath)

	go w.processEvents(ctx)
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	configOps := fsnotify.Write | fsnotify.Create | fsnotify.Rename
	if normalizePath(event.Name) != normalizePath(w.configPath) || event.Op&configOps == 0 {
		return
	}
	log.Debugf("config file change details - operation: %s, timestamp: %s", event.Op.String(), time.Now().Format("2006-01-02 15:04:05.000"))
	w.scheduleConfigReload()
}

func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	cleaned := filepath.Clean(trimmed)
	if runtime.GOOS == "windows" {
		cleaned = strings.TrimPrefix(cleaned, `\\?\`)
		cleaned = strings.ToLower(cleaned)
	}
	return cleaned
}
