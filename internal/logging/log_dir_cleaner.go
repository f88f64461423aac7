package logging

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const logDirCleanerInterval = time.Minute

var logDirCleanerCancel context.CancelFunc

// restartLogDirCleanerLocked must be called with writerMu held.
func restartLogDirCleanerLocked(logDir string, maxTotalSizeMB int, protectedPath string) {
	stopLogDirCleanerLocked()

	dir := strings.TrimSpace(logDir)
	if maxTotalSizeMB <= 0 || dir == "" {
		return
	}

	limit := int64(maxTotalSizeMB) << 20
	ctx, cancel := context.WithCancel(context.Background())
	logDirCleanerCancel = cancel
	go runLogDirCleaner(ctx, filepath.Clean(dir), limit, strings.TrimSpace(protectedPath))
}

func stopLogDirCleanerLocked() {
	if logDirCleanerCancel != nil {
		logDirCleanerCancel()
		logDirCleanerCancel = nil
	}
}

func runLogDirCleaner(ctx context.Context, logDir string, maxBytes int64, protectedPath string) {
	ticker := time.NewTicker(logDirCleanerInterval)
	defer ticker.Stop()

	for {
		deleted, errClean := enforceLogDirSizeLimit(logDir, maxBytes, protectedPath)
		switch {
		case errClean != nil:
			log.WithError(errClean).Warn("logging: failed to enforce log directory size limit")
		case deleted > 0:
			log.Debugf("logging: removed %d rotated log file(s) from %s", deleted, logDir)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type logFile struct {
	path    string
	size    int64
	modTime time.Time
}

// enforceLogDirSizeLimit deletes the oldest log files until the directory fits in
// maxBytes. protectedPath, the active log file, is never removed.
func enforceLogDirSizeLimit(logDir string, maxBytes int64, protectedPath string) (int, error) {
	if maxBytes <= 0 || strings.TrimSpace(logDir) == "" {
		return 0, nil
	}
	dir := filepath.Clean(logDir)

	files, total, err := listLogFiles(dir)
	if err != nil || total <= maxBytes {
		return 0, err
	}

	slices.SortFunc(files, func(a, b logFile) int {
		return a.modTime.Compare(b.modTime)
	})

	protected := ""
	if p := strings.TrimSpace(protectedPath); p != "" {
		protected = filepath.Clean(p)
	}

	deleted := 0
	for _, file := range files {
		if total <= maxBytes {
			break
		}
		if file.path == protected {
			continue
		}
		if errRemove := os.Remove(file.path); errRemove != nil {
			log.WithError(errRemove).Warnf("logging: failed to remove old log file %s", filepath.Base(file.path))
			continue
		}
		total -= file.size
		deleted++
	}
	return deleted, nil
}

func listLogFiles(dir string) ([]logFile, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	var (
		files []logFile
		total int64
	)
	for _, entry := range entries {
		if entry.IsDir() || !isLogFileName(entry.Name()) {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, logFile{
			path:    filepath.Join(dir, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}
	return files, total, nil
}

// isLogFileName matches active and lumberjack-rotated files (name-<timestamp>.log[.gz]).
func isLogFileName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, ".log.gz")
}
