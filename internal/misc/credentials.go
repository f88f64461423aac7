package misc

import (
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// LogSavingCredentials emits a consistent log message when persisting auth material.
// Only the destination path is logged, never the secret itself.
func LogSavingCredentials(path string) {
	if path == "" {
		return
	}
	log.Infof("saving encrypted credentials to %s", filepath.Clean(path))
}

// LogRemovingCredentials emits a consistent log message when persisted auth material is deleted.
func LogRemovingCredentials(path, reason string) {
	if path == "" {
		return
	}
	log.Infof("removing credentials at %s (reason=%s)", filepath.Clean(path), reason)
}
