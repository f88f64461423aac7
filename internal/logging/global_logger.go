package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/livecheck/livecheck/internal/config"
	"github.com/livecheck/livecheck/internal/util"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const mainLogFile = "livecheck.log"

var (
	setupOnce      sync.Once
	writerMu       sync.Mutex
	logWriter      *lumberjack.Logger
	ginInfoWriter  *io.PipeWriter
	ginErrorWriter *io.PipeWriter
)

// LogFormatter renders entries as
//
//	[2026-03-02 10:04:11] [3f9c21ab] [info ] [session.go:212] live session listening state=listening
//
// Only the fields listed in logFieldOrder are printed so secrets attached by accident never reach the output.
type LogFormatter struct{}

var logFieldOrder = []string{"component", "state", "model", "attempt", "credential", "claim_id", "call_id", "code", "error"}

// Format renders a single log entry.
func (m *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	buffer := entry.Buffer
	if buffer == nil {
		buffer = &bytes.Buffer{}
	}

	reqID := "--------"
	if id, ok := entry.Data["request_id"].(string); ok && id != "" {
		reqID = id
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}

	var fields strings.Builder
	for _, k := range logFieldOrder {
		if v, ok := entry.Data[k]; ok {
			fmt.Fprintf(&fields, " %s=%v", k, v)
		}
	}

	fmt.Fprintf(buffer, "[%s] [%s] [%-5s] ", entry.Time.Format("2006-01-02 15:04:05"), reqID, level)
	if entry.Caller != nil {
		fmt.Fprintf(buffer, "[%s:%d] ", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	buffer.WriteString(strings.TrimRight(entry.Message, "\r\n"))
	buffer.WriteString(fields.String())
	buffer.WriteByte('\n')
	return buffer.Bytes(), nil
}

// SetupBaseLogger configures the shared logrus instance and routes Gin's own output through it.
// Safe to call multiple times.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&LogFormatter{})

		ginInfoWriter = log.StandardLogger().Writer()
		gin.DefaultWriter = ginInfoWriter
		ginErrorWriter = log.StandardLogger().WriterLevel(log.ErrorLevel)
		gin.DefaultErrorWriter = ginErrorWriter
		gin.DebugPrintFunc = func(format string, values ...interface{}) {
			log.StandardLogger().Debugf(strings.TrimRight(format, "\r\n"), values...)
		}

		log.RegisterExitHandler(closeLogOutputs)
	})
}

func isDirWritable(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	f, err := os.CreateTemp(dir, ".perm_test")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

// ResolveLogDirectory picks the log directory: logs-dir from the config, then
// WRITABLE_PATH/logs, then ./logs when writable, then <auth-dir>/logs.
func ResolveLogDirectory(cfg *config.Config) string {
	if cfg != nil && strings.TrimSpace(cfg.LogsDir) != "" {
		if dir, err := util.ResolveAuthDir(strings.TrimSpace(cfg.LogsDir)); err == nil && dir != "" {
			return dir
		}
	}
	if base := util.WritablePath(); base != "" {
		return filepath.Join(base, "logs")
	}
	logDir := "logs"
	if cfg == nil || isDirWritable(logDir) {
		return logDir
	}
	authDir, err := util.ResolveAuthDir(cfg.AuthDir)
	if err != nil {
		log.Warnf("failed to resolve auth-dir %q for log directory: %v", cfg.AuthDir, err)
		return logDir
	}
	if authDir != "" {
		return filepath.Join(authDir, "logs")
	}
	return logDir
}

// ConfigureLogOutput switches the global log destination between a rotating file and stdout,
// and (re)starts the directory size cleaner when logs-max-total-size-mb is positive.
// It is called at startup and again on every config reload.
func ConfigureLogOutput(cfg *config.Config) error {
	SetupBaseLogger()

	writerMu.Lock()
	defer writerMu.Unlock()

	logDir := ResolveLogDirectory(cfg)
	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}

	protectedPath := ""
	if cfg.LoggingToFile {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("logging: failed to create log directory: %w", err)
		}
		protectedPath = filepath.Join(logDir, mainLogFile)
		logWriter = &lumberjack.Logger{
			Filename:   protectedPath,
			MaxSize:    10,
			MaxBackups: 5,
			Compress:   true,
		}
		log.SetOutput(logWriter)
	} else {
		log.SetOutput(os.Stdout)
	}

	restartLogDirCleanerLocked(logDir, cfg.LogsMaxTotalSizeMB, protectedPath)
	return nil
}

func closeLogOutputs() {
	writerMu.Lock()
	defer writerMu.Unlock()

	stopLogDirCleanerLocked()
	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
	for _, w := range []*io.PipeWriter{ginInfoWriter, ginErrorWriter} {
		if w != nil {
			_ = w.Close()
		}
	}
	ginInfoWriter, ginErrorWriter = nil, nil
}
