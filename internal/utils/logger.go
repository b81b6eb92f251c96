package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
)

// Logger provides leveled, structured logging with verbose mode support.
type Logger struct {
	mu   sync.Mutex
	base *log.Logger
}

var (
	loggerInstance *Logger
	once           sync.Once
)

func newCharmLogger(w io.Writer, formatter log.Formatter, timestamps bool) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Level:           log.InfoLevel,
		Formatter:       formatter,
		ReportTimestamp: timestamps,
		TimeFormat:      "15:04:05",
		Prefix:          "xtodo",
	})
}

// GetLogger returns the singleton logger instance.
func GetLogger() *Logger {
	once.Do(func() {
		loggerInstance = &Logger{
			base: newCharmLogger(os.Stderr, log.TextFormatter, false),
		}
	})
	return loggerInstance
}

// SetVerboseMode sets the verbose mode globally.
func SetVerboseMode(verbose bool) {
	GetLogger().SetVerbose(verbose)
}

// SetVerbose sets the verbose mode for this logger instance.
func (l *Logger) SetVerbose(verbose bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if verbose {
		l.base.SetLevel(log.DebugLevel)
	} else {
		l.base.SetLevel(log.InfoLevel)
	}
}

// SetOutput redirects log output. The TUI points it at the background log
// file while it owns the terminal.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.base.SetOutput(w)
}

// Debug logs a debug message (only shown when verbose=true).
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.base.Debug(msg, keyvals...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.base.Warn(msg, keyvals...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.base.Error(msg, keyvals...)
}

// BackgroundLogger writes logfmt lines to a PID-specific file. It is used
// while the TUI owns stdout/stderr.
type BackgroundLogger struct {
	logger   *log.Logger
	logFile  *os.File
	enabled  bool
	filePath string
}

// NewBackgroundLoggerWithEnabled creates a background logger with explicit enabled control.
// Pass config.IsBackgroundLoggingEnabled() to honor the logging.background_enabled config.
func NewBackgroundLoggerWithEnabled(enabled bool) (*BackgroundLogger, error) {
	if !enabled {
		return &BackgroundLogger{
			logger:  newCharmLogger(io.Discard, log.LogfmtFormatter, true),
			enabled: false,
		}, nil
	}

	logPath := filepath.Join(os.TempDir(), fmt.Sprintf("xtodo-%d.log", os.Getpid()))
	return NewBackgroundLoggerWithPath(logPath)
}

// NewBackgroundLoggerWithPath creates a background logger with a custom path.
func NewBackgroundLoggerWithPath(path string) (*BackgroundLogger, error) {
	bl := &BackgroundLogger{
		filePath: path,
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		// Gracefully degrade to io.Discard
		bl.logger = newCharmLogger(io.Discard, log.LogfmtFormatter, true)
		bl.enabled = false
		return bl, err
	}

	bl.logFile = file
	bl.logger = newCharmLogger(file, log.LogfmtFormatter, true)
	bl.enabled = true
	return bl, nil
}

// Writer returns the destination of the background log, io.Discard when disabled.
func (bl *BackgroundLogger) Writer() io.Writer {
	if bl.logFile == nil {
		return io.Discard
	}
	return bl.logFile
}

// Print logs a message with key/value fields.
func (bl *BackgroundLogger) Print(msg string, keyvals ...interface{}) {
	if bl.logger != nil {
		bl.logger.Info(msg, keyvals...)
	}
}

// Close closes the log file.
func (bl *BackgroundLogger) Close() {
	if bl.logFile != nil {
		_ = bl.logFile.Close()
		bl.logFile = nil
	}
	// After close, switch to io.Discard for graceful degradation
	bl.logger = newCharmLogger(io.Discard, log.LogfmtFormatter, true)
	bl.enabled = false
}

// GetLogPath returns the log file path.
func (bl *BackgroundLogger) GetLogPath() string {
	return bl.filePath
}

// IsEnabled returns whether background logging is enabled.
func (bl *BackgroundLogger) IsEnabled() bool {
	return bl.enabled
}
