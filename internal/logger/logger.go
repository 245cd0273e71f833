// Package logger provides the run's structured logging, backed by
// zerolog but exposed through the package-level convenience functions
// (Debug/Info/Warn/Error/Fatal) the rest of this codebase calls.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger plus the open log file, if any.
type Logger struct {
	mu         sync.Mutex
	zl         zerolog.Logger
	fileHandle *os.File
}

var (
	defaultLogger *Logger
	once          sync.Once
)

func newConsoleLogger(level zerolog.Level) zerolog.Logger {
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(cw).Level(level).With().Timestamp().Logger()
}

// Init initializes the default logger with console-only output.
func Init(levelStr string) {
	once.Do(func() {
		defaultLogger = &Logger{zl: newConsoleLogger(parseLevel(levelStr))}
	})
}

// InitWithFile initializes the logger with both a colored console sink
// and a strictly-JSON file sink under logDir (§4.8: crash-handling logs
// always reach the file sink even if the console scrolls away).
func InitWithFile(levelStr string, logDir string) error {
	level := parseLevel(levelStr)

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("logger: failed to create log directory: %w", err)
	}

	now := time.Now()
	filename := fmt.Sprintf("fuzzer_%s.log", now.Format("2006-01-02_15-04-05"))
	logPath := filepath.Join(logDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("logger: failed to open log file: %w", err)
	}

	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	multi := zerolog.MultiLevelWriter(cw, file)
	zl := zerolog.New(multi).Level(level).With().Timestamp().Logger()

	once.Do(func() {
		defaultLogger = &Logger{zl: zl, fileHandle: file}
	})
	if defaultLogger.fileHandle == nil {
		defaultLogger.mu.Lock()
		defaultLogger.zl = zl
		defaultLogger.fileHandle = file
		defaultLogger.mu.Unlock()
	}

	Info("log file: %s", logPath)
	return nil
}

// Close closes the log file if open.
func Close() {
	if defaultLogger != nil && defaultLogger.fileHandle != nil {
		defaultLogger.mu.Lock()
		defaultLogger.fileHandle.Close()
		defaultLogger.fileHandle = nil
		defaultLogger.mu.Unlock()
	}
}

// GetLogFilePath returns the current log file path, or "" if file logging
// is not active.
func GetLogFilePath() string {
	if defaultLogger != nil && defaultLogger.fileHandle != nil {
		return defaultLogger.fileHandle.Name()
	}
	return ""
}

// SetLevel sets the logging level for the default logger.
func SetLevel(levelStr string) {
	if defaultLogger == nil {
		Init(levelStr)
		return
	}
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.zl = defaultLogger.zl.Level(parseLevel(levelStr))
}

func parseLevel(levelStr string) zerolog.Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func ensureInit() {
	if defaultLogger == nil {
		Init("info")
	}
}

// Debug logs a debug message.
func Debug(format string, args ...interface{}) {
	ensureInit()
	defaultLogger.zl.Debug().Msg(fmt.Sprintf(format, args...))
}

// Info logs an info message.
func Info(format string, args ...interface{}) {
	ensureInit()
	defaultLogger.zl.Info().Msg(fmt.Sprintf(format, args...))
}

// Warn logs a warning message.
func Warn(format string, args ...interface{}) {
	ensureInit()
	defaultLogger.zl.Warn().Msg(fmt.Sprintf(format, args...))
}

// Error logs an error message.
func Error(format string, args ...interface{}) {
	ensureInit()
	defaultLogger.zl.Error().Msg(fmt.Sprintf(format, args...))
}

// Fatal logs a fatal message and exits the program, matching zerolog's
// own Fatal-level os.Exit(1) behavior.
func Fatal(format string, args ...interface{}) {
	ensureInit()
	defaultLogger.zl.Fatal().Msg(fmt.Sprintf(format, args...))
}
