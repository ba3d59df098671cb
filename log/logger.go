package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ansible-chroot/config"
)

// Compile-time interface checks
var (
	_ LibraryLogger = (*Logger)(nil)
	_ LibraryLogger = (*ContextLogger)(nil)
)

const (
	// ResultsLogName receives one line per run plus info/warn/error messages.
	ResultsLogName = "ansible-chroot.log"
	// DebugLogName receives everything, including debug messages.
	DebugLogName = "debug.log"
)

// Logger appends to the ansible-chroot log files under cfg.LogsPath.
// Files are opened in append mode since every invocation is a short run
// and the history of previous runs must survive.
type Logger struct {
	cfg         *config.Config
	resultsFile *os.File
	debugFile   *os.File
	mu          sync.Mutex
}

// LogContext provides metadata for contextual logging
type LogContext struct {
	RunID   string // Run UUID (full or short)
	Program string // ansible-chroot or ansible-debootstrap
	Host    string // Inventory hostname
}

// ContextLogger wraps Logger with context metadata for enriched log entries
type ContextLogger struct {
	logger *Logger
	ctx    LogContext
}

// NewLogger creates the logs directory if needed and opens the log files.
func NewLogger(cfg *config.Config) (*Logger, error) {
	if err := os.MkdirAll(cfg.LogsPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	l := &Logger{cfg: cfg}

	var err error
	l.resultsFile, err = openAppend(filepath.Join(cfg.LogsPath, ResultsLogName))
	if err != nil {
		return nil, err
	}

	l.debugFile, err = openAppend(filepath.Join(cfg.LogsPath, DebugLogName))
	if err != nil {
		l.resultsFile.Close()
		return nil, err
	}

	return l, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return f, nil
}

// Close closes all log files
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.resultsFile != nil {
		l.resultsFile.Close()
	}
	if l.debugFile != nil {
		l.debugFile.Close()
	}
}

// write formats one line and sends it to the results log (unless debugOnly)
// and always to the debug log.
func (l *Logger) write(prefix, level, msg string, debugOnly bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	line := fmt.Sprintf("[%s] %s%s: %s\n", timestamp, prefix, level, msg)

	if !debugOnly {
		l.resultsFile.WriteString(line)
		l.resultsFile.Sync()
	}
	l.debugFile.WriteString(line)
	l.debugFile.Sync()
}

// Debug logs debug information
func (l *Logger) Debug(format string, args ...any) {
	l.write("", "DEBUG", fmt.Sprintf(format, args...), true)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...any) {
	l.write("", "ERROR", fmt.Sprintf(format, args...), false)
}

// Warn logs a warning message (non-fatal issues)
func (l *Logger) Warn(format string, args ...any) {
	l.write("", "WARN", fmt.Sprintf(format, args...), false)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...any) {
	l.write("", "INFO", fmt.Sprintf(format, args...), false)
}

// WithContext creates a ContextLogger with metadata for enriched logging.
// The RunID will be truncated to 8 characters for readability.
//
// Example:
//
//	ctxLogger := logger.WithContext(log.LogContext{
//	    RunID:   runUUID,
//	    Program: "ansible-chroot",
//	    Host:    "web1",
//	})
//	ctxLogger.Info("Mounting overlay")
//	// Output: [15:04:05] [a1b2c3d4] ansible-chroot web1: INFO: Mounting overlay
func (l *Logger) WithContext(ctx LogContext) *ContextLogger {
	return &ContextLogger{
		logger: l,
		ctx:    ctx,
	}
}

// formatPrefix creates a log prefix with context metadata
func (cl *ContextLogger) formatPrefix() string {
	shortUUID := cl.ctx.RunID
	if len(shortUUID) > 8 {
		shortUUID = shortUUID[:8]
	}
	return fmt.Sprintf("[%s] %s %s: ", shortUUID, cl.ctx.Program, cl.ctx.Host)
}

// Success records a completed run
func (cl *ContextLogger) Success(action string, duration time.Duration) {
	cl.logger.write(cl.formatPrefix(), "SUCCESS",
		fmt.Sprintf("%s (%s)", action, duration.Round(time.Millisecond)), false)
}

// Failed records a failed run
func (cl *ContextLogger) Failed(action string, err error) {
	cl.logger.write(cl.formatPrefix(), "FAILED",
		fmt.Sprintf("%s: %v", action, err), false)
}

// Info logs an informational message with context
func (cl *ContextLogger) Info(format string, args ...any) {
	cl.logger.write(cl.formatPrefix(), "INFO", fmt.Sprintf(format, args...), false)
}

// Error logs an error message with context
func (cl *ContextLogger) Error(format string, args ...any) {
	cl.logger.write(cl.formatPrefix(), "ERROR", fmt.Sprintf(format, args...), false)
}

// Debug logs debug information with context
func (cl *ContextLogger) Debug(format string, args ...any) {
	cl.logger.write(cl.formatPrefix(), "DEBUG", fmt.Sprintf(format, args...), true)
}

// Warn logs a warning message with context
func (cl *ContextLogger) Warn(format string, args ...any) {
	cl.logger.write(cl.formatPrefix(), "WARN", fmt.Sprintf(format, args...), false)
}
