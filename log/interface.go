package log

import (
	"fmt"
	"io"
	"os"
)

// LibraryLogger is the logging surface the library packages depend on.
// It keeps runner, mount and environment code free of any knowledge about
// log files, so the same code runs under the CLI, in tests (MemoryLogger)
// or silently (NoOpLogger).
type LibraryLogger interface {
	// Info logs informational messages (e.g., "Mounting overlay on /srv/c1")
	Info(format string, args ...any)

	// Debug logs debug/diagnostic messages (may be no-op in production)
	Debug(format string, args ...any)

	// Warn logs warning messages (non-fatal issues)
	Warn(format string, args ...any)

	// Error logs error messages (failures, but execution continues)
	Error(format string, args ...any)
}

// NoOpLogger discards all log messages.
type NoOpLogger struct{}

func (NoOpLogger) Info(format string, args ...any)  {}
func (NoOpLogger) Debug(format string, args ...any) {}
func (NoOpLogger) Warn(format string, args ...any)  {}
func (NoOpLogger) Error(format string, args ...any) {}

// StderrLogger prints warnings and errors to stderr with a severity prefix.
// Info and Debug are only printed when Verbose is set. Stdout is left alone
// because it belongs to the chrooted command.
type StderrLogger struct {
	Verbose bool
	Out     io.Writer // Defaults to os.Stderr
}

func (l StderrLogger) printf(level, format string, args ...any) {
	out := l.Out
	if out == nil {
		out = os.Stderr
	}
	fmt.Fprintf(out, "["+level+"] "+format+"\n", args...)
}

func (l StderrLogger) Info(format string, args ...any) {
	if l.Verbose {
		l.printf("INFO", format, args...)
	}
}

func (l StderrLogger) Debug(format string, args ...any) {
	if l.Verbose {
		l.printf("DEBUG", format, args...)
	}
}

func (l StderrLogger) Warn(format string, args ...any) {
	l.printf("WARN", format, args...)
}

func (l StderrLogger) Error(format string, args ...any) {
	l.printf("ERROR", format, args...)
}

// Multi fans every message out to each of the given loggers.
type Multi []LibraryLogger

func (m Multi) Info(format string, args ...any) {
	for _, l := range m {
		l.Info(format, args...)
	}
}

func (m Multi) Debug(format string, args ...any) {
	for _, l := range m {
		l.Debug(format, args...)
	}
}

func (m Multi) Warn(format string, args ...any) {
	for _, l := range m {
		l.Warn(format, args...)
	}
}

func (m Multi) Error(format string, args ...any) {
	for _, l := range m {
		l.Error(format, args...)
	}
}
