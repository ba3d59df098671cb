package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ansible-chroot/config"
)

// RunLogDir is the subdirectory of LogsPath holding per-run transcripts.
const RunLogDir = "runs"

// RunLogger keeps a transcript of one run: a header, every traced command
// and the final result. It implements io.Writer so it can be teed with the
// trace stream.
//
// A RunLogger whose file could not be created silently drops all writes;
// transcripts never make a run fail.
type RunLogger struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// RunLogPath returns the transcript path for a run ID.
func RunLogPath(cfg *config.Config, runID string) string {
	return filepath.Join(cfg.LogsPath, RunLogDir, runID+".log")
}

// NewRunLogger creates the transcript file for runID.
func NewRunLogger(cfg *config.Config, runID string) *RunLogger {
	path := RunLogPath(cfg, runID)
	rl := &RunLogger{path: path}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return rl
	}
	file, err := os.Create(path)
	if err != nil {
		return rl
	}
	rl.file = file
	return rl
}

// Path returns the transcript location.
func (rl *RunLogger) Path() string {
	return rl.path
}

// Close closes the transcript
func (rl *RunLogger) Close() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.file != nil {
		rl.file.Close()
		rl.file = nil
	}
}

// WriteHeader writes the transcript header
func (rl *RunLogger) WriteHeader(program, host, target, action string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.file == nil {
		return
	}

	fmt.Fprintf(rl.file, "%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(rl.file, "%s %s: %s\n", program, action, host)
	fmt.Fprintf(rl.file, "Target: %s\n", target)
	fmt.Fprintf(rl.file, "Started: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(rl.file, "%s\n\n", strings.Repeat("=", 70))
	rl.file.Sync()
}

// Write appends raw output to the transcript.
func (rl *RunLogger) Write(p []byte) (int, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.file == nil {
		return len(p), nil
	}

	rl.file.Write(p)
	rl.file.Sync()
	return len(p), nil
}

// WriteResult writes the closing block of the transcript. A nil err means
// the run succeeded.
func (rl *RunLogger) WriteResult(duration time.Duration, err error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.file == nil {
		return
	}

	fmt.Fprintf(rl.file, "\n")
	fmt.Fprintf(rl.file, "%s\n", strings.Repeat("=", 70))
	if err == nil {
		fmt.Fprintf(rl.file, "RUN SUCCESS\n")
	} else {
		fmt.Fprintf(rl.file, "RUN FAILED\n")
		fmt.Fprintf(rl.file, "Reason: %v\n", err)
	}
	fmt.Fprintf(rl.file, "Completed: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(rl.file, "Duration: %s\n", duration)
	fmt.Fprintf(rl.file, "%s\n", strings.Repeat("=", 70))
	rl.file.Sync()
}
