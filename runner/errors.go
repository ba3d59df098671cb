package runner

import (
	"fmt"
	"strings"
)

// CommandError reports an external command that exited non-zero or could
// not be run at all (ExitCode -1, Err set).
type CommandError struct {
	Program  string   // argv[0]
	Args     []string // Full command line
	ExitCode int      // Exit status, -1 when the process never ran to completion
	Stderr   string   // Captured standard error (queries only)
	Err      error    // Underlying error (start failure, cancellation)
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Program, e.Err)
	}
	msg := fmt.Sprintf("%s failed: exit(%d)", e.Program, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
