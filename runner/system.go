package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// SystemExecutor runs commands with os/exec.
type SystemExecutor struct {
	Stdin  *os.File
	Stdout io.Writer
	Stderr io.Writer
}

// NewSystemExecutor returns an executor wired to the process stdio.
func NewSystemExecutor() *SystemExecutor {
	return &SystemExecutor{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Run executes args and waits for it.
func (e *SystemExecutor) Run(ctx context.Context, args []string) (int, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if e.Stdin != nil {
		cmd.Stdin = e.Stdin
	}
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	return exitStatus(cmd.Run())
}

// Output executes args and returns its standard output. Standard error is
// captured into the returned *CommandError on failure.
func (e *SystemExecutor) Output(ctx context.Context, args []string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	code, err := exitStatus(err)
	if err != nil {
		return out, &CommandError{Program: args[0], Args: args, ExitCode: -1, Err: err}
	}
	if code != 0 {
		return out, &CommandError{Program: args[0], Args: args, ExitCode: code, Stderr: stderr.String()}
	}
	return out, nil
}

// exitStatus splits an exec error into an exit code and a start failure.
// A child killed by a signal reports 128+signal like a shell does.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
