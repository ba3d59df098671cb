// Package runner is the single choke point through which every external
// command passes.
//
// Mutating commands (mkdir, mount, umount, the chroot spawn itself) go
// through Run or Spawn: they are traced to the error stream as a
// shell-quoted "+ cmd args" line and skipped entirely in dry-run mode.
// Read-only queries (the host mount table, dpkg, ansible-inventory) go
// through Output: they are never traced and always execute, so a dry run
// prints the same plan a real run would carry out.
//
// Usage example:
//
//	r := runner.New(runner.Options{
//	    Policy: runner.NewPolicy(silent, dryRun),
//	})
//	if err := r.Run(ctx, "mount", "--bind", "/proc", "/srv/c1/proc"); err != nil {
//	    return err // *runner.CommandError
//	}
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"ansible-chroot/log"

	"github.com/alessio/shellescape"
)

// Policy controls tracing and execution of mutating commands.
type Policy struct {
	Silent bool // Suppress trace lines (ignored in dry-run)
	DryRun bool // Trace only, never execute
}

// NewPolicy builds a Policy from the two CLI switches. Dry-run always
// traces, so silent only survives when dry-run is off.
func NewPolicy(silent, dryRun bool) Policy {
	return Policy{
		Silent: silent && !dryRun,
		DryRun: dryRun,
	}
}

// Traced reports whether trace lines are written.
func (p Policy) Traced() bool {
	return p.DryRun || !p.Silent
}

// Executor runs external processes. SystemExecutor is the real
// implementation; MockExecutor records calls for tests.
//
// Run and RunInteractive return the child's exit status. A non-nil error
// means the process could not be started (or waited for) at all.
type Executor interface {
	// Run executes args with the executor's stdio and waits for it.
	Run(ctx context.Context, args []string) (int, error)

	// RunInteractive executes args attached to a pseudo-terminal when
	// stdin is a terminal, so the child gets job control and a tty.
	RunInteractive(ctx context.Context, args []string) (int, error)

	// Output executes args and returns its standard output.
	Output(ctx context.Context, args []string) ([]byte, error)
}

// Options configures a Runner. Zero values pick sensible defaults:
// a SystemExecutor on the process stdio, traces to os.Stderr and no logging.
type Options struct {
	Policy   Policy
	Executor Executor
	Trace    io.Writer
	Logger   log.LibraryLogger
}

// Runner traces and executes commands according to its Policy.
type Runner struct {
	policy   Policy
	executor Executor
	trace    io.Writer
	logger   log.LibraryLogger
}

// New creates a Runner.
func New(opts Options) *Runner {
	r := &Runner{
		policy:   opts.Policy,
		executor: opts.Executor,
		trace:    opts.Trace,
		logger:   opts.Logger,
	}
	if r.executor == nil {
		r.executor = NewSystemExecutor()
	}
	if r.trace == nil {
		r.trace = os.Stderr
	}
	if r.logger == nil {
		r.logger = log.NoOpLogger{}
	}
	return r
}

// Policy returns the runner's policy.
func (r *Runner) Policy() Policy {
	return r.policy
}

// Logger returns the logger commands are reported to.
func (r *Runner) Logger() log.LibraryLogger {
	return r.logger
}

// Trace writes the "+ cmd args" line for args unless the policy is silent.
func (r *Runner) Trace(args []string) {
	if !r.policy.Traced() {
		return
	}
	fmt.Fprintf(r.trace, "+ %s\n", shellescape.QuoteCommand(args))
}

// Run traces args and, unless in dry-run, executes it and waits.
// A non-zero exit or a failure to start is returned as *CommandError.
func (r *Runner) Run(ctx context.Context, args ...string) error {
	return r.execute(ctx, args, r.executor.Run)
}

// Spawn is Run for interactive children: the command runs on a
// pseudo-terminal when one is available.
func (r *Runner) Spawn(ctx context.Context, args ...string) error {
	return r.execute(ctx, args, r.executor.RunInteractive)
}

func (r *Runner) execute(ctx context.Context, args []string, fn func(context.Context, []string) (int, error)) error {
	if len(args) == 0 {
		return &CommandError{ExitCode: -1, Err: fmt.Errorf("empty command line")}
	}

	r.Trace(args)
	if r.policy.DryRun {
		return nil
	}

	r.logger.Debug("exec: %s", strings.Join(args, " "))
	code, err := fn(ctx, args)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &CommandError{Program: args[0], Args: args, ExitCode: -1, Err: ctxErr}
	}
	if err != nil {
		r.logger.Error("%s could not be executed: %v", args[0], err)
		return &CommandError{Program: args[0], Args: args, ExitCode: -1, Err: err}
	}
	if code != 0 {
		r.logger.Error("%s exited with code %d", args[0], code)
		return &CommandError{Program: args[0], Args: args, ExitCode: code}
	}
	return nil
}

// Output runs a read-only query and returns its standard output. Queries
// are neither traced nor suppressed by dry-run.
func (r *Runner) Output(ctx context.Context, args ...string) ([]byte, error) {
	if len(args) == 0 {
		return nil, &CommandError{ExitCode: -1, Err: fmt.Errorf("empty command line")}
	}

	r.logger.Debug("query: %s", strings.Join(args, " "))
	out, err := r.executor.Output(ctx, args)
	if err != nil {
		if cmdErr, ok := err.(*CommandError); ok {
			return out, cmdErr
		}
		return out, &CommandError{Program: args[0], Args: args, ExitCode: -1, Err: err}
	}
	return out, nil
}
