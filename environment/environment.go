// Package environment prepares, enters and tears down a chroot target.
//
// An Orchestrator performs one Action per invocation:
//
//   - Mount: overlay (when requested) then the virtual filesystem binds
//   - MountOverlayRW: an overlay with an empty lower layer, no binds
//   - Umount: everything mounted under the target, deepest first
//   - Chroot: mount, run a command inside the target, always unmount
//
// Every mutation goes through a runner.Runner, so dry-run and tracing
// behave the same for all actions.
//
// The chroot action is split into two phases so that teardown can be
// deferred by the caller:
//
//	sess, err := orch.Enter(ctx, target, spec)
//	if err != nil {
//	    return err // already torn down
//	}
//	defer sess.Teardown(ctx)
//
//	return sess.Run(ctx, command, false)
package environment

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"ansible-chroot/config"
	"ansible-chroot/log"
	"ansible-chroot/mount"
	"ansible-chroot/overlay"
	"ansible-chroot/runner"
	"ansible-chroot/termguard"
)

// Action selects what an Orchestrator does with a target.
type Action int

const (
	Chroot Action = iota
	Mount
	Umount
	MountOverlayRW
)

var actionNames = map[Action]string{
	Chroot:         "chroot",
	Mount:          "mount",
	Umount:         "umount",
	MountOverlayRW: "mount-overlay-rw",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// ParseAction maps an action name to an Action. The empty name is Chroot.
func ParseAction(name string) (Action, error) {
	if name == "" {
		return Chroot, nil
	}
	for a, n := range actionNames {
		if n == name {
			return a, nil
		}
	}
	return 0, &UnknownActionError{Action: name}
}

// Request describes one invocation against one host.
type Request struct {
	Action  Action
	Host    string         // Inventory host name
	Target  string         // Resolved absolute target directory
	Overlay overlay.Spec   // Full-mode overlay for Mount and Chroot
	Command []string       // Command templates for Chroot
	Vars    map[string]any // Host variables available to templates
	Local   bool           // Run Command on the host instead of inside the target
}

// Orchestrator sequences overlay, bind mount, spawn and teardown steps.
type Orchestrator struct {
	runner   *runner.Runner
	planner  *overlay.Planner
	registry *mount.Registry
	logger   log.LibraryLogger

	bindMounts   []string
	shell        string
	chrootBinary string
	envBinary    string
	chrootEnv    []string

	stdin   *os.File  // Terminal captured by the guard
	termOut io.Writer // Receives the terminal reset string
}

// New creates an Orchestrator issuing commands through r, with binaries,
// bind mounts and the mount table source taken from cfg.
func New(cfg *config.Config, r *runner.Runner) (*Orchestrator, error) {
	table, err := mount.NewTable(cfg.MountTable, r)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		runner:       r,
		planner:      overlay.NewPlanner(r),
		registry:     mount.NewRegistry(table, r),
		logger:       r.Logger(),
		bindMounts:   cfg.BindMounts,
		shell:        cfg.Shell,
		chrootBinary: cfg.ChrootBinary,
		envBinary:    cfg.EnvBinary,
		chrootEnv:    cfg.ChrootEnv,
		stdin:        os.Stdin,
		termOut:      os.Stdout,
	}, nil
}

// SetTerminal sets the terminal whose state is saved around a chroot
// session and where the reset string is written. A nil in disables the
// terminal guard.
func (o *Orchestrator) SetTerminal(in *os.File, out io.Writer) {
	o.stdin = in
	o.termOut = out
}

// Perform dispatches req to its action.
func (o *Orchestrator) Perform(ctx context.Context, req Request) error {
	if err := checkTarget(req.Target); err != nil {
		return err
	}

	o.logger.Debug("%s: %s on %s", req.Host, req.Action, req.Target)
	switch req.Action {
	case Chroot:
		return o.Chroot(ctx, req)
	case Mount:
		return o.Mount(ctx, req.Target, req.Overlay)
	case Umount:
		return o.Umount(ctx, req.Target)
	case MountOverlayRW:
		return o.MountOverlayRW(ctx, req.Target)
	}
	return &UnknownActionError{Action: req.Action.String()}
}

func checkTarget(target string) error {
	if !filepath.IsAbs(target) {
		return &ErrSetupFailed{Op: "target", Err: fmt.Errorf("target %q is not an absolute path", target)}
	}
	if filepath.Clean(target) == "/" {
		return &ErrSetupFailed{Op: "target", Err: fmt.Errorf("refusing to use / as chroot target")}
	}
	return nil
}

// Mount realizes spec on target (if set) and then bind-mounts each
// virtual filesystem under it, in order.
func (o *Orchestrator) Mount(ctx context.Context, target string, spec overlay.Spec) error {
	if err := o.planner.Mount(ctx, target, spec); err != nil {
		return &ErrSetupFailed{Op: "overlay", Err: err}
	}
	for _, mp := range o.bindMounts {
		if err := o.runner.Run(ctx, "mount", "--bind", mp, bindTarget(target, mp)); err != nil {
			return &ErrSetupFailed{Op: "bind " + mp, Err: err}
		}
	}
	return nil
}

func bindTarget(target, mp string) string {
	return filepath.Join(target, mp)
}

// MountOverlayRW mounts a writable overlay over an empty lower layer onto
// target. No virtual filesystems are bound.
func (o *Orchestrator) MountOverlayRW(ctx context.Context, target string) error {
	if err := o.planner.MountReadWrite(ctx, target); err != nil {
		return &ErrSetupFailed{Op: "overlay", Err: err}
	}
	return nil
}

// Umount unmounts everything under target. Nothing mounted is not an error.
func (o *Orchestrator) Umount(ctx context.Context, target string) error {
	if err := o.registry.UnmountAll(ctx, target); err != nil {
		return o.cleanupError(ctx, target, err)
	}
	return nil
}

func (o *Orchestrator) cleanupError(ctx context.Context, target string, err error) error {
	remaining, derr := o.registry.Discover(ctx, target)
	if derr != nil {
		o.logger.Warn("could not list remaining mounts under %s: %v", target, derr)
	}
	return &ErrCleanupFailed{Op: "umount", Err: err, Mounts: remaining}
}

// Chroot runs req.Command inside req.Target with the environment mounted,
// and unmounts it afterwards whatever happened. A teardown failure takes
// precedence over an earlier error, which is logged.
func (o *Orchestrator) Chroot(ctx context.Context, req Request) (err error) {
	command, err := ExpandCommand(req.Command, Fields{
		Host:   req.Host,
		Target: req.Target,
		Vars:   req.Vars,
	})
	if err != nil {
		return err
	}

	sess, err := o.Enter(ctx, req.Target, req.Overlay)
	if err != nil {
		return err
	}
	defer func() {
		if terr := sess.Teardown(ctx); terr != nil {
			if err != nil {
				o.logger.Error("%s: %v", req.Host, err)
			}
			err = terr
		}
	}()

	return sess.Run(ctx, command, req.Local)
}

// State is the lifecycle position of a Session.
type State int

const (
	Preparing State = iota
	Mounted
	Running
	TearingDown
	Done
)

func (s State) String() string {
	switch s {
	case Preparing:
		return "preparing"
	case Mounted:
		return "mounted"
	case Running:
		return "running"
	case TearingDown:
		return "tearing-down"
	case Done:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session is an entered chroot environment. Teardown must be called
// exactly once the session is no longer needed; further calls are no-ops.
type Session struct {
	o      *Orchestrator
	target string
	guard  *termguard.Guard
	state  State
}

// Enter captures the terminal state, creates target when no overlay will
// provide it and mounts the environment. If mounting fails the session is
// torn down before returning, and the returned session is nil.
func (o *Orchestrator) Enter(ctx context.Context, target string, spec overlay.Spec) (*Session, error) {
	s := &Session{
		o:      o,
		target: target,
		guard:  termguard.Acquire(o.stdin, o.termOut),
		state:  Preparing,
	}

	if !spec.IsSet() {
		if err := o.planner.EnsureDir(ctx, target); err != nil {
			if gerr := s.guard.Release(); gerr != nil {
				o.logger.Warn("failed to restore terminal: %v", gerr)
			}
			s.state = Done
			return nil, &ErrSetupFailed{Op: "mkdir", Err: err}
		}
	}

	if err := o.Mount(ctx, target, spec); err != nil {
		if terr := s.Teardown(ctx); terr != nil {
			o.logger.Error("mount %s: %v", target, err)
			return nil, terr
		}
		return nil, err
	}
	s.state = Mounted
	return s, nil
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Command returns the command line Run would spawn for args.
func (s *Session) Command(args []string, local bool) []string {
	if local {
		if len(args) == 0 {
			return []string{s.o.shell}
		}
		return args
	}

	cmdline := []string{s.o.envBinary}
	cmdline = append(cmdline, s.o.chrootEnv...)
	cmdline = append(cmdline, s.o.chrootBinary, s.target)
	return append(cmdline, args...)
}

// Run spawns args inside the target (or on the host when local) on a
// pseudo-terminal and waits for it. A non-zero exit is a
// *runner.CommandError.
func (s *Session) Run(ctx context.Context, args []string, local bool) error {
	if s.state != Mounted {
		return fmt.Errorf("cannot run in %s session", s.state)
	}
	s.state = Running
	return s.o.runner.Spawn(ctx, s.Command(args, local)...)
}

// Teardown unmounts everything under the target and then restores the
// terminal. It runs to completion even when ctx is already cancelled.
func (s *Session) Teardown(ctx context.Context) error {
	if s.state == TearingDown || s.state == Done {
		return nil
	}
	s.state = TearingDown

	ctx = context.WithoutCancel(ctx)
	var err error
	if uerr := s.o.registry.UnmountAll(ctx, s.target); uerr != nil {
		err = s.o.cleanupError(ctx, s.target, uerr)
	}
	if gerr := s.guard.Release(); gerr != nil {
		s.o.logger.Warn("failed to restore terminal: %v", gerr)
	}

	s.state = Done
	return err
}

// UnknownActionError is returned for an action with no handler.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action: %s", e.Action)
}

// ErrSetupFailed indicates a mount step failed.
//
// Op names the step: "target", "mkdir", "overlay" or "bind <path>".
type ErrSetupFailed struct {
	Op  string
	Err error
}

func (e *ErrSetupFailed) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("setup failed (%s): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("environment setup failed: %v", e.Err)
}

func (e *ErrSetupFailed) Unwrap() error {
	return e.Err
}

// ErrCleanupFailed indicates an unmount failed. Mounts lists what was
// still mounted under the target afterwards.
type ErrCleanupFailed struct {
	Op     string
	Err    error
	Mounts []string
}

func (e *ErrCleanupFailed) Error() string {
	if len(e.Mounts) > 0 {
		return fmt.Sprintf("cleanup failed (%s): %v (remaining mounts: %v)",
			e.Op, e.Err, e.Mounts)
	}
	if e.Op != "" {
		return fmt.Sprintf("cleanup failed (%s): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("environment cleanup failed: %v", e.Err)
}

func (e *ErrCleanupFailed) Unwrap() error {
	return e.Err
}
