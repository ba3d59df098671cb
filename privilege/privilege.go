// Package privilege checks that the process may mutate the host mount
// namespace before anything is mounted.
package privilege

import (
	"fmt"
	"os"
	"runtime"

	"github.com/syndtr/gocapability/capability"
)

// PermissionError reports a missing privilege. It is raised before any
// mutation takes place.
type PermissionError struct {
	Reason string
}

func (e *PermissionError) Error() string {
	return e.Reason
}

// capSet is the part of capability.Capabilities used here.
type capSet interface {
	Get(which capability.CapType, what capability.Cap) bool
}

// Fulcrum is a snapshot of the process identity and capabilities.
type Fulcrum struct {
	onLinux bool
	ourUID  int
	ourCaps capSet // valid on linux; nil elsewhere
}

// Scan captures the current process privileges.
func Scan() (*Fulcrum, error) {
	f := &Fulcrum{
		onLinux: runtime.GOOS == "linux",
		ourUID:  os.Getuid(),
	}
	if f.onLinux {
		caps, err := capability.NewPid(0) // zero means self
		if err != nil {
			return nil, fmt.Errorf("failed to read process capabilities: %w", err)
		}
		f.ourCaps = caps
	}
	return f, nil
}

// IsRoot reports whether the effective identity is uid 0.
func (f *Fulcrum) IsRoot() bool {
	return f.ourUID == 0
}

// CanMount reports whether mount(2) is expected to succeed. On linux this
// means CAP_SYS_ADMIN in the effective set; elsewhere it is uid 0.
func (f *Fulcrum) CanMount() bool {
	if !f.onLinux || f.ourCaps == nil {
		return f.IsRoot()
	}
	return f.ourCaps.Get(capability.EFFECTIVE, capability.CAP_SYS_ADMIN)
}

// EnsureSuperuser returns a *PermissionError unless the process is root
// and able to mount. A root process in a container without CAP_SYS_ADMIN
// is rejected up front instead of failing halfway through a mount sequence.
func (f *Fulcrum) EnsureSuperuser() error {
	if !f.IsRoot() {
		return &PermissionError{Reason: "You must be a root"}
	}
	if !f.CanMount() {
		return &PermissionError{Reason: "CAP_SYS_ADMIN is required to mount filesystems"}
	}
	return nil
}

// EnsureSuperuser scans the current process and checks it.
func EnsureSuperuser() error {
	f, err := Scan()
	if err != nil {
		return err
	}
	return f.EnsureSuperuser()
}
