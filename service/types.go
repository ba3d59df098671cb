package service

import (
	"time"

	"ansible-chroot/environment"
)

// ChrootOptions contains options for the Chroot service.
type ChrootOptions struct {
	Pattern      string // Host pattern
	Inventory    string // Inventory source, empty for the configured default
	TargetSuffix string // Appended to ansible_host before resolution

	Overlay    string // Overlay spec from the command line
	OverlaySet bool   // Overlay was given; otherwise chroot_overlay or the config applies

	Action      environment.Action
	Command     []string // Command templates
	Local       bool     // Run Command on the host
	PrintTarget bool     // Only print host and target

	Silent bool
	DryRun bool
}

// DebootstrapOptions contains options for the Debootstrap service.
type DebootstrapOptions struct {
	Pattern   string
	Inventory string

	Action        string // "print-debs" or "download-only"
	UnpackTarball string
	MakeTarball   string

	Silent bool
	DryRun bool
}

// WritesDebs reports whether the command line asks only for packages (a
// tarball or a package list) instead of a root filesystem. The host's
// debootstrap mapping does not change the target.
func (o DebootstrapOptions) WritesDebs() bool {
	return o.MakeTarball != "" || o.Action == "print-debs"
}

// HostTarget is one line of --print-target output.
type HostTarget struct {
	Host   string
	Target string
}

// Result contains the outcome of a Chroot or Debootstrap call.
type Result struct {
	Matched  bool          // At least one host matched the pattern
	Host     string        // Host acted on
	Target   string        // Its resolved target
	RunID    string        // Empty for dry runs and --print-target
	Targets  []HostTarget  // --print-target only
	Duration time.Duration // Time spent in the action
}
