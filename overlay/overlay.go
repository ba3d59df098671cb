// Package overlay plans and performs the overlay mount that can sit on
// top of a chroot target.
//
// Layout next to a target T:
//
//	T.overlay/upper   writable layer
//	T.overlay/work    overlayfs work directory
//	T.overlay/empty   empty lower layer (read-write mode only)
//
// In full mode the lower layer is T itself, optionally after a directory
// has been bind-mounted or an image file mounted onto T first. In
// read-write mode the lower layer is the empty directory, so the result is
// a clean writable layer that does not expose T's current content.
package overlay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ansible-chroot/runner"
)

// Kind classifies an overlay source.
type Kind int

const (
	None      Kind = iota // No overlay
	Self                  // Target's own content is the lower layer
	Directory             // Directory bind-mounted onto the target first
	File                  // Filesystem image mounted onto the target first
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Self:
		return "self"
	case Directory:
		return "directory"
	case File:
		return "file"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Spec is a parsed overlay source.
type Spec struct {
	Kind   Kind
	Source string // Absolute path, Directory and File only
}

// IsSet reports whether an overlay is requested.
func (s Spec) IsSet() bool {
	return s.Kind != None
}

func (s Spec) String() string {
	if s.Source != "" {
		return s.Source
	}
	return s.Kind.String()
}

// ParseSpec interprets a textual overlay value as given on the command
// line or in the configuration file. Empty and false-like values mean no
// overlay, true-like values mean Self, anything else is a path that must
// exist and is classified as Directory or File.
func ParseSpec(value string) (Spec, error) {
	return parseSpec(value, os.Stat)
}

func parseSpec(value string, stat func(string) (os.FileInfo, error)) (Spec, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "false", "no", "off", "none", "0":
		return Spec{Kind: None}, nil
	case "true", "yes", "on", "1":
		return Spec{Kind: Self}, nil
	}

	abs, err := filepath.Abs(value)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid overlay path %q: %w", value, err)
	}
	fi, err := stat(abs)
	if err != nil {
		return Spec{}, fmt.Errorf("overlay source: %w", err)
	}
	if fi.IsDir() {
		return Spec{Kind: Directory, Source: abs}, nil
	}
	return Spec{Kind: File, Source: abs}, nil
}

// FromValue interprets an inventory variable (chroot_overlay), which may
// be a YAML/JSON boolean or a string.
func FromValue(v any) (Spec, error) {
	switch val := v.(type) {
	case nil:
		return Spec{Kind: None}, nil
	case bool:
		if val {
			return Spec{Kind: Self}, nil
		}
		return Spec{Kind: None}, nil
	case string:
		return ParseSpec(val)
	default:
		return Spec{}, fmt.Errorf("unsupported overlay value %v (%T)", v, v)
	}
}

// Layout holds the directories of an overlay stack for one target.
type Layout struct {
	Target string
	Upper  string
	Work   string
	Empty  string
}

// LayoutFor computes the overlay directories for target.
func LayoutFor(target string) Layout {
	base := filepath.Clean(target) + ".overlay"
	return Layout{
		Target: filepath.Clean(target),
		Upper:  filepath.Join(base, "upper"),
		Work:   filepath.Join(base, "work"),
		Empty:  filepath.Join(base, "empty"),
	}
}

// Mode selects which overlay stack is built.
type Mode int

const (
	Full      Mode = iota // lower = target (after optional source mount)
	ReadWrite             // lower = empty directory
)

// Planner turns a target and a Spec into the ordered mkdir/mount command
// lines, and runs them through a runner.
type Planner struct {
	runner *runner.Runner
	stat   func(string) (os.FileInfo, error)
}

// NewPlanner creates a Planner that issues its commands through r.
func NewPlanner(r *runner.Runner) *Planner {
	return &Planner{runner: r, stat: os.Stat}
}

// Plan returns the command lines realizing spec on target in the given
// mode. Directories that already exist get no mkdir. For Full mode with
// Kind None the plan is empty.
func (p *Planner) Plan(target string, spec Spec, mode Mode) ([][]string, error) {
	if mode == Full && !spec.IsSet() {
		return nil, nil
	}

	layout := LayoutFor(target)
	lower := layout.Target

	dirs := []string{layout.Target, layout.Upper, layout.Work}
	if mode == ReadWrite {
		dirs = append(dirs, layout.Empty)
		lower = layout.Empty
	}

	var steps [][]string
	for _, dir := range dirs {
		if p.exists(dir) {
			continue
		}
		steps = append(steps, []string{"mkdir", "-p", dir})
	}

	if mode == Full {
		switch spec.Kind {
		case Directory:
			steps = append(steps, []string{"mount", "--bind", spec.Source, layout.Target})
		case File:
			steps = append(steps, []string{"mount", spec.Source, layout.Target})
		}
	}

	opts, err := overlayOptions(lower, layout.Upper, layout.Work)
	if err != nil {
		return nil, err
	}
	steps = append(steps, []string{"mount", "-t", "overlay", "-o", opts, "overlay", layout.Target})
	return steps, nil
}

// Mount builds and runs the full-mode overlay for spec. A None spec is a
// no-op.
func (p *Planner) Mount(ctx context.Context, target string, spec Spec) error {
	return p.run(ctx, target, spec, Full)
}

// MountReadWrite builds and runs the empty-lower overlay on target.
func (p *Planner) MountReadWrite(ctx context.Context, target string) error {
	return p.run(ctx, target, Spec{Kind: Self}, ReadWrite)
}

// EnsureDir creates dir through the runner unless it already exists.
func (p *Planner) EnsureDir(ctx context.Context, dir string) error {
	if p.exists(dir) {
		return nil
	}
	return p.runner.Run(ctx, "mkdir", "-p", dir)
}

func (p *Planner) run(ctx context.Context, target string, spec Spec, mode Mode) error {
	steps, err := p.Plan(target, spec, mode)
	if err != nil {
		return err
	}
	if len(steps) > 0 {
		p.runner.Logger().Info("Mounting %s overlay on %s (%d steps)", spec, target, len(steps))
	}
	for _, step := range steps {
		if err := p.runner.Run(ctx, step...); err != nil {
			return err
		}
	}
	return nil
}

func (p *Planner) exists(path string) bool {
	_, err := p.stat(path)
	return err == nil
}

// overlayOptions renders the overlayfs mount options. The kernel splits
// options on commas and lowerdir lists on colons, so paths containing
// either cannot be expressed.
func overlayOptions(lower, upper, work string) (string, error) {
	for _, p := range []string{lower, upper, work} {
		if strings.ContainsAny(p, ",:") {
			return "", fmt.Errorf("overlay path %q contains ',' or ':'", p)
		}
	}
	return fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work), nil
}
