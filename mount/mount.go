// Package mount discovers the mounts living under a chroot target and
// tears them down in a safe order.
//
// The registry keeps no state of its own: every teardown re-reads the host
// mount table, so unmounting a target twice, or one that was only
// partially mounted, simply finds fewer (or no) entries.
package mount

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/moby/sys/mountinfo"

	"ansible-chroot/log"
	"ansible-chroot/runner"
)

// Table reads the mount points currently active on the host that belong
// to target (see BelongsTo), in the order the kernel reports them.
type Table interface {
	MountPoints(ctx context.Context, target string) ([]string, error)
}

// CommandTable parses the output of mount(8) run without arguments.
// The command is a query: it runs even in dry-run mode and is not traced.
type CommandTable struct {
	Runner *runner.Runner
}

// MountPoints implements Table.
func (t *CommandTable) MountPoints(ctx context.Context, target string) ([]string, error) {
	out, err := t.Runner.Output(ctx, "mount")
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}
	return UnderTarget(ParseMountOutput(out), target), nil
}

// ProcTable reads the kernel mount table through mountinfo. Path, when
// set, names a file in /proc/self/mountinfo format to read instead.
type ProcTable struct {
	Path string
}

// MountPoints implements Table.
func (t *ProcTable) MountPoints(ctx context.Context, target string) ([]string, error) {
	filter := targetFilter(target)

	var (
		infos []*mountinfo.Info
		err   error
	)
	if t.Path == "" {
		infos, err = mountinfo.GetMounts(filter)
	} else {
		infos, err = readMountinfo(t.Path, filter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}

	points := make([]string, 0, len(infos))
	for _, info := range infos {
		points = append(points, info.Mountpoint)
	}
	return points, nil
}

// targetFilter skips mountinfo entries outside target's tree.
func targetFilter(target string) mountinfo.FilterFunc {
	target = filepath.Clean(target)
	return func(info *mountinfo.Info) (skip, stop bool) {
		return !BelongsTo(info.Mountpoint, target), false
	}
}

// NewTable returns the Table selected by the Mount_table setting.
func NewTable(kind string, r *runner.Runner) (Table, error) {
	switch kind {
	case "", "command":
		return &CommandTable{Runner: r}, nil
	case "proc":
		return &ProcTable{}, nil
	default:
		return nil, fmt.Errorf("unknown mount table source: %s", kind)
	}
}

// ParseMountOutput extracts mount points from mount(8) output lines of the
// form "SOURCE on MOUNTPOINT type FSTYPE (OPTIONS)".
func ParseMountOutput(data []byte) []string {
	var points []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		points = append(points, unescapeOctal(fields[2]))
	}
	return points
}

// unescapeOctal decodes the \NNN escapes mount(8) may print for blanks and
// backslashes in mount paths.
func unescapeOctal(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// UnderTarget keeps the mount points that belong to target: the target
// itself, anything below "target/", and anything below "target.overlay/".
// A sibling such as "/srv/c10" does not match target "/srv/c1".
func UnderTarget(points []string, target string) []string {
	target = filepath.Clean(target)
	var out []string
	for _, p := range points {
		if BelongsTo(p, target) {
			out = append(out, p)
		}
	}
	return out
}

// BelongsTo reports whether mount point p is part of target's tree.
func BelongsTo(p, target string) bool {
	p = filepath.Clean(p)
	target = filepath.Clean(target)
	if p == target {
		return true
	}
	return strings.HasPrefix(p, target+"/") || strings.HasPrefix(p, target+".overlay/")
}

// TeardownOrder sorts mount points so that nested mounts come before the
// mounts they live on: deepest path first, ties broken by descending
// lexical order. Duplicate entries (stacked mounts on one path) are kept,
// each one needs its own umount.
func TeardownOrder(points []string) []string {
	out := make([]string, len(points))
	copy(out, points)
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := depth(out[i]), depth(out[j])
		if di != dj {
			return di > dj
		}
		return out[i] > out[j]
	})
	return out
}

func depth(p string) int {
	p = filepath.Clean(p)
	if p == "/" {
		return 0
	}
	return strings.Count(p, "/")
}

// Registry ties a mount table to the runner that issues umount commands.
type Registry struct {
	table  Table
	runner *runner.Runner
	logger log.LibraryLogger
}

// NewRegistry creates a Registry.
func NewRegistry(table Table, r *runner.Runner) *Registry {
	return &Registry{
		table:  table,
		runner: r,
		logger: r.Logger(),
	}
}

// Discover returns the mount points under target in teardown order.
func (reg *Registry) Discover(ctx context.Context, target string) ([]string, error) {
	points, err := reg.table.MountPoints(ctx, target)
	if err != nil {
		return nil, err
	}
	return TeardownOrder(points), nil
}

// UnmountAll unmounts every mount point under target, deepest first.
// The first failing umount aborts the teardown and is returned as a
// *runner.CommandError; there is no retry.
func (reg *Registry) UnmountAll(ctx context.Context, target string) error {
	points, err := reg.Discover(ctx, target)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		reg.logger.Debug("nothing mounted under %s", target)
		return nil
	}

	reg.logger.Info("Unmounting %d mount point(s) under %s", len(points), target)
	for _, mp := range points {
		if err := reg.runner.Run(ctx, "umount", mp); err != nil {
			return err
		}
	}
	return nil
}
