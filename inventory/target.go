package inventory

import (
	"fmt"
	"strings"

	"ansible-chroot/util"
)

// ConfigurationError reports a host lacking every variable that could
// define a required setting.
type ConfigurationError struct {
	Host      string
	Variables []string
}

func (e *ConfigurationError) Error() string {
	quoted := make([]string, len(e.Variables))
	for i, v := range e.Variables {
		quoted[i] = "'" + v + "'"
	}
	return fmt.Sprintf("no variable definition for host '%s': %s", e.Host, strings.Join(quoted, " nor "))
}

// lookup returns the first non-empty string variable among names.
func (h Host) lookup(names ...string) (string, error) {
	for _, name := range names {
		v, ok := h.Vars[name]
		if !ok || v == nil {
			continue
		}
		if s := util.Stringify(v); s != "" {
			return s, nil
		}
	}
	return "", &ConfigurationError{Host: h.Name, Variables: names}
}

// ResolveTarget returns the chroot root of a host: ansible_host with
// suffix appended, made absolute and symlink-free. The directory does not
// have to exist yet.
func ResolveTarget(h Host, suffix string) (string, error) {
	base, err := h.lookup("ansible_host")
	if err != nil {
		return "", err
	}
	return util.RealPath(base + suffix)
}

// ResolveDebootstrapTarget returns the directory debootstrap fills for a
// host, preferring debootstrap_target over ansible_host. Tarball and
// print-debs runs get a ".debs" suffix so they never touch the root.
func ResolveDebootstrapTarget(h Host, debs bool) (string, error) {
	base, err := h.lookup("debootstrap_target", "ansible_host")
	if err != nil {
		return "", err
	}
	target, err := util.RealPath(base)
	if err != nil {
		return "", err
	}
	if debs {
		target += ".debs"
	}
	return target, nil
}
