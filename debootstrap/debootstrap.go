// Package debootstrap turns a host's debootstrap variables into a
// debootstrap(8) command line.
//
// The host variable "debootstrap" is a mapping. Its action, arch, suite
// and mirror keys have dedicated positions; every other key that starts
// with a letter becomes a flag:
//
//	include: [vim, less]   --include vim,less
//	variant: minbase       --variant minbase
//	merged_usr: true       --merged-usr
//	keyring: false         (omitted)
//
// Suite and arch fall back to the host's own release codename and dpkg
// architecture when unset.
package debootstrap

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"ansible-chroot/runner"
	"ansible-chroot/util"

	"gopkg.in/ini.v1"
)

// Binary is the program Build puts first on the command line.
const Binary = "debootstrap"

// DefaultOSRelease is read for the release codename.
const DefaultOSRelease = "/etc/os-release"

// VarName is the host variable holding the parameter mapping.
const VarName = "debootstrap"

// Params are the debootstrap parameters for one host.
type Params struct {
	Action string         // "print-debs", "download-only", ... or empty
	Suite  string         // Empty until resolved
	Arch   string         // Empty until resolved
	Mirror string         // Optional
	Flags  map[string]any // Every other key
}

// NewParams reads the debootstrap mapping from host variables. A host
// without one gets empty Params.
func NewParams(vars map[string]any) (*Params, error) {
	p := &Params{Flags: make(map[string]any)}

	raw, ok := vars[VarName]
	if !ok || raw == nil {
		return p, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("host variable %s must be a mapping, got %T", VarName, raw)
	}

	for key, value := range m {
		switch key {
		case "action":
			p.Action = util.Stringify(value)
		case "suite":
			p.Suite = util.Stringify(value)
		case "arch":
			p.Arch = util.Stringify(value)
		case "mirror":
			if value != nil {
				p.Mirror = util.Stringify(value)
			}
		default:
			p.Flags[key] = value
		}
	}
	return p, nil
}

// Set stores a generic flag value, as the command line does for
// unpack_tarball and make_tarball.
func (p *Params) Set(key string, value any) {
	p.Flags[key] = value
}

// Resolver fills the suite and arch defaults from the host system.
type Resolver struct {
	Runner    *runner.Runner
	OSRelease string // Defaults to DefaultOSRelease

	suite string
	arch  string
}

// Resolve fills p.Suite and p.Arch when they are empty. The system is
// queried at most once per Resolver.
func (r *Resolver) Resolve(ctx context.Context, p *Params) error {
	if p.Suite == "" {
		suite, err := r.hostSuite()
		if err != nil {
			return err
		}
		p.Suite = suite
	}
	if p.Arch == "" {
		arch, err := r.hostArch(ctx)
		if err != nil {
			return err
		}
		p.Arch = arch
	}
	return nil
}

func (r *Resolver) hostSuite() (string, error) {
	if r.suite != "" {
		return r.suite, nil
	}
	path := r.OSRelease
	if path == "" {
		path = DefaultOSRelease
	}

	f, err := ini.Load(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	codename := strings.TrimSpace(f.Section("").Key("VERSION_CODENAME").String())
	if codename == "" {
		return "", fmt.Errorf("no suite given and VERSION_CODENAME not set in %s", path)
	}
	r.suite = codename
	return codename, nil
}

func (r *Resolver) hostArch(ctx context.Context) (string, error) {
	if r.arch != "" {
		return r.arch, nil
	}
	out, err := r.Runner.Output(ctx, "dpkg", "--print-architecture")
	if err != nil {
		return "", err
	}
	arch := strings.TrimSpace(string(out))
	if arch == "" {
		return "", fmt.Errorf("dpkg --print-architecture printed nothing")
	}
	r.arch = arch
	return arch, nil
}

// Build renders the command line:
//
//	debootstrap [--ACTION] FLAGS... --arch ARCH SUITE TARGET [MIRROR]
//
// Generic flags are emitted in key order. p must be resolved.
func Build(p *Params, target string) ([]string, error) {
	if p.Suite == "" || p.Arch == "" {
		return nil, fmt.Errorf("debootstrap parameters not resolved (suite %q, arch %q)", p.Suite, p.Arch)
	}

	cmdline := []string{Binary}
	if p.Action != "" {
		cmdline = append(cmdline, "--"+p.Action)
	}

	keys := make([]string, 0, len(p.Flags))
	for key := range p.Flags {
		if r, _ := utf8.DecodeRuneInString(key); unicode.IsLetter(r) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		flag, err := renderFlag(key, p.Flags[key])
		if err != nil {
			return nil, err
		}
		cmdline = append(cmdline, flag...)
	}

	cmdline = append(cmdline, "--arch", p.Arch, p.Suite, target)
	if p.Mirror != "" {
		cmdline = append(cmdline, p.Mirror)
	}
	return cmdline, nil
}

func renderFlag(key string, value any) ([]string, error) {
	flag := "--" + strings.ReplaceAll(key, "_", "-")
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool:
		if v {
			return []string{flag}, nil
		}
		return nil, nil
	case []any, []string:
		return []string{flag, strings.Join(util.Flatten(v), ",")}, nil
	case map[string]any:
		return nil, fmt.Errorf("debootstrap parameter %s: mapping values are not supported", key)
	default:
		return []string{flag, util.Stringify(v)}, nil
	}
}
