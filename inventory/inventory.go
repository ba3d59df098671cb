// Package inventory resolves a host pattern to hosts and their variables.
//
// Two sources are supported: AnsibleSource asks ansible-inventory for the
// fully merged inventory (any format or plugin Ansible understands), and
// YAMLSource reads a static YAML inventory directly so the tools work on
// machines without Ansible installed.
package inventory

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"ansible-chroot/runner"
)

// Host is one inventory host with its merged variables.
type Host struct {
	Name string
	Vars map[string]any
}

// Source yields the hosts matching a pattern, in inventory order.
type Source interface {
	Hosts(ctx context.Context, pattern string) ([]Host, error)
}

// Open picks a Source for an inventory argument. Static .yml/.yaml files
// are read natively; anything else (INI files, directories, scripts, or
// no argument at all) goes through ansible-inventory.
func Open(inventory string, r *runner.Runner) Source {
	switch strings.ToLower(filepath.Ext(inventory)) {
	case ".yml", ".yaml":
		return &YAMLSource{Path: inventory}
	}
	return &AnsibleSource{Inventory: inventory, Runner: r}
}

// model is the inventory graph both sources decode into.
type model struct {
	hosts    []string                  // Every host, in first-seen order
	hostVars map[string]map[string]any // Merged variables per host
	groups   map[string]*group
}

type group struct {
	hosts    []string
	children []string
}

func newModel() *model {
	return &model{
		hostVars: make(map[string]map[string]any),
		groups:   make(map[string]*group),
	}
}

func (m *model) addHost(name string) {
	if _, ok := m.hostVars[name]; ok {
		return
	}
	m.hosts = append(m.hosts, name)
	m.hostVars[name] = make(map[string]any)
}

func (m *model) group(name string) *group {
	g, ok := m.groups[name]
	if !ok {
		g = &group{}
		m.groups[name] = g
	}
	return g
}

// groupHosts returns the hosts of a group and all of its descendants.
func (m *model) groupHosts(name string) map[string]bool {
	out := make(map[string]bool)
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		if seen[n] {
			return
		}
		seen[n] = true
		g, ok := m.groups[n]
		if !ok {
			return
		}
		for _, h := range g.hosts {
			out[h] = true
		}
		for _, c := range g.children {
			walk(c)
		}
	}
	walk(name)
	return out
}

// resolveTerm returns the set of hosts a single pattern term selects.
func (m *model) resolveTerm(term string) (map[string]bool, error) {
	out := make(map[string]bool)
	if term == "all" || term == "*" {
		for _, h := range m.hosts {
			out[h] = true
		}
		return out, nil
	}

	if _, ok := m.hostVars[term]; ok {
		out[term] = true
	}
	if _, ok := m.groups[term]; ok {
		for h := range m.groupHosts(term) {
			out[h] = true
		}
	}
	if len(out) > 0 || !strings.ContainsAny(term, "*?[") {
		return out, nil
	}

	if _, err := path.Match(term, ""); err != nil {
		return nil, fmt.Errorf("invalid host pattern %q: %w", term, err)
	}
	for _, h := range m.hosts {
		if ok, _ := path.Match(term, h); ok {
			out[h] = true
		}
	}
	names := make([]string, 0, len(m.groups))
	for name := range m.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if ok, _ := path.Match(term, name); ok {
			for h := range m.groupHosts(name) {
				out[h] = true
			}
		}
	}
	return out, nil
}

// match evaluates a pattern: terms separated by ':' or ',' are unioned,
// "&term" intersects and "!term" excludes, as in Ansible.
func (m *model) match(pattern string) ([]Host, error) {
	terms := strings.FieldsFunc(pattern, func(r rune) bool { return r == ':' || r == ',' })
	if len(terms) == 0 {
		return nil, fmt.Errorf("empty host pattern")
	}

	selected := make(map[string]bool)
	var intersect []map[string]bool
	var exclude []map[string]bool
	for _, term := range terms {
		term = strings.TrimSpace(term)
		switch {
		case strings.HasPrefix(term, "&"):
			set, err := m.resolveTerm(term[1:])
			if err != nil {
				return nil, err
			}
			intersect = append(intersect, set)
		case strings.HasPrefix(term, "!"):
			set, err := m.resolveTerm(term[1:])
			if err != nil {
				return nil, err
			}
			exclude = append(exclude, set)
		default:
			set, err := m.resolveTerm(term)
			if err != nil {
				return nil, err
			}
			for h := range set {
				selected[h] = true
			}
		}
	}

	var hosts []Host
	for _, name := range m.hosts {
		if !selected[name] {
			continue
		}
		keep := true
		for _, set := range intersect {
			keep = keep && set[name]
		}
		for _, set := range exclude {
			keep = keep && !set[name]
		}
		if keep {
			hosts = append(hosts, Host{Name: name, Vars: m.hostVars[name]})
		}
	}
	return hosts, nil
}
