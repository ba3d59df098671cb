package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"ansible-chroot/runner"
)

// AnsibleSource reads the inventory through "ansible-inventory --list".
// The listing already carries fully merged variables per host under
// _meta.hostvars, so no variable precedence is computed here.
type AnsibleSource struct {
	Inventory string // Passed as -i when set
	Binary    string // Defaults to "ansible-inventory"
	Runner    *runner.Runner
}

// Hosts implements Source.
func (s *AnsibleSource) Hosts(ctx context.Context, pattern string) ([]Host, error) {
	binary := s.Binary
	if binary == "" {
		binary = "ansible-inventory"
	}
	args := []string{binary}
	if s.Inventory != "" {
		args = append(args, "-i", s.Inventory)
	}
	args = append(args, "--list")

	out, err := s.Runner.Output(ctx, args...)
	if err != nil {
		return nil, err
	}

	m, err := decodeListing(out)
	if err != nil {
		return nil, err
	}
	return m.match(pattern)
}

// listingGroup is one group entry of the --list JSON document.
type listingGroup struct {
	Hosts    []string `json:"hosts"`
	Children []string `json:"children"`
}

// decodeListing builds a model from ansible-inventory --list output:
//
//	{"_meta": {"hostvars": {"c1": {...}}},
//	 "all": {"children": ["ungrouped", "chroots"]},
//	 "chroots": {"hosts": ["c1"]}}
func decodeListing(data []byte) (*model, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse ansible-inventory output: %w", err)
	}

	var meta struct {
		HostVars map[string]map[string]any `json:"hostvars"`
	}
	if raw, ok := doc["_meta"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("failed to parse ansible-inventory _meta: %w", err)
		}
	}

	m := newModel()
	for name, raw := range doc {
		if name == "_meta" {
			continue
		}
		var lg listingGroup
		if err := json.Unmarshal(raw, &lg); err != nil {
			return nil, fmt.Errorf("failed to parse inventory group %s: %w", name, err)
		}
		g := m.group(name)
		g.hosts = lg.Hosts
		g.children = lg.Children
	}

	// Host order follows a depth-first walk from "all", like Ansible's
	// own listing. Hosts only present in _meta come last, sorted.
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		g, ok := m.groups[name]
		if !ok {
			return
		}
		for _, child := range g.children {
			walk(child)
		}
		for _, h := range g.hosts {
			m.addHost(h)
		}
	}
	walk("all")

	var rest []string
	for h := range meta.HostVars {
		if _, ok := m.hostVars[h]; !ok {
			rest = append(rest, h)
		}
	}
	sort.Strings(rest)
	for _, h := range rest {
		m.addHost(h)
	}

	for h, vars := range meta.HostVars {
		for k, v := range vars {
			m.hostVars[h][k] = normalizeJSON(v)
		}
	}
	return m, nil
}

// normalizeJSON converts whole float64 numbers decoded by encoding/json
// into ints, so they format the same as values read from YAML.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case float64:
		if val == float64(int64(val)) {
			return int(val)
		}
		return val
	case []any:
		for i := range val {
			val[i] = normalizeJSON(val[i])
		}
		return val
	case map[string]any:
		for k := range val {
			val[k] = normalizeJSON(val[k])
		}
		return val
	}
	return v
}
