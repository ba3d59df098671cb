package inventory

import (
	"context"
	"fmt"
	"os"
	"sort"

	"ansible-chroot/util"

	"gopkg.in/yaml.v3"
)

// YAMLSource reads a static YAML inventory:
//
//	all:
//	  vars:
//	    chroot_overlay: true
//	  children:
//	    chroots:
//	      hosts:
//	        c1:
//	          ansible_host: /srv/c1
//
// Variables merge the way Ansible merges them: group variables ordered by
// group depth (then name), host variables last.
type YAMLSource struct {
	Path string
}

// Hosts implements Source.
func (s *YAMLSource) Hosts(ctx context.Context, pattern string) ([]Host, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	m, err := decodeYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path, err)
	}
	return m.match(pattern)
}

type yamlDecoder struct {
	m          *model
	groupVars  map[string]map[string]any
	groupDepth map[string]int
	hostVars   map[string]map[string]any
}

func decodeYAML(data []byte) (*model, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML inventory: %w", err)
	}

	d := &yamlDecoder{
		m:          newModel(),
		groupVars:  make(map[string]map[string]any),
		groupDepth: map[string]int{"all": 0},
		hostVars:   make(map[string]map[string]any),
	}
	d.m.group("all")

	if len(doc.Content) == 0 {
		return d.m, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("inventory root must be a mapping")
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		name := root.Content[i].Value
		if name == "all" {
			if err := d.walkGroup(name, root.Content[i+1], 0); err != nil {
				return nil, err
			}
			continue
		}
		all := d.m.group("all")
		all.children = appendUnique(all.children, name)
		if err := d.walkGroup(name, root.Content[i+1], 1); err != nil {
			return nil, err
		}
	}

	d.mergeVars()
	return d.m, nil
}

func (d *yamlDecoder) walkGroup(name string, node *yaml.Node, depth int) error {
	g := d.m.group(name)
	if cur, ok := d.groupDepth[name]; !ok || depth > cur {
		d.groupDepth[name] = depth
	}
	if isNull(node) {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("group %s must be a mapping", name)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		switch key {
		case "hosts":
			if isNull(val) {
				continue
			}
			if val.Kind != yaml.MappingNode {
				return fmt.Errorf("group %s: hosts must be a mapping", name)
			}
			for j := 0; j+1 < len(val.Content); j += 2 {
				host := val.Content[j].Value
				d.m.addHost(host)
				g.hosts = appendUnique(g.hosts, host)

				vars, err := decodeVars(val.Content[j+1])
				if err != nil {
					return fmt.Errorf("host %s: %w", host, err)
				}
				if d.hostVars[host] == nil {
					d.hostVars[host] = make(map[string]any)
				}
				for k, v := range vars {
					d.hostVars[host][k] = v
				}
			}
		case "vars":
			vars, err := decodeVars(val)
			if err != nil {
				return fmt.Errorf("group %s: %w", name, err)
			}
			if d.groupVars[name] == nil {
				d.groupVars[name] = make(map[string]any)
			}
			for k, v := range vars {
				d.groupVars[name][k] = v
			}
		case "children":
			if isNull(val) {
				continue
			}
			if val.Kind != yaml.MappingNode {
				return fmt.Errorf("group %s: children must be a mapping", name)
			}
			for j := 0; j+1 < len(val.Content); j += 2 {
				child := val.Content[j].Value
				g.children = appendUnique(g.children, child)
				if err := d.walkGroup(child, val.Content[j+1], depth+1); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("group %s: unexpected key %q", name, key)
		}
	}
	return nil
}

// mergeVars computes the final variables of every host.
func (d *yamlDecoder) mergeVars() {
	names := make([]string, 0, len(d.m.groups))
	for name := range d.m.groups {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		di, dj := d.groupDepth[names[i]], d.groupDepth[names[j]]
		if di != dj {
			return di < dj
		}
		return names[i] < names[j]
	})

	members := make(map[string]map[string]bool, len(names))
	for _, name := range names {
		members[name] = d.m.groupHosts(name)
	}

	for _, host := range d.m.hosts {
		merged := d.m.hostVars[host]
		for _, name := range names {
			if name != "all" && !members[name][host] {
				continue
			}
			for k, v := range d.groupVars[name] {
				merged[k] = v
			}
		}
		for k, v := range d.hostVars[host] {
			merged[k] = v
		}
	}
}

func decodeVars(node *yaml.Node) (map[string]any, error) {
	if isNull(node) {
		return nil, nil
	}
	var vars map[string]any
	if err := node.Decode(&vars); err != nil {
		return nil, fmt.Errorf("variables must be a mapping: %w", err)
	}
	return vars, nil
}

func isNull(node *yaml.Node) bool {
	return node == nil || (node.Kind == yaml.ScalarNode && node.Tag == "!!null")
}

func appendUnique(list []string, s string) []string {
	if util.Contains(list, s) {
		return list
	}
	return append(list, s)
}
