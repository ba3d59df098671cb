package environment

import (
	"fmt"
	"strings"

	"ansible-chroot/util"
)

// Fields are the values a command template can reference.
//
//	{host}, {inventory_hostname}, {}, {0}   inventory host name
//	{chroot_target}                        resolved target directory
//	{<var>}                                any host variable
//
// "{{" and "}}" produce literal braces.
type Fields struct {
	Host   string
	Target string
	Vars   map[string]any
}

func (f Fields) lookup(name string) (string, bool) {
	switch name {
	case "", "0", "host", "inventory_hostname":
		return f.Host, true
	case "chroot_target":
		return f.Target, true
	}
	v, ok := f.Vars[name]
	if !ok {
		return "", false
	}
	return util.Stringify(v), true
}

// TemplateError reports a command argument that cannot be expanded.
type TemplateError struct {
	Template string
	Field    string
	Reason   string
}

func (e *TemplateError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("command template %q: %s '%s'", e.Template, e.Reason, e.Field)
	}
	return fmt.Sprintf("command template %q: %s", e.Template, e.Reason)
}

// ExpandCommand substitutes fields into every argument of args.
func ExpandCommand(args []string, f Fields) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		s, err := expand(arg, f)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func expand(s string, f Fields) (string, error) {
	if !strings.ContainsAny(s, "{}") {
		return s, nil
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '{':
			if i+1 < len(s) && s[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(s[i+1:], '}')
			if end < 0 {
				return "", &TemplateError{Template: s, Reason: "unmatched '{'"}
			}
			name := s[i+1 : i+1+end]
			val, ok := f.lookup(name)
			if !ok {
				return "", &TemplateError{Template: s, Field: name, Reason: "unknown field"}
			}
			b.WriteString(val)
			i += end + 1
		case '}':
			if i+1 < len(s) && s[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", &TemplateError{Template: s, Reason: "single '}' encountered"}
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}
