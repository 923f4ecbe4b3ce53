package dom

import (
	"strings"

	"github.com/aymerick/douceur/parser"
)

// Declaration is one inline style property.
type Declaration struct {
	Property  string
	Value     string
	Important bool
}

// Style is an ordered inline style declaration block.
type Style struct {
	decls []Declaration
}

// ParseStyle parses the value of a style attribute. Malformed input falls
// back to a lenient split on ';' and ':'.
func ParseStyle(inline string) *Style {
	st := &Style{}
	inline = strings.TrimSpace(inline)
	if inline == "" {
		return st
	}

	if decls, err := parser.ParseDeclarations(inline); err == nil {
		for _, d := range decls {
			if d == nil {
				continue
			}
			st.Set(d.Property, strings.TrimSpace(d.Value), d.Important)
		}
		return st
	}

	for _, part := range strings.Split(inline, ";") {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		value := strings.TrimSpace(kv[1])
		important := false
		if lower := strings.ToLower(value); strings.HasSuffix(lower, "!important") {
			important = true
			value = strings.TrimSpace(value[:len(value)-len("!important")])
		}
		st.Set(kv[0], value, important)
	}
	return st
}

// Get returns the declaration for prop.
func (s *Style) Get(prop string) (Declaration, bool) {
	prop = normalizeProperty(prop)
	for _, d := range s.decls {
		if d.Property == prop {
			return d, true
		}
	}
	return Declaration{}, false
}

// Set adds or replaces a declaration.
func (s *Style) Set(prop, value string, important bool) {
	prop = normalizeProperty(prop)
	if prop == "" {
		return
	}
	for i := range s.decls {
		if s.decls[i].Property == prop {
			s.decls[i].Value = value
			s.decls[i].Important = important
			return
		}
	}
	s.decls = append(s.decls, Declaration{Property: prop, Value: value, Important: important})
}

// Remove deletes prop. It reports whether it was present.
func (s *Style) Remove(prop string) bool {
	prop = normalizeProperty(prop)
	for i, d := range s.decls {
		if d.Property == prop {
			s.decls = append(s.decls[:i], s.decls[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of declarations.
func (s *Style) Len() int {
	return len(s.decls)
}

// String serialises the block back to attribute form.
func (s *Style) String() string {
	parts := make([]string, 0, len(s.decls))
	for _, d := range s.decls {
		v := d.Property + ": " + d.Value
		if d.Important {
			v += " !important"
		}
		parts = append(parts, v)
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "; ") + ";"
}

func normalizeProperty(prop string) string {
	return strings.ToLower(strings.TrimSpace(prop))
}
