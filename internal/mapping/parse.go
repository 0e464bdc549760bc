package mapping

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse loads a StructureMap JSON document and validates it. Group references
// are resolved here so a map that names a missing group, or calls one with the
// wrong number of variables, never reaches the engine.
func Parse(data []byte) (*Map, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var m Map
	if err := dec.Decode(&m); err != nil {
		return nil, &ParseError{Err: fmt.Errorf("%w: %v", ErrInvalidMap, err)}
	}
	if err := m.index(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseYAML loads a StructureMap written as YAML with the same property names
// as the JSON form.
func ParseYAML(data []byte) (*Map, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Err: fmt.Errorf("%w: yaml: %v", ErrInvalidMap, err)}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, &ParseError{Err: fmt.Errorf("%w: yaml: %v", ErrInvalidMap, err)}
	}
	return Parse(raw)
}

// ParseFile loads a map from disk, choosing the decoder by extension.
func ParseFile(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read structure map %s: %w", path, err)
	}
	var m *Map
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		m, err = ParseYAML(data)
	default:
		m, err = Parse(data)
	}
	if err != nil {
		if pe, ok := err.(*ParseError); ok && pe.Path == "" {
			pe.Path = path
		}
		return nil, err
	}
	return m, nil
}

func (m *Map) index() error {
	if m.ResourceType != "" && m.ResourceType != "StructureMap" {
		return &ParseError{Err: fmt.Errorf("%w: resourceType %q", ErrInvalidMap, m.ResourceType)}
	}
	if len(m.Group) == 0 {
		return &ParseError{Err: fmt.Errorf("%w: no groups", ErrInvalidMap)}
	}

	m.groups = make(map[string]*Group, len(m.Group))
	for i, g := range m.Group {
		if g == nil || g.Name == "" {
			return &ParseError{Path: fmt.Sprintf("group[%d]", i), Err: fmt.Errorf("%w: group has no name", ErrInvalidMap)}
		}
		if _, dup := m.groups[g.Name]; dup {
			return &ParseError{Path: g.Name, Err: fmt.Errorf("%w: duplicate group", ErrInvalidMap)}
		}
		m.groups[g.Name] = g
	}

	for _, g := range m.Group {
		for i, in := range g.Input {
			if in.Name == "" {
				return &ParseError{Path: fmt.Sprintf("%s.input[%d]", g.Name, i), Err: fmt.Errorf("%w: input has no name", ErrInvalidMap)}
			}
			if in.Mode != InputModeSource && in.Mode != InputModeTarget {
				return &ParseError{Path: fmt.Sprintf("%s.input[%d]", g.Name, i), Err: fmt.Errorf("%w: input mode %q", ErrInvalidMap, in.Mode)}
			}
		}
		if g.Extends != "" {
			base, ok := m.groups[g.Extends]
			if !ok {
				return &ParseError{Path: g.Name, Err: fmt.Errorf("%w: extends %q", ErrUnboundGroup, g.Extends)}
			}
			if len(base.Input) != len(g.Input) {
				return &ParseError{Path: g.Name, Err: fmt.Errorf("%w: extends %q with %d inputs, group declares %d",
					ErrArityMismatch, g.Extends, len(base.Input), len(g.Input))}
			}
		}
		for _, r := range g.Rule {
			if err := m.checkRule(g.Name, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Map) checkRule(path string, r *Rule) error {
	if r == nil {
		return &ParseError{Path: path, Err: fmt.Errorf("%w: null rule", ErrInvalidMap)}
	}
	path = path + "/" + r.Name
	if len(r.Source) == 0 {
		return &ParseError{Path: path, Err: fmt.Errorf("%w: rule has no source", ErrInvalidMap)}
	}
	for i, s := range r.Source {
		if s.Context == "" {
			return &ParseError{Path: path, Err: fmt.Errorf("%w: source[%d] has no context", ErrInvalidMap, i)}
		}
		switch s.ListMode {
		case "", SourceListFirst, SourceListNotFirst, SourceListLast, SourceListNotLast, SourceListOnlyOne:
		default:
			return &ParseError{Path: path, Err: fmt.Errorf("%w: source[%d] listMode %q", ErrInvalidMap, i, s.ListMode)}
		}
	}
	for i, t := range r.Target {
		if t.Element != "" && t.Context == "" {
			return &ParseError{Path: path, Err: fmt.Errorf("%w: target[%d] sets %q without a context", ErrInvalidMap, i, t.Element)}
		}
		if t.Transform != "" {
			if _, ok := transforms[t.Transform]; !ok {
				return &ParseError{Path: path, Err: fmt.Errorf("%w: %q", ErrUnknownTransform, t.Transform)}
			}
		}
		for j, p := range t.Parameter {
			if p.kinds() != 1 {
				return &ParseError{Path: path, Err: fmt.Errorf("%w: target[%d].parameter[%d] must carry exactly one value", ErrInvalidMap, i, j)}
			}
		}
	}
	for _, d := range r.Dependent {
		g, ok := m.groups[d.Name]
		if !ok {
			return &ParseError{Path: path, Err: fmt.Errorf("%w: %q", ErrUnboundGroup, d.Name)}
		}
		if len(d.Variable) != len(g.Input) {
			return &ParseError{Path: path, Err: fmt.Errorf("%w: %q takes %d inputs, %d given",
				ErrArityMismatch, d.Name, len(g.Input), len(d.Variable))}
		}
	}
	for _, child := range r.Rule {
		if err := m.checkRule(path, child); err != nil {
			return err
		}
	}
	return nil
}

func (p Parameter) kinds() int {
	n := 0
	if p.ValueID != nil {
		n++
	}
	if p.ValueString != nil {
		n++
	}
	if p.ValueBoolean != nil {
		n++
	}
	if p.ValueInteger != nil {
		n++
	}
	if p.ValueDecimal != nil {
		n++
	}
	return n
}

// Encode renders m as a StructureMap JSON document. Properties the engine does
// not model are not preserved.
func Encode(m *Map) ([]byte, error) {
	if m.ResourceType == "" {
		c := *m
		c.ResourceType = "StructureMap"
		return json.Marshal(&c)
	}
	return json.Marshal(m)
}
