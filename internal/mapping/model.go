package mapping

import "strings"

// Map is a parsed StructureMap transformation document. It is read-only once
// Parse returns and may be shared between engines and goroutines.
type Map struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	URL          string      `json:"url"`
	Name         string      `json:"name"`
	Title        string      `json:"title,omitempty"`
	Status       string      `json:"status,omitempty"`
	Description  string      `json:"description,omitempty"`
	Structure    []Structure `json:"structure,omitempty"`
	Import       []string    `json:"import,omitempty"`
	Group        []*Group    `json:"group"`

	groups map[string]*Group
}

// Structure declares a type used by the map and how it is used.
type Structure struct {
	URL           string `json:"url"`
	Mode          string `json:"mode"`
	Alias         string `json:"alias,omitempty"`
	Documentation string `json:"documentation,omitempty"`
}

// Name returns the alias with mapping-language quoting removed, falling back
// to the last path segment of the structure URL.
func (s Structure) Name() string {
	if a := strings.Trim(s.Alias, "'\""); a != "" {
		return a
	}
	if i := strings.LastIndex(s.URL, "/"); i >= 0 {
		return s.URL[i+1:]
	}
	return s.URL
}

// Group is a named, parameterized list of rules.
type Group struct {
	Name          string  `json:"name"`
	Extends       string  `json:"extends,omitempty"`
	TypeMode      string  `json:"typeMode,omitempty"`
	Documentation string  `json:"documentation,omitempty"`
	Input         []Input `json:"input"`
	Rule          []*Rule `json:"rule,omitempty"`
}

// Input is a group parameter.
type Input struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Mode string `json:"mode"`
}

const (
	InputModeSource = "source"
	InputModeTarget = "target"
)

// Rule matches sources, writes targets, then recurses into nested rules and
// dependent groups for every match combination.
type Rule struct {
	Name          string      `json:"name"`
	Source        []Source    `json:"source"`
	Target        []Target    `json:"target,omitempty"`
	Rule          []*Rule     `json:"rule,omitempty"`
	Dependent     []Dependent `json:"dependent,omitempty"`
	Documentation string      `json:"documentation,omitempty"`
}

// Source selects matches from a bound variable.
type Source struct {
	Context            string `json:"context"`
	Min                *int   `json:"min,omitempty"`
	Max                string `json:"max,omitempty"`
	Type               string `json:"type,omitempty"`
	DefaultValueString string `json:"defaultValueString,omitempty"`
	Element            string `json:"element,omitempty"`
	ListMode           string `json:"listMode,omitempty"`
	Variable           string `json:"variable,omitempty"`
	Condition          string `json:"condition,omitempty"`
	Check              string `json:"check,omitempty"`
	LogMessage         string `json:"logMessage,omitempty"`
}

// Source list modes.
const (
	SourceListFirst    = "first"
	SourceListNotFirst = "not_first"
	SourceListLast     = "last"
	SourceListNotLast  = "not_last"
	SourceListOnlyOne  = "only_one"
)

// Target writes a value into an element of a bound variable and/or binds a
// new variable.
type Target struct {
	Context     string      `json:"context,omitempty"`
	ContextType string      `json:"contextType,omitempty"`
	Element     string      `json:"element,omitempty"`
	Variable    string      `json:"variable,omitempty"`
	ListMode    []string    `json:"listMode,omitempty"`
	ListRuleID  string      `json:"listRuleId,omitempty"`
	Transform   string      `json:"transform,omitempty"`
	Parameter   []Parameter `json:"parameter,omitempty"`
}

// Target list modes.
const (
	TargetListFirst   = "first"
	TargetListShare   = "share"
	TargetListLast    = "last"
	TargetListCollate = "collate"
)

func (t Target) hasListMode(mode string) bool {
	for _, m := range t.ListMode {
		if m == mode {
			return true
		}
	}
	return false
}

// Parameter is a transform argument: either a variable reference (valueId)
// or a literal.
type Parameter struct {
	ValueID      *string  `json:"valueId,omitempty"`
	ValueString  *string  `json:"valueString,omitempty"`
	ValueBoolean *bool    `json:"valueBoolean,omitempty"`
	ValueInteger *int64   `json:"valueInteger,omitempty"`
	ValueDecimal *float64 `json:"valueDecimal,omitempty"`
}

// Dependent invokes another group with variables from the current frame.
type Dependent struct {
	Name     string   `json:"name"`
	Variable []string `json:"variable"`
}

// LookupGroup returns the named group.
func (m *Map) LookupGroup(name string) (*Group, bool) {
	g, ok := m.groups[name]
	return g, ok
}

// DefaultGroup is the entry point of the map: its first group.
func (m *Map) DefaultGroup() *Group {
	if len(m.Group) == 0 {
		return nil
	}
	return m.Group[0]
}

// Targets returns the structures declared as targets or produced.
func (m *Map) Targets() []Structure {
	var out []Structure
	for _, s := range m.Structure {
		if s.Mode == "target" || s.Mode == "produced" {
			out = append(out, s)
		}
	}
	return out
}
