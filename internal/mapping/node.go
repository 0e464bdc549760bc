package mapping

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Node is an untyped labeled tree standing in for a FHIR resource, complex
// datatype or primitive. Elements keep their insertion order and may repeat.
type Node struct {
	Type string

	resource bool
	value    any
	order    []string
	elements map[string]*element
}

type element struct {
	children []*Node
	repeats  bool
}

// repeatingElements lists element names that are arrays in FHIR JSON across
// the resources the extraction maps produce. Anything else is singular unless
// it was parsed from an array or appended to explicitly.
var repeatingElements = map[string]bool{
	"address": true, "answer": true, "basedOn": true, "category": true,
	"coding": true, "communication": true, "component": true, "contact": true,
	"contained": true, "diagnosis": true, "entry": true, "extension": true,
	"given": true, "identifier": true, "instantiatesCanonical": true, "issue": true,
	"item": true, "line": true, "link": true, "medium": true,
	"modifierExtension": true, "name": true, "note": true, "parameter": true,
	"part": true, "partOf": true, "participant": true, "payload": true,
	"performer": true, "prefix": true, "profile": true, "reasonCode": true,
	"reasonReference": true, "recipient": true, "security": true, "suffix": true,
	"tag": true, "telecom": true,
}

// datatypes are complex FHIR types that render without a resourceType.
var datatypes = map[string]bool{
	"Address": true, "Age": true, "Annotation": true, "Attachment": true,
	"BackboneElement": true, "CodeableConcept": true, "Coding": true,
	"ContactDetail": true, "ContactPoint": true, "Count": true, "DataRequirement": true,
	"Distance": true, "Dosage": true, "Duration": true, "Element": true,
	"Expression": true, "Extension": true, "HumanName": true, "Identifier": true,
	"Meta": true, "Money": true, "Narrative": true, "ParameterDefinition": true,
	"Period": true, "Quantity": true, "Range": true, "Ratio": true,
	"Reference": true, "RelatedArtifact": true, "SampledData": true,
	"Signature": true, "SimpleQuantity": true, "Timing": true,
	"TriggerDefinition": true, "UsageContext": true,
}

// IsResourceType reports whether typ names a FHIR resource rather than a
// datatype or primitive. Resource type names are capitalized; primitives are not.
func IsResourceType(typ string) bool {
	if typ == "" || datatypes[typ] {
		return false
	}
	return typ[0] >= 'A' && typ[0] <= 'Z'
}

// NewNode allocates an empty node. Resource types get a resourceType when rendered.
func NewNode(typ string) *Node {
	return &Node{Type: typ, resource: IsResourceType(typ)}
}

// NewResource allocates an empty resource node regardless of the type name.
func NewResource(typ string) *Node {
	return &Node{Type: typ, resource: true}
}

// NewPrimitive allocates a scalar node. v must be a string, bool, json.Number,
// int64 or float64.
func NewPrimitive(typ string, v any) *Node {
	return &Node{Type: typ, value: v}
}

// NewString is shorthand for a string primitive.
func NewString(s string) *Node {
	return NewPrimitive("string", s)
}

func (n *Node) IsResource() bool { return n.resource }

// Value returns the scalar carried by the node, if any.
func (n *Node) Value() (any, bool) {
	return n.value, n.value != nil
}

func (n *Node) HasValue() bool { return n.value != nil }

func (n *Node) SetValue(v any) { n.value = v }

// StringValue renders the scalar as FHIR would in JSON-less contexts.
func (n *Node) StringValue() (string, bool) {
	switch v := n.value.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case json.Number:
		return v.String(), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int:
		return strconv.Itoa(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return fmt.Sprint(v), true
	}
}

// Elements returns element names in insertion order.
func (n *Node) Elements() []string {
	out := make([]string, len(n.order))
	copy(out, n.order)
	return out
}

// Children returns the ordered children of an element, or nil if absent.
func (n *Node) Children(name string) []*Node {
	el, ok := n.elements[name]
	if !ok {
		return nil
	}
	out := make([]*Node, len(el.children))
	copy(out, el.children)
	return out
}

// First returns the first child of an element, or nil.
func (n *Node) First(name string) *Node {
	el, ok := n.elements[name]
	if !ok || len(el.children) == 0 {
		return nil
	}
	return el.children[0]
}

func (n *Node) Has(name string) bool {
	el, ok := n.elements[name]
	return ok && len(el.children) > 0
}

// Repeats reports whether the element renders as a JSON array.
func (n *Node) Repeats(name string) bool {
	if repeatingElements[name] {
		return true
	}
	el, ok := n.elements[name]
	return ok && (el.repeats || len(el.children) > 1)
}

// IsEmpty reports whether the node carries neither a value nor elements.
func (n *Node) IsEmpty() bool {
	return n.value == nil && len(n.order) == 0
}

func (n *Node) element(name string) *element {
	if n.elements == nil {
		n.elements = make(map[string]*element)
	}
	el, ok := n.elements[name]
	if !ok {
		el = &element{}
		n.elements[name] = el
		n.order = append(n.order, name)
	}
	return el
}

// Set replaces all children of an element with child.
func (n *Node) Set(name string, child *Node) {
	el := n.element(name)
	el.children = []*Node{child}
}

// Append adds child after the existing children of an element.
func (n *Node) Append(name string, child *Node) {
	el := n.element(name)
	el.children = append(el.children, child)
	el.repeats = true
}

// Assign appends for repeating elements and replaces otherwise.
func (n *Node) Assign(name string, child *Node) {
	if n.Repeats(name) {
		n.Append(name, child)
		return
	}
	n.Set(name, child)
}

// Remove drops an element and its children.
func (n *Node) Remove(name string) {
	if _, ok := n.elements[name]; !ok {
		return
	}
	delete(n.elements, name)
	for i, k := range n.order {
		if k == name {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

// Clone deep-copies the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := &Node{Type: n.Type, resource: n.resource, value: n.value}
	for _, name := range n.order {
		el := n.elements[name]
		ce := c.element(name)
		ce.repeats = el.repeats
		ce.children = make([]*Node, len(el.children))
		for i, child := range el.children {
			ce.children[i] = child.Clone()
		}
	}
	return c
}

// ID returns the id element of a resource node.
func (n *Node) ID() string {
	if id := n.First("id"); id != nil {
		s, _ := id.StringValue()
		return s
	}
	return ""
}

// answerValue unwraps QuestionnaireResponse answer shapes: a node with no
// scalar of its own and a single value[x] element yields that element's child.
func answerValue(n *Node) *Node {
	if n == nil || n.value != nil || len(n.order) != 1 {
		return n
	}
	name := n.order[0]
	if !strings.HasPrefix(name, "value") || len(name) == len("value") {
		return n
	}
	el := n.elements[name]
	if len(el.children) != 1 {
		return n
	}
	return el.children[0]
}
