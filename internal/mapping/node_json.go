package mapping

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// FromJSON decodes FHIR JSON into a Node tree, preserving property order.
func FromJSON(data []byte) (*Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	n, err := decodeNode(dec, "")
	if err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if n == nil {
		return nil, fmt.Errorf("decode resource: null document")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode resource: trailing data after top-level value")
	}
	return n, nil
}

// FromMap converts a generic decoded resource into a Node tree. Property order
// follows Go map iteration, so prefer FromJSON when order matters.
func FromMap(m map[string]any) (*Node, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return FromJSON(raw)
}

func decodeNode(dec *json.Decoder, typ string) (*Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		if t != '{' {
			return nil, fmt.Errorf("unexpected %q", t)
		}
		return decodeObject(dec, typ)
	case string:
		return NewPrimitive(primitiveType(typ, "string"), t), nil
	case bool:
		return NewPrimitive(primitiveType(typ, "boolean"), t), nil
	case json.Number:
		return NewPrimitive(primitiveType(typ, "decimal"), t), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected token %v", tok)
	}
}

func primitiveType(declared, fallback string) string {
	if declared != "" {
		return declared
	}
	return fallback
}

func decodeObject(dec *json.Decoder, typ string) (*Node, error) {
	n := &Node{Type: typ}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected property name, got %v", tok)
		}
		if key == "resourceType" {
			var rt string
			if err := dec.Decode(&rt); err != nil {
				return nil, fmt.Errorf("resourceType: %w", err)
			}
			n.Type = rt
			n.resource = true
			continue
		}
		if err := decodeProperty(dec, n, key); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return n, nil
}

func decodeProperty(dec *json.Decoder, parent *Node, key string) error {
	if !dec.More() {
		return io.ErrUnexpectedEOF
	}
	// Peek by decoding the raw value; arrays become repeated children.
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		sub := json.NewDecoder(bytes.NewReader(trimmed))
		sub.UseNumber()
		if _, err := sub.Token(); err != nil {
			return err
		}
		el := parent.element(key)
		el.repeats = true
		for sub.More() {
			child, err := decodeNode(sub, choiceType(key))
			if err != nil {
				return err
			}
			if child != nil {
				el.children = append(el.children, child)
			}
		}
		return nil
	}
	sub := json.NewDecoder(bytes.NewReader(trimmed))
	sub.UseNumber()
	child, err := decodeNode(sub, choiceType(key))
	if err != nil {
		return err
	}
	if child != nil {
		parent.Set(key, child)
	}
	return nil
}

// choiceType derives the datatype of a choice element from its suffix:
// valueCoding is a Coding, valueString a string.
func choiceType(key string) string {
	if !strings.HasPrefix(key, "value") || len(key) == len("value") {
		return ""
	}
	suffix := key[len("value"):]
	if suffix[0] < 'A' || suffix[0] > 'Z' {
		return ""
	}
	if datatypes[suffix] {
		return suffix
	}
	return strings.ToLower(suffix[:1]) + suffix[1:]
}

// MarshalJSON renders the node as FHIR JSON.
func (n *Node) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := n.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (n *Node) encode(buf *bytes.Buffer) error {
	if n.value != nil {
		// A primitive carrying id/extension renders as the bare scalar.
		raw, err := json.Marshal(n.value)
		if err != nil {
			return err
		}
		buf.Write(raw)
		return nil
	}

	buf.WriteByte('{')
	first := true
	if n.resource && n.Type != "" {
		buf.WriteString(`"resourceType":`)
		raw, _ := json.Marshal(n.Type)
		buf.Write(raw)
		first = false
	}
	for _, name := range n.order {
		el := n.elements[name]
		if len(el.children) == 0 {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		key, _ := json.Marshal(name)
		buf.Write(key)
		buf.WriteByte(':')
		if el.repeats || repeatingElements[name] || len(el.children) > 1 {
			buf.WriteByte('[')
			for i, child := range el.children {
				if i > 0 {
					buf.WriteByte(',')
				}
				if err := child.encode(buf); err != nil {
					return err
				}
			}
			buf.WriteByte(']')
			continue
		}
		if err := el.children[0].encode(buf); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// ToMap renders the node as a generic JSON object.
func (n *Node) ToMap() (map[string]any, error) {
	raw, err := n.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("node is not an object: %w", err)
	}
	return m, nil
}
