package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gofhir/fhir/r4"
	"github.com/gofhir/fhirpath/types"
)

// transformCall carries one target's resolved parameters into a transform.
type transformCall struct {
	ctx    context.Context
	engine *Engine
	env    *Env
	name   string
	params []Parameter
	args   []*Node
}

// transformFunc computes a target value. fresh reports whether the node was
// allocated by the transform; values that alias a bound variable are cloned
// before they are written into an element.
type transformFunc func(tc *transformCall) (value *Node, fresh bool, err error)

var transforms = map[string]transformFunc{
	"copy":      transformCopy,
	"append":    transformAppend,
	"uuid":      transformUUID,
	"create":    transformCreate,
	"translate": transformTranslate,
	"evaluate":  transformEvaluate,
	"truncate":  transformTruncate,
	"cast":      transformCast,
	"c":         transformCoding,
	"cc":        transformCodeableConcept,
	"id":        transformIdentifier,
	"reference": transformReference,
}

// resolveParams turns parameters into nodes. A valueId that names no bound
// variable is only acceptable for create, where it is the type name.
func resolveParams(name string, params []Parameter, env *Env) ([]*Node, error) {
	args := make([]*Node, 0, len(params))
	for _, p := range params {
		switch {
		case p.ValueID != nil:
			n, ok := env.lookup(*p.ValueID)
			if !ok {
				if name == "create" {
					args = append(args, NewString(*p.ValueID))
					continue
				}
				return nil, fmt.Errorf("%w: %q", ErrUnboundVariable, *p.ValueID)
			}
			args = append(args, n)
		case p.ValueString != nil:
			args = append(args, NewString(*p.ValueString))
		case p.ValueBoolean != nil:
			args = append(args, NewPrimitive("boolean", *p.ValueBoolean))
		case p.ValueInteger != nil:
			args = append(args, NewPrimitive("integer", *p.ValueInteger))
		case p.ValueDecimal != nil:
			args = append(args, NewPrimitive("decimal", *p.ValueDecimal))
		default:
			return nil, fmt.Errorf("%w: parameter carries no value", ErrBadParameter)
		}
	}
	return args, nil
}

func (tc *transformCall) arity(min, max int) error {
	if len(tc.args) < min || (max >= 0 && len(tc.args) > max) {
		return fmt.Errorf("%w: %s takes %s parameters, %d given", ErrBadParameter, tc.name, arityRange(min, max), len(tc.args))
	}
	return nil
}

func arityRange(min, max int) string {
	switch {
	case max < 0:
		return fmt.Sprintf("at least %d", min)
	case min == max:
		return strconv.Itoa(min)
	default:
		return fmt.Sprintf("%d to %d", min, max)
	}
}

// scalar returns the string form of argument i, unwrapping answer shapes.
func (tc *transformCall) scalar(i int) (string, error) {
	n := answerValue(tc.args[i])
	s, ok := n.StringValue()
	if !ok {
		return "", fmt.Errorf("%w: %s parameter %d is not a primitive", ErrBadParameter, tc.name, i+1)
	}
	return s, nil
}

func transformCopy(tc *transformCall) (*Node, bool, error) {
	if err := tc.arity(1, 1); err != nil {
		return nil, false, err
	}
	return tc.args[0], tc.params[0].ValueID == nil, nil
}

func transformAppend(tc *transformCall) (*Node, bool, error) {
	if err := tc.arity(1, -1); err != nil {
		return nil, false, err
	}
	var b strings.Builder
	for i := range tc.args {
		s, err := tc.scalar(i)
		if err != nil {
			return nil, false, err
		}
		b.WriteString(s)
	}
	return NewString(b.String()), true, nil
}

func transformUUID(tc *transformCall) (*Node, bool, error) {
	if err := tc.arity(0, 0); err != nil {
		return nil, false, err
	}
	return NewString(tc.engine.newID()), true, nil
}

func transformCreate(tc *transformCall) (*Node, bool, error) {
	if err := tc.arity(0, 1); err != nil {
		return nil, false, err
	}
	if len(tc.args) == 0 {
		return NewNode(""), true, nil
	}
	typ, err := tc.scalar(0)
	if err != nil {
		return nil, false, err
	}
	return NewNode(strings.Trim(typ, "'\"")), true, nil
}

// translate(source, map [, output]). The output is one of code, system,
// display, Coding or CodeableConcept; any other value filters the target
// system and yields the code.
func transformTranslate(tc *transformCall) (*Node, bool, error) {
	if err := tc.arity(2, 3); err != nil {
		return nil, false, err
	}
	src := answerValue(tc.args[0])
	system, code := codeOf(src)
	if code == "" {
		return nil, false, fmt.Errorf("%w: translate source has no code", ErrBadParameter)
	}
	mapRef, err := tc.scalar(1)
	if err != nil {
		return nil, false, err
	}
	output, targetSystem := "code", ""
	if len(tc.args) == 3 {
		third, err := tc.scalar(2)
		if err != nil {
			return nil, false, err
		}
		switch third {
		case "code", "system", "display", "Coding", "CodeableConcept":
			output = third
		default:
			targetSystem = third
		}
	}

	req := TranslateRequest{MapRef: mapRef, System: system, Code: code, TargetSystem: targetSystem}
	var tr *Translation
	if t := tc.engine.translator; t != nil {
		tr, err = t.Translate(tc.ctx, req)
		if err != nil {
			return nil, false, fmt.Errorf("translate %q via %s: %w", code, mapRef, err)
		}
	}
	if tr == nil {
		if tc.engine.missPolicy == TranslateMissPassThrough {
			tc.engine.logger.Debug().Str("map", mapRef).Str("code", code).Msg("translate miss, passing source through")
			return src, false, nil
		}
		return nil, false, fmt.Errorf("%w: %q in %s", ErrTranslationNotFound, code, mapRef)
	}

	switch output {
	case "system":
		return NewPrimitive("uri", tr.System), true, nil
	case "display":
		return NewString(tr.Display), true, nil
	case "Coding":
		n, err := datatypeNode("Coding", codingOf(tr.System, tr.Code, tr.Display))
		return n, true, err
	case "CodeableConcept":
		cc := r4.CodeableConcept{Coding: []r4.Coding{codingOf(tr.System, tr.Code, tr.Display)}}
		n, err := datatypeNode("CodeableConcept", cc)
		return n, true, err
	default:
		return NewPrimitive("code", tr.Code), true, nil
	}
}

// codeOf extracts system and code from a primitive, Coding or CodeableConcept.
func codeOf(n *Node) (system, code string) {
	if s, ok := n.StringValue(); ok {
		return "", s
	}
	if c := n.First("coding"); c != nil {
		n = c
	}
	if c := n.First("code"); c != nil {
		code, _ = c.StringValue()
	}
	if s := n.First("system"); s != nil {
		system, _ = s.StringValue()
	}
	return system, code
}

// evaluate(focus, expression). An empty result yields no assignment.
func transformEvaluate(tc *transformCall) (*Node, bool, error) {
	if err := tc.arity(2, 2); err != nil {
		return nil, false, err
	}
	expr, err := tc.scalar(1)
	if err != nil {
		return nil, false, err
	}
	result, err := tc.engine.exprs.evaluate(expr, tc.args[0], tc.env)
	if err != nil {
		return nil, false, err
	}
	if len(result) == 0 {
		return nil, false, nil
	}
	n, err := resultNode(result[0])
	if err != nil {
		return nil, false, err
	}
	return n, true, nil
}

// resultNode converts a FHIRPath value into a node that keeps its JSON type.
func resultNode(v types.Value) (*Node, error) {
	switch r := v.(type) {
	case types.Boolean:
		return NewPrimitive("boolean", r.Bool()), nil
	case types.Integer:
		return NewPrimitive("integer", r.Value()), nil
	case types.Decimal:
		return NewPrimitive("decimal", json.Number(r.String())), nil
	case *types.ObjectValue:
		n, err := FromJSON(r.Data())
		if err != nil {
			return nil, fmt.Errorf("%w: evaluate result: %v", ErrExpression, err)
		}
		return n, nil
	default:
		return NewString(fmt.Sprint(v)), nil
	}
}

func transformTruncate(tc *transformCall) (*Node, bool, error) {
	if err := tc.arity(2, 2); err != nil {
		return nil, false, err
	}
	s, err := tc.scalar(0)
	if err != nil {
		return nil, false, err
	}
	ns, err := tc.scalar(1)
	if err != nil {
		return nil, false, err
	}
	n, err := strconv.Atoi(ns)
	if err != nil || n < 0 {
		return nil, false, fmt.Errorf("%w: truncate length %q", ErrBadParameter, ns)
	}
	if utf8.RuneCountInString(s) > n {
		s = string([]rune(s)[:n])
	}
	return NewString(s), true, nil
}

func transformCast(tc *transformCall) (*Node, bool, error) {
	if err := tc.arity(1, 2); err != nil {
		return nil, false, err
	}
	s, err := tc.scalar(0)
	if err != nil {
		return nil, false, err
	}
	to := "string"
	if len(tc.args) == 2 {
		if to, err = tc.scalar(1); err != nil {
			return nil, false, err
		}
	}
	switch to {
	case "string":
		return NewString(s), true, nil
	case "integer":
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("%w: cast %q to integer", ErrBadParameter, s)
		}
		return NewPrimitive("integer", i), true, nil
	case "decimal":
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return nil, false, fmt.Errorf("%w: cast %q to decimal", ErrBadParameter, s)
		}
		return NewPrimitive("decimal", json.Number(s)), true, nil
	case "boolean":
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, false, fmt.Errorf("%w: cast %q to boolean", ErrBadParameter, s)
		}
		return NewPrimitive("boolean", b), true, nil
	}
	return nil, false, fmt.Errorf("%w: cannot cast to %q", ErrBadParameter, to)
}

// c(system, code [, display])
func transformCoding(tc *transformCall) (*Node, bool, error) {
	if err := tc.arity(2, 3); err != nil {
		return nil, false, err
	}
	parts, err := tc.scalars()
	if err != nil {
		return nil, false, err
	}
	parts = append(parts, "")
	n, err := datatypeNode("Coding", codingOf(parts[0], parts[1], parts[2]))
	return n, true, err
}

// cc(text) or cc(system, code [, display])
func transformCodeableConcept(tc *transformCall) (*Node, bool, error) {
	if err := tc.arity(1, 3); err != nil {
		return nil, false, err
	}
	parts, err := tc.scalars()
	if err != nil {
		return nil, false, err
	}
	var cc r4.CodeableConcept
	if len(parts) == 1 {
		cc.Text = &parts[0]
	} else {
		parts = append(parts, "")
		cc.Coding = []r4.Coding{codingOf(parts[0], parts[1], parts[2])}
	}
	n, err := datatypeNode("CodeableConcept", cc)
	return n, true, err
}

// id(system, value)
func transformIdentifier(tc *transformCall) (*Node, bool, error) {
	if err := tc.arity(2, 2); err != nil {
		return nil, false, err
	}
	parts, err := tc.scalars()
	if err != nil {
		return nil, false, err
	}
	ident := r4.Identifier{System: &parts[0], Value: &parts[1]}
	n, err := datatypeNode("Identifier", ident)
	return n, true, err
}

// reference(resource) renders Type/id for a resource node, or passes a
// primitive reference string through.
func transformReference(tc *transformCall) (*Node, bool, error) {
	if err := tc.arity(1, 1); err != nil {
		return nil, false, err
	}
	n := tc.args[0]
	if s, ok := n.StringValue(); ok {
		return NewString(s), true, nil
	}
	id := n.ID()
	if n.Type == "" || id == "" {
		return nil, false, fmt.Errorf("%w: reference target has no type or id", ErrBadParameter)
	}
	return NewString(n.Type + "/" + id), true, nil
}

func (tc *transformCall) scalars() ([]string, error) {
	out := make([]string, len(tc.args))
	for i := range tc.args {
		s, err := tc.scalar(i)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func codingOf(system, code, display string) r4.Coding {
	var c r4.Coding
	if system != "" {
		c.System = &system
	}
	if code != "" {
		c.Code = &code
	}
	if display != "" {
		c.Display = &display
	}
	return c
}

// datatypeNode renders a typed r4 value into the untyped tree.
func datatypeNode(typ string, v any) (*Node, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	n, err := FromJSON(raw)
	if err != nil {
		return nil, err
	}
	n.Type = typ
	return n, nil
}
