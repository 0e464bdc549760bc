package mapping

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gofhir/fhirpath"
	"github.com/gofhir/fhirpath/types"
)

// expressionCache keeps compiled FHIRPath expressions. It is the only mutable
// state an Engine shares between invocations.
type expressionCache struct {
	mu    sync.RWMutex
	exprs map[string]*fhirpath.Expression
}

func newExpressionCache() *expressionCache {
	return &expressionCache{exprs: make(map[string]*fhirpath.Expression)}
}

func (c *expressionCache) compile(expr string) (*fhirpath.Expression, error) {
	c.mu.RLock()
	compiled, ok := c.exprs[expr]
	c.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := fhirpath.Compile(expr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.exprs[expr] = compiled
	c.mu.Unlock()
	return compiled, nil
}

func (c *expressionCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.exprs)
}

// evaluate runs expr with focus as the root. Every %name the expression
// mentions that is bound in env is passed to FHIRPath as a variable, so the
// compiled form depends on the expression text alone.
func (c *expressionCache) evaluate(expr string, focus *Node, env *Env) (types.Collection, error) {
	compiled, err := c.compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: compile %q: %v", ErrExpression, expr, err)
	}
	data, err := focus.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: render focus: %v", ErrExpression, err)
	}
	opts, err := variableOptions(expr, env)
	if err != nil {
		return nil, err
	}
	result, err := compiled.EvaluateWithOptions(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: evaluate %q: %v", ErrExpression, expr, err)
	}
	return result, nil
}

// variableOptions binds the env variables expr refers to. Names FHIRPath
// defines itself (%resource, %context, %ucum) are only shadowed when the map
// binds them explicitly.
func variableOptions(expr string, env *Env) ([]fhirpath.EvalOption, error) {
	if env == nil {
		return nil, nil
	}
	var opts []fhirpath.EvalOption
	for _, name := range referencedVariables(expr) {
		n, ok := env.lookup(name)
		if !ok || n == nil {
			continue
		}
		raw, err := n.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("%w: render %%%s: %v", ErrExpression, name, err)
		}
		coll, err := types.JSONToCollection(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: bind %%%s: %v", ErrExpression, name, err)
		}
		opts = append(opts, fhirpath.WithVariable(name, coll))
	}
	return opts, nil
}

// truthy applies FHIRPath singleton rules: empty is false, a single boolean
// is itself, anything else is true.
func truthy(result types.Collection) bool {
	if len(result) == 0 {
		return false
	}
	if len(result) == 1 {
		if b, ok := result[0].(types.Boolean); ok {
			return b.Bool()
		}
	}
	return true
}

// referencedVariables lists the distinct %name references in expr, skipping
// text inside string literals.
func referencedVariables(expr string) []string {
	if !strings.Contains(expr, "%") {
		return nil
	}
	var names []string
	seen := make(map[string]bool)
	inString := false
	for i := 0; i < len(expr); i++ {
		ch := expr[i]
		if ch == '\'' && (i == 0 || expr[i-1] != '\\') {
			inString = !inString
			continue
		}
		if ch != '%' || inString {
			continue
		}
		j := i + 1
		for j < len(expr) && isIdentByte(expr[j]) {
			j++
		}
		if name := expr[i+1 : j]; name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		i = j - 1
	}
	return names
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
