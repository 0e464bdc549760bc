package mapping

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxDepth bounds nested group invocations.
const DefaultMaxDepth = 64

// Engine evaluates one parsed Map. An Engine is safe for concurrent use as
// long as each invocation writes into its own target tree.
type Engine struct {
	m          *Map
	translator Translator
	missPolicy TranslateMissPolicy
	maxDepth   int
	logger     zerolog.Logger
	newID      func() string
	exprs      *expressionCache
}

// Option configures an Engine.
type Option func(*Engine)

// WithTranslator sets the concept map lookup used by translate().
func WithTranslator(t Translator) Option {
	return func(e *Engine) { e.translator = t }
}

// WithTranslateMissPolicy fixes what translate() does on a miss.
func WithTranslateMissPolicy(p TranslateMissPolicy) Option {
	return func(e *Engine) { e.missPolicy = p }
}

// WithMaxDepth overrides DefaultMaxDepth. Values below 1 are ignored.
func WithMaxDepth(depth int) Option {
	return func(e *Engine) {
		if depth > 0 {
			e.maxDepth = depth
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithIDGenerator replaces the uuid() source.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine returns an engine for m. m must come from Parse.
func NewEngine(m *Map, opts ...Option) *Engine {
	e := &Engine{
		m:        m,
		maxDepth: DefaultMaxDepth,
		logger:   zerolog.Nop(),
		newID:    uuid.NewString,
		exprs:    newExpressionCache(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Map() *Map { return e.m }

// Result is the output of a completed Transform.
type Result struct {
	Target   *Node
	Complete bool
}

// Transform runs the map's default group with source bound to its source input
// and a fresh node of targetType bound to its target input. When targetType is
// empty the target input's declared type is used.
//
// On failure the returned Result is nil and the error is a *PartialError.
func (e *Engine) Transform(ctx context.Context, source *Node, targetType string) (*Result, error) {
	g := e.m.DefaultGroup()
	var srcIn, tgtIn []int
	for i, in := range g.Input {
		if in.Mode == InputModeTarget {
			tgtIn = append(tgtIn, i)
		} else {
			srcIn = append(srcIn, i)
		}
	}
	if len(srcIn) != 1 || len(tgtIn) != 1 {
		return nil, &EvaluationError{Group: g.Name, Err: fmt.Errorf("%w: default group needs one source and one target input, has %d and %d",
			ErrArityMismatch, len(srcIn), len(tgtIn))}
	}

	if targetType == "" {
		targetType = e.resolveType(g.Input[tgtIn[0]].Type)
	}
	target := NewNode(targetType)
	inputs := make([]*Node, len(g.Input))
	inputs[srcIn[0]] = source
	inputs[tgtIn[0]] = target

	if err := e.evaluateGroup(ctx, g, inputs, 0); err != nil {
		e.logger.Error().Err(err).Str("map", e.m.URL).Msg("transform failed")
		return nil, &PartialError{Target: target, Err: err}
	}
	return &Result{Target: target, Complete: true}, nil
}

// resolveType maps a structure alias to the type it names.
func (e *Engine) resolveType(typ string) string {
	for _, s := range e.m.Structure {
		if s.Name() == typ {
			if i := strings.LastIndex(s.URL, "/"); i >= 0 {
				return s.URL[i+1:]
			}
		}
	}
	return typ
}

// EvaluateGroup runs the named group with inputs bound positionally to its
// declared parameters. Results are observed through the target inputs.
func (e *Engine) EvaluateGroup(ctx context.Context, name string, inputs ...*Node) error {
	g, ok := e.m.LookupGroup(name)
	if !ok {
		return &EvaluationError{Group: name, Err: ErrUnboundGroup}
	}
	return e.evaluateGroup(ctx, g, inputs, 0)
}

func (e *Engine) evaluateGroup(ctx context.Context, g *Group, inputs []*Node, depth int) error {
	if depth >= e.maxDepth {
		return &EvaluationError{Group: g.Name, Err: fmt.Errorf("%w: limit %d", ErrDepthExceeded, e.maxDepth)}
	}
	if len(inputs) != len(g.Input) {
		return &EvaluationError{Group: g.Name, Err: fmt.Errorf("%w: %d inputs declared, %d given",
			ErrArityMismatch, len(g.Input), len(inputs))}
	}

	env := newEnv(nil)
	for i, in := range g.Input {
		if inputs[i] == nil {
			return &EvaluationError{Group: g.Name, Err: fmt.Errorf("%w: input %q is nil", ErrUnboundVariable, in.Name)}
		}
		env.bind(in.Name, inputs[i])
	}

	if g.Extends != "" {
		base, ok := e.m.LookupGroup(g.Extends)
		if !ok {
			return &EvaluationError{Group: g.Name, Err: fmt.Errorf("%w: extends %q", ErrUnboundGroup, g.Extends)}
		}
		if err := e.evaluateGroup(ctx, base, inputs, depth+1); err != nil {
			return err
		}
	}

	e.logger.Debug().Str("group", g.Name).Int("depth", depth).Msg("evaluate group")
	for _, r := range g.Rule {
		if err := e.evaluateRule(ctx, g, r, env, depth); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) evaluateRule(ctx context.Context, g *Group, r *Rule, env *Env, depth int) error {
	if err := ctx.Err(); err != nil {
		return locate(g.Name, r.Name, err)
	}
	err := e.matchSources(r.Source, env, func(frame *Env) error {
		for _, t := range r.Target {
			if err := e.executeTarget(ctx, t, frame); err != nil {
				return err
			}
		}
		for _, child := range r.Rule {
			if err := e.evaluateRule(ctx, g, child, frame, depth); err != nil {
				return err
			}
		}
		for _, d := range r.Dependent {
			if err := e.invokeDependent(ctx, d, frame, depth); err != nil {
				return err
			}
		}
		return nil
	})
	return locate(g.Name, r.Name, err)
}

// matchSources walks the cartesian product of source matches. Each source
// binds into a child frame so later sources, targets and nested rules see it
// while the caller's frame stays untouched. An empty match set prunes.
func (e *Engine) matchSources(sources []Source, env *Env, fn func(*Env) error) error {
	if len(sources) == 0 {
		return fn(env)
	}
	src := sources[0]
	matches, err := e.matchSource(src, env)
	if err != nil {
		return err
	}
	for _, m := range matches {
		frame := env.child()
		if src.Variable != "" {
			frame.bind(src.Variable, m)
		}
		if src.LogMessage != "" {
			e.logSource(src, m, frame)
		}
		if err := e.matchSources(sources[1:], frame, fn); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) matchSource(src Source, env *Env) ([]*Node, error) {
	focus, ok := env.lookup(src.Context)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnboundVariable, src.Context)
	}

	items := []*Node{focus}
	if src.Element != "" {
		items = project(focus, src.Element)
	}
	if src.Type != "" {
		items = filterType(items, src.Type)
	}
	if len(items) == 0 && src.DefaultValueString != "" {
		items = []*Node{NewString(src.DefaultValueString)}
	}

	if src.Condition != "" {
		kept := items[:0:0]
		for _, it := range items {
			ok, err := e.test(src.Condition, src.Variable, it, env)
			if err != nil {
				return nil, err
			}
			if ok {
				kept = append(kept, it)
			}
		}
		items = kept
	}
	if src.Check != "" {
		for _, it := range items {
			ok, err := e.test(src.Check, src.Variable, it, env)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrCheckFailed, src.Check)
			}
		}
	}
	if src.Max != "" && src.Max != "*" {
		if max, err := strconv.Atoi(src.Max); err == nil && len(items) > max {
			return nil, fmt.Errorf("%w: %s.%s has %d matches, max %d", ErrCardinality, src.Context, src.Element, len(items), max)
		}
	}

	if len(items) == 0 {
		return nil, nil
	}
	switch src.ListMode {
	case SourceListFirst:
		items = items[:1]
	case SourceListNotFirst:
		items = items[1:]
	case SourceListLast:
		items = items[len(items)-1:]
	case SourceListNotLast:
		items = items[:len(items)-1]
	case SourceListOnlyOne:
		if len(items) > 1 {
			return nil, fmt.Errorf("%w: %s.%s has %d matches, only_one expected", ErrCardinality, src.Context, src.Element, len(items))
		}
	}
	return items, nil
}

// test evaluates a condition with candidate as the focus and, when the source
// names a variable, bound under that name.
func (e *Engine) test(expr, variable string, candidate *Node, env *Env) (bool, error) {
	scope := env
	if variable != "" {
		scope = env.child()
		scope.bind(variable, candidate)
	}
	result, err := e.exprs.evaluate(expr, candidate, scope)
	if err != nil {
		return false, err
	}
	return truthy(result), nil
}

func (e *Engine) logSource(src Source, n *Node, env *Env) {
	result, err := e.exprs.evaluate(src.LogMessage, n, env)
	if err != nil {
		e.logger.Warn().Err(err).Str("expression", src.LogMessage).Msg("source log message")
		return
	}
	parts := make([]string, 0, len(result))
	for _, v := range result {
		parts = append(parts, fmt.Sprint(v))
	}
	e.logger.Info().Str("context", src.Context).Msg(strings.Join(parts, ", "))
}

// project returns the children of an element. "value" also resolves choice
// elements such as valueCoding.
func project(n *Node, element string) []*Node {
	if n.Has(element) {
		return n.Children(element)
	}
	for _, name := range n.order {
		if len(name) > len(element) && strings.HasPrefix(name, element) {
			if c := name[len(element)]; c >= 'A' && c <= 'Z' {
				return n.Children(name)
			}
		}
	}
	return nil
}

func filterType(items []*Node, typ string) []*Node {
	var out []*Node
	for _, it := range items {
		if strings.EqualFold(it.Type, typ) {
			out = append(out, it)
		}
	}
	return out
}

func (e *Engine) executeTarget(ctx context.Context, t Target, env *Env) error {
	var owner *Node
	if t.Context != "" {
		n, ok := env.lookup(t.Context)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnboundVariable, t.Context)
		}
		owner = n
	}

	if t.Transform == "" {
		switch {
		case t.Element != "":
			child := elementNode(owner, t)
			if t.Variable != "" {
				env.bind(t.Variable, child)
			}
		case t.Variable != "" && owner != nil:
			env.bind(t.Variable, owner)
		}
		return nil
	}

	fn, ok := transforms[t.Transform]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTransform, t.Transform)
	}
	args, err := resolveParams(t.Transform, t.Parameter, env)
	if err != nil {
		return err
	}
	value, fresh, err := fn(&transformCall{ctx: ctx, engine: e, env: env, name: t.Transform, params: t.Parameter, args: args})
	if err != nil {
		return err
	}
	if value == nil {
		return nil
	}

	if owner != nil && t.Element != "" {
		assigned := value
		if !fresh {
			assigned = answerValue(value).Clone()
		}
		owner.Assign(t.Element, assigned)
		value = assigned
	}
	if t.Variable != "" {
		env.bind(t.Variable, value)
	}
	return nil
}

// elementNode returns the node a transform-less target writes into: a new
// child of the element, or its last child under listMode share.
func elementNode(owner *Node, t Target) *Node {
	if t.hasListMode(TargetListShare) {
		if existing := owner.Children(t.Element); len(existing) > 0 {
			return existing[len(existing)-1]
		}
	}
	child := NewNode("")
	owner.Assign(t.Element, child)
	return child
}

func (e *Engine) invokeDependent(ctx context.Context, d Dependent, env *Env, depth int) error {
	g, ok := e.m.LookupGroup(d.Name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnboundGroup, d.Name)
	}
	inputs := make([]*Node, len(d.Variable))
	for i, name := range d.Variable {
		n, ok := env.lookup(name)
		if !ok {
			return fmt.Errorf("%w: %q passed to %s", ErrUnboundVariable, name, d.Name)
		}
		inputs[i] = n
	}
	return e.evaluateGroup(ctx, g, inputs, depth+1)
}
