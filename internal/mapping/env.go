package mapping

// Env is a rule-evaluation frame. Lookups fall through to the parent; binds
// only ever touch the frame itself, so siblings never see each other's names.
type Env struct {
	parent *Env
	vars   map[string]*Node
}

func newEnv(parent *Env) *Env {
	return &Env{parent: parent}
}

func (e *Env) child() *Env {
	return newEnv(e)
}

func (e *Env) bind(name string, n *Node) {
	if e.vars == nil {
		e.vars = make(map[string]*Node)
	}
	e.vars[name] = n
}

func (e *Env) lookup(name string) (*Node, bool) {
	for f := e; f != nil; f = f.parent {
		if n, ok := f.vars[name]; ok {
			return n, true
		}
	}
	return nil, false
}
