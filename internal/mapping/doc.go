// Package mapping executes FHIR StructureMap transformation documents.
//
// A Map is parsed once (Parse, ParseYAML or ParseFile) and is read-only
// afterwards. Resources are handled as untyped Node trees, so the engine
// does not depend on any particular resource schema:
//
//	m, err := mapping.ParseFile("registration.json")
//	...
//	e := mapping.NewEngine(m, mapping.WithTranslator(t))
//	res, err := e.Transform(ctx, questionnaireResponse, "Bundle")
//
// Missing data never fails a transform; a source that matches nothing just
// prunes its branch. Structural problems (unbound variables, arity
// mismatches, unknown groups, runaway recursion) stop the invocation with an
// *EvaluationError naming the group and rule, and Transform reports them as a
// *PartialError so a half-built output is never mistaken for a finished one.
package mapping
