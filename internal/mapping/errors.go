package mapping

import (
	"errors"
	"fmt"
	"strings"
)

// Structural errors are fatal to the invocation that raised them. They are
// always returned wrapped in an *EvaluationError (or a *ParseError at load time)
// so callers can match them with errors.Is.
var (
	ErrInvalidMap          = errors.New("invalid structure map")
	ErrUnboundVariable     = errors.New("unbound variable")
	ErrArityMismatch       = errors.New("arity mismatch")
	ErrUnboundGroup        = errors.New("unbound group reference")
	ErrDepthExceeded       = errors.New("group recursion depth exceeded")
	ErrUnknownTransform    = errors.New("unknown transform")
	ErrBadParameter        = errors.New("bad transform parameter")
	ErrTranslationNotFound = errors.New("translation not found")
	ErrCheckFailed         = errors.New("source check failed")
	ErrCardinality         = errors.New("source cardinality violated")
	ErrExpression          = errors.New("fhirpath expression failed")
)

// EvaluationError identifies the group and rule that were executing when a
// structural failure happened. Nested failures keep the innermost location.
type EvaluationError struct {
	Group string
	Rule  string
	Err   error
}

func (e *EvaluationError) Error() string {
	var b strings.Builder
	b.WriteString("mapping: ")
	if e.Group != "" {
		b.WriteString("group ")
		b.WriteString(e.Group)
	}
	if e.Rule != "" {
		if e.Group != "" {
			b.WriteString(", ")
		}
		b.WriteString("rule ")
		b.WriteString(e.Rule)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// ParseError reports a problem found while loading a transformation document.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return "mapping: parse: " + e.Err.Error()
	}
	return fmt.Sprintf("mapping: parse %s: %s", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PartialError is returned by Engine.Transform when evaluation stopped early.
// Target holds whatever had been written before the failure; it must not be
// treated as a complete output.
type PartialError struct {
	Target *Node
	Err    error
}

func (e *PartialError) Error() string {
	return "mapping: partial output discarded: " + e.Err.Error()
}

func (e *PartialError) Unwrap() error { return e.Err }

// locate wraps err with the group/rule location unless it already carries one.
func locate(group, rule string, err error) error {
	if err == nil {
		return nil
	}
	var ee *EvaluationError
	if errors.As(err, &ee) {
		return err
	}
	return &EvaluationError{Group: group, Rule: rule, Err: err}
}

// IsStructural reports whether err came from a malformed map or invocation
// rather than from a collaborator or cancellation.
func IsStructural(err error) bool {
	for _, target := range []error{ErrInvalidMap, ErrUnboundVariable, ErrArityMismatch, ErrUnboundGroup,
		ErrDepthExceeded, ErrUnknownTransform, ErrBadParameter, ErrCheckFailed, ErrCardinality, ErrExpression} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
