package mapping

import (
	"context"
	"fmt"
	"strings"
)

// Translator resolves codes through concept maps. Implementations look the
// map up by canonical URL, id or name.
type Translator interface {
	Translate(ctx context.Context, req TranslateRequest) (*Translation, error)
}

// TranslateRequest describes one translate() call.
type TranslateRequest struct {
	MapRef       string
	System       string
	Code         string
	TargetSystem string
}

// Translation is a single mapped concept. A nil *Translation with a nil error
// means the map has no entry for the code.
type Translation struct {
	System  string
	Code    string
	Display string
}

// TranslateMissPolicy decides what translate() does when the map has no entry.
type TranslateMissPolicy int

const (
	// TranslateMissFail stops the invocation with ErrTranslationNotFound.
	TranslateMissFail TranslateMissPolicy = iota
	// TranslateMissPassThrough returns the source value unchanged.
	TranslateMissPassThrough
)

func (p TranslateMissPolicy) String() string {
	switch p {
	case TranslateMissPassThrough:
		return "passthrough"
	default:
		return "fail"
	}
}

// ParseTranslateMissPolicy accepts "fail" or "passthrough".
func ParseTranslateMissPolicy(s string) (TranslateMissPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail":
		return TranslateMissFail, nil
	case "passthrough", "pass-through":
		return TranslateMissPassThrough, nil
	}
	return TranslateMissFail, fmt.Errorf("unknown translate miss policy %q", s)
}

// StaticTranslator is an in-memory Translator keyed by map reference then
// source code. It is handy for tests and for maps loaded from files.
type StaticTranslator map[string]map[string]Translation

func (t StaticTranslator) Translate(_ context.Context, req TranslateRequest) (*Translation, error) {
	codes, ok := t[req.MapRef]
	if !ok {
		return nil, nil
	}
	tr, ok := codes[req.Code]
	if !ok {
		return nil, nil
	}
	if req.TargetSystem != "" && tr.System != "" && tr.System != req.TargetSystem {
		return nil, nil
	}
	return &tr, nil
}
