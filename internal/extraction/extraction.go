// Package extraction turns completed QuestionnaireResponses into Bundles by
// running the StructureMap registered for the questionnaire.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/fhirmap/internal/mapping"
	"github.com/ehr/fhirmap/internal/platform/fhir"
)

// ErrNotQuestionnaireResponse is returned when the input is some other resource.
var ErrNotQuestionnaireResponse = errors.New("input is not a QuestionnaireResponse")

// ErrNoMap is returned by ResolverProvider when neither an explicit map
// reference nor a questionnaire URL is available.
var ErrNoMap = errors.New("no map reference for questionnaire response")

// DefaultWorkers is the BatchExtract concurrency when none is configured.
const DefaultWorkers = 4

// MapProvider returns the map that extracts responses to questionnaire, the
// canonical URL from QuestionnaireResponse.questionnaire (possibly empty).
type MapProvider func(ctx context.Context, questionnaire string) (*mapping.Map, error)

// StaticMap always extracts with m.
func StaticMap(m *mapping.Map) MapProvider {
	return func(context.Context, string) (*mapping.Map, error) { return m, nil }
}

type mapRefKey struct{}

// WithMapRef selects the map for extractions run with ctx, overriding the
// questionnaire URL passed to a ResolverProvider.
func WithMapRef(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, mapRefKey{}, ref)
}

// ResolverProvider looks maps up by reference: the one set with WithMapRef,
// or else the questionnaire URL. resolve should return the same *mapping.Map
// for the same stored map so that engines are reused.
func ResolverProvider(resolve func(ctx context.Context, ref string) (*mapping.Map, error)) MapProvider {
	return func(ctx context.Context, questionnaire string) (*mapping.Map, error) {
		ref, _ := ctx.Value(mapRefKey{}).(string)
		if ref == "" {
			ref = questionnaire
		}
		if ref == "" {
			return nil, ErrNoMap
		}
		return resolve(ctx, ref)
	}
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithEngineOptions passes options to every engine the extractor builds.
func WithEngineOptions(opts ...mapping.Option) Option {
	return func(x *Extractor) { x.engineOpts = append(x.engineOpts, opts...) }
}

// WithWorkers bounds BatchExtract concurrency. Values below 1 are ignored.
func WithWorkers(n int) Option {
	return func(x *Extractor) {
		if n > 0 {
			x.workers = n
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(x *Extractor) { x.logger = logger }
}

// Extractor runs questionnaire extraction. It is safe for concurrent use; an
// engine is built once per distinct map and shared between calls.
type Extractor struct {
	provider   MapProvider
	engineOpts []mapping.Option
	workers    int
	logger     zerolog.Logger

	engines sync.Map // *mapping.Map -> *mapping.Engine
}

func New(provider MapProvider, opts ...Option) *Extractor {
	x := &Extractor{
		provider: provider,
		workers:  DefaultWorkers,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

func (x *Extractor) engine(m *mapping.Map) *mapping.Engine {
	if e, ok := x.engines.Load(m); ok {
		return e.(*mapping.Engine)
	}
	opts := append([]mapping.Option{mapping.WithLogger(x.logger)}, x.engineOpts...)
	e, _ := x.engines.LoadOrStore(m, mapping.NewEngine(m, opts...))
	return e.(*mapping.Engine)
}

// Extract maps one QuestionnaireResponse into a Bundle and returns the
// Bundle's JSON.
func (x *Extractor) Extract(ctx context.Context, response []byte) (json.RawMessage, error) {
	src, err := mapping.FromJSON(response)
	if err != nil {
		return nil, fmt.Errorf("decode questionnaire response: %w", err)
	}
	if src.Type != "QuestionnaireResponse" {
		return nil, fmt.Errorf("%w: got %q", ErrNotQuestionnaireResponse, src.Type)
	}
	questionnaire := ""
	if q := src.First("questionnaire"); q != nil {
		questionnaire, _ = q.StringValue()
	}

	m, err := x.provider(ctx, questionnaire)
	if err != nil {
		return nil, fmt.Errorf("resolve map for %q: %w", questionnaire, err)
	}
	res, err := x.engine(m).Transform(ctx, src, "Bundle")
	if err != nil {
		return nil, err
	}
	out, err := res.Target.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	x.logger.Debug().Str("questionnaire", questionnaire).Str("map", m.URL).
		Int("entries", len(res.Target.Children("entry"))).Msg("questionnaire response extracted")
	return out, nil
}

// Outcome is the result of one item in a batch.
type Outcome struct {
	Index  int
	Bundle json.RawMessage
	Err    error
}

// BatchExtract extracts every response concurrently, each with its own
// output tree. A failed item does not stop the others; only cancellation of
// ctx does. Results are in input order.
func (x *Extractor) BatchExtract(ctx context.Context, responses [][]byte) ([]Outcome, error) {
	results := make([]Outcome, len(responses))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.workers)

	for i, resp := range responses {
		i, resp := i, resp
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = Outcome{Index: i, Err: err}
				return err
			}
			bundle, err := x.Extract(gctx, resp)
			results[i] = Outcome{Index: i, Bundle: bundle, Err: err}
			if err != nil {
				x.logger.Warn().Err(err).Int("index", i).Msg("extraction failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

// Failed returns the outcomes that carry an error.
func Failed(results []Outcome) []Outcome {
	var failed []Outcome
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// Bundles decodes the successful outcomes, for handing to an uploader.
func Bundles(results []Outcome) ([]*fhir.Bundle, error) {
	var bundles []*fhir.Bundle
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		b, err := fhir.ParseBundle(r.Bundle)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", r.Index, err)
		}
		bundles = append(bundles, b)
	}
	return bundles, nil
}
