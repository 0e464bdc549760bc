package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirmap/internal/mapping"
)

const registrationURL = "https://fhir.dk.swisstph-mis.ch/matchbox/fhir/Questionnaire/emcarea.registration.p"

var genderMap = mapping.StaticTranslator{
	"sex-of-the-client": {
		"F": {System: "http://hl7.org/fhir/administrative-gender", Code: "female"},
		"M": {System: "http://hl7.org/fhir/administrative-gender", Code: "male"},
	},
}

func loadRegistration(t *testing.T) (*mapping.Map, []byte) {
	t.Helper()
	m, err := mapping.ParseFile("testdata/registration.json")
	require.NoError(t, err)
	resp, err := os.ReadFile("testdata/registration-response.json")
	require.NoError(t, err)
	return m, resp
}

func newExtractor(m *mapping.Map, opts ...Option) *Extractor {
	opts = append([]Option{WithEngineOptions(mapping.WithTranslator(genderMap))}, opts...)
	return New(StaticMap(m), opts...)
}

func TestExtract_Registration(t *testing.T) {
	m, resp := loadRegistration(t)

	out, err := newExtractor(m).Extract(context.Background(), resp)
	require.NoError(t, err)

	var bundle map[string]any
	require.NoError(t, json.Unmarshal(out, &bundle))
	assert.Equal(t, "Bundle", bundle["resourceType"])
	assert.Equal(t, "batch", bundle["type"])

	entries := bundle["entry"].([]any)
	require.Len(t, entries, 1)
	patient := entries[0].(map[string]any)["resource"].(map[string]any)
	assert.Equal(t, "Patient", patient["resourceType"])
	assert.Equal(t, "female", patient["gender"])
}

func TestExtract_PassesQuestionnaireToProvider(t *testing.T) {
	m, resp := loadRegistration(t)
	var asked string
	provider := func(_ context.Context, questionnaire string) (*mapping.Map, error) {
		asked = questionnaire
		return m, nil
	}

	_, err := New(provider, WithEngineOptions(mapping.WithTranslator(genderMap))).Extract(context.Background(), resp)
	require.NoError(t, err)
	assert.Equal(t, registrationURL, asked)
}

func TestExtract_Errors(t *testing.T) {
	m, _ := loadRegistration(t)
	ctx := context.Background()

	_, err := newExtractor(m).Extract(ctx, []byte(`{"resourceType": "Patient"}`))
	assert.ErrorIs(t, err, ErrNotQuestionnaireResponse)

	_, err = newExtractor(m).Extract(ctx, []byte(`{`))
	assert.Error(t, err)

	missing := errors.New("no map registered")
	x := New(func(context.Context, string) (*mapping.Map, error) { return nil, missing })
	_, err = x.Extract(ctx, []byte(`{"resourceType": "QuestionnaireResponse"}`))
	assert.ErrorIs(t, err, missing)

	// Without a translator the gender answer cannot be mapped.
	_, resp := loadRegistration(t)
	_, err = New(StaticMap(m)).Extract(ctx, resp)
	assert.ErrorIs(t, err, mapping.ErrTranslationNotFound)
	var pe *mapping.PartialError
	assert.ErrorAs(t, err, &pe)
}

func TestResolverProvider(t *testing.T) {
	m, resp := loadRegistration(t)
	var refs []string
	resolve := func(ctx context.Context, ref string) (*mapping.Map, error) {
		refs = append(refs, ref)
		if ref == "unknown" {
			return nil, errors.New("not stored")
		}
		return m, nil
	}
	x := New(ResolverProvider(resolve), WithEngineOptions(mapping.WithTranslator(genderMap)))

	_, err := x.Extract(context.Background(), resp)
	require.NoError(t, err)
	_, err = x.Extract(WithMapRef(context.Background(), "registration-map"), resp)
	require.NoError(t, err)
	assert.Equal(t, []string{registrationURL, "registration-map"}, refs)

	_, err = x.Extract(WithMapRef(context.Background(), "unknown"), resp)
	assert.EqualError(t, err, `resolve map for "`+registrationURL+`": not stored`)

	_, err = x.Extract(context.Background(), []byte(`{"resourceType":"QuestionnaireResponse","status":"completed"}`))
	assert.ErrorIs(t, err, ErrNoMap)
}

func TestExtractor_SharesEnginePerMap(t *testing.T) {
	m, _ := loadRegistration(t)
	x := newExtractor(m)
	assert.Same(t, x.engine(m), x.engine(m))
}

func TestBatchExtract(t *testing.T) {
	m, resp := loadRegistration(t)
	x := newExtractor(m, WithWorkers(3))

	responses := make([][]byte, 10)
	for i := range responses {
		responses[i] = resp
	}
	responses[4] = []byte(`{"resourceType": "Observation"}`)

	results, err := x.BatchExtract(context.Background(), responses)
	require.NoError(t, err)
	require.Len(t, results, len(responses))

	seen := map[string]bool{}
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		if i == 4 {
			assert.ErrorIs(t, r.Err, ErrNotQuestionnaireResponse)
			continue
		}
		require.NoError(t, r.Err, "item %d", i)
		var b struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(r.Bundle, &b))
		assert.False(t, seen[b.ID], "bundle id %s reused", b.ID)
		seen[b.ID] = true
	}

	failed := Failed(results)
	require.Len(t, failed, 1)
	assert.Equal(t, 4, failed[0].Index)

	bundles, err := Bundles(results)
	require.NoError(t, err)
	assert.Len(t, bundles, 9)
	assert.Equal(t, "batch", bundles[0].Type)
	assert.Len(t, bundles[0].Entry, 1)
}

func TestBatchExtract_Cancelled(t *testing.T) {
	m, resp := loadRegistration(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := newExtractor(m, WithWorkers(1)).BatchExtract(ctx, [][]byte{resp, resp})
	assert.ErrorIs(t, err, context.Canceled)
	for _, r := range results {
		assert.Error(t, r.Err)
	}
}

func ExampleExtractor_Extract() {
	m, err := mapping.Parse([]byte(`{
		"resourceType": "StructureMap",
		"group": [ {
			"name": "bundle",
			"input": [ { "name": "src", "mode": "source" }, { "name": "bundle", "mode": "target" } ],
			"rule": [ { "name": "type", "source": [ { "context": "src" } ],
				"target": [ { "context": "bundle", "element": "type", "transform": "copy", "parameter": [ { "valueString": "batch" } ] } ] } ]
		} ]
	}`))
	if err != nil {
		panic(err)
	}
	out, err := New(StaticMap(m)).Extract(context.Background(), []byte(`{"resourceType": "QuestionnaireResponse"}`))
	if err != nil {
		panic(err)
	}
	fmt.Println(string(out))
	// Output: {"resourceType":"Bundle","type":"batch"}
}
