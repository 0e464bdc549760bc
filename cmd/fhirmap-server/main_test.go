package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirmap/internal/config"
	"github.com/ehr/fhirmap/internal/extraction"
	"github.com/ehr/fhirmap/internal/mapping"
)

const sexConceptMap = `{
	"resourceType": "ConceptMap",
	"id": "sex-of-the-client",
	"url": "http://example.org/fhir/ConceptMap/sex-of-the-client",
	"name": "SexOfTheClient",
	"status": "active",
	"group": [ {
		"source": "http://example.org/fhir/CodeSystem/custom-codes",
		"target": "http://hl7.org/fhir/administrative-gender",
		"element": [
			{ "code": "F", "target": [ { "code": "female", "equivalence": "equivalent" } ] },
			{ "code": "M", "target": [ { "code": "male", "equivalence": "equivalent" } ] }
		]
	} ]
}`

const genderMap = `{
	"resourceType": "StructureMap",
	"id": "gender-map",
	"url": "http://example.org/fhir/StructureMap/gender",
	"name": "Gender",
	"status": "active",
	"group": [ {
		"name": "main",
		"input": [ { "name": "src", "mode": "source" }, { "name": "tgt", "type": "Patient", "mode": "target" } ],
		"rule": [ {
			"name": "gender",
			"source": [ { "context": "src", "element": "gender", "variable": "g" } ],
			"target": [ { "context": "tgt", "element": "gender", "transform": "translate",
				"parameter": [ { "valueId": "g" }, { "valueString": "sex-of-the-client" }, { "valueString": "code" } ] } ]
		} ]
	} ]
}`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	mapDir, conceptDir := t.TempDir(), t.TempDir()
	writeFile(t, mapDir, "gender.json", genderMap)
	writeFile(t, conceptDir, "sex.json", sexConceptMap)
	return &config.Config{
		Port:                 "8000",
		Env:                  "development",
		DBSchema:             "public",
		BodyLimit:            "1M",
		OperationBodyLimit:   "5M",
		RequestTimeout:       5 * time.Second,
		MappingMaxDepth:      mapping.DefaultMaxDepth,
		MappingTranslateMiss: "fail",
		MapDir:               mapDir,
		ConceptMapDir:        conceptDir,
		ExtractWorker:        2,
	}
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	a, err := newApp(context.Background(), testConfig(t), zerolog.Nop(), false)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestApp_LoadsDirectories(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	if _, err := a.maps.GetStructureMapByURL(ctx, "http://example.org/fhir/StructureMap/gender"); err != nil {
		t.Fatalf("structure map not loaded: %v", err)
	}
	if a.concepts.Translator().Len() != 1 {
		t.Errorf("expected one registered concept map, got %d", a.concepts.Translator().Len())
	}
}

func TestApp_BrokenMapDirFailsStartup(t *testing.T) {
	cfg := testConfig(t)
	writeFile(t, cfg.MapDir, "broken.json", `{
		"resourceType": "StructureMap",
		"url": "http://example.org/fhir/StructureMap/broken",
		"name": "Broken",
		"group": [ {
			"name": "main",
			"input": [ { "name": "src", "mode": "source" }, { "name": "tgt", "mode": "target" } ],
			"rule": [ { "name": "r", "source": [ { "context": "src" } ], "dependent": [ { "name": "missing", "variable": [ "src", "tgt" ] } ] } ]
		} ]
	}`)

	_, err := newApp(context.Background(), cfg, zerolog.Nop(), false)
	if !mapping.IsStructural(err) {
		t.Fatalf("expected structural startup error, got %v", err)
	}
}

func TestRouter_Health(t *testing.T) {
	e := newTestApp(t).router()

	for _, path := range []string{"/health", "/health/db"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Errorf("%s: expected request id header", path)
		}
	}
}

func TestRouter_Metadata(t *testing.T) {
	e := newTestApp(t).router()

	req := httptest.NewRequest(http.MethodGet, "/fhir/metadata", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`"CapabilityStatement"`, `"StructureMap"`, `"ConceptMap"`, `"extract"`} {
		if !strings.Contains(body, want) {
			t.Errorf("capability statement missing %s", want)
		}
	}
}

func TestRouter_TransformTranslatesThroughConceptMaps(t *testing.T) {
	e := newTestApp(t).router()

	req := httptest.NewRequest(http.MethodPost, "/fhir/StructureMap/gender-map/$transform",
		strings.NewReader(`{"resourceType": "Basic", "gender": "F"}`))
	req.Header.Set("Content-Type", "application/fhir+json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var patient map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &patient); err != nil {
		t.Fatal(err)
	}
	if patient["resourceType"] != "Patient" || patient["gender"] != "female" {
		t.Errorf("unexpected target: %v", patient)
	}
}

func TestRouter_TranslateMissIsUnprocessable(t *testing.T) {
	e := newTestApp(t).router()

	req := httptest.NewRequest(http.MethodPost, "/fhir/StructureMap/gender-map/$transform",
		strings.NewReader(`{"resourceType": "Basic", "gender": "X"}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_ExternalAuthRejectsAnonymous(t *testing.T) {
	a := newTestApp(t)
	a.cfg.AuthMode = "external"
	a.cfg.AuthIssuer = "http://127.0.0.1:1"
	a.cfg.AuthJWKSURL = "http://127.0.0.1:1/jwks"
	e := a.router()

	req := httptest.NewRequest(http.MethodGet, "/fhir/StructureMap", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/fhir/metadata", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("metadata must stay public, got %d", rec.Code)
	}
}

func TestTransformFile(t *testing.T) {
	m, err := mapping.Parse([]byte(genderMap))
	if err != nil {
		t.Fatal(err)
	}
	tr := mapping.StaticTranslator{"sex-of-the-client": {"M": {Code: "male"}}}
	out, err := transformFile(context.Background(), mapping.NewEngine(m, mapping.WithTranslator(tr)), []byte(`{"resourceType": "Basic", "gender": "M"}`), "")
	if err != nil {
		t.Fatalf("transformFile: %v", err)
	}
	if !bytes.Contains(out, []byte(`"gender": "male"`)) {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestInputFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", "{}")
	writeFile(t, dir, "b.JSON", "{}")
	writeFile(t, dir, "notes.txt", "")
	single := writeFile(t, t.TempDir(), "c.json", "{}")

	paths, err := inputFiles([]string{dir, single})
	if err != nil {
		t.Fatalf("inputFiles: %v", err)
	}
	if len(paths) != 3 {
		t.Errorf("expected 3 files, got %v", paths)
	}

	if _, err := inputFiles([]string{t.TempDir()}); err == nil {
		t.Error("expected error for empty directory")
	}
}

func TestWriteBundles(t *testing.T) {
	results := []extraction.Outcome{
		{Index: 0, Bundle: json.RawMessage(`{"resourceType":"Bundle"}`)},
		{Index: 1, Err: context.Canceled},
	}
	paths := []string{"in/first.json", "in/second.json"}

	dir := filepath.Join(t.TempDir(), "out")
	if err := writeBundles(nil, dir, paths, results); err != nil {
		t.Fatalf("writeBundles: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "first.bundle.json")); err != nil {
		t.Errorf("expected bundle file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "second.bundle.json")); !os.IsNotExist(err) {
		t.Error("failed results must not be written")
	}

	var buf bytes.Buffer
	if err := writeBundles(&buf, "", paths, results); err != nil {
		t.Fatal(err)
	}
	if strings.Count(buf.String(), "\n") != 1 {
		t.Errorf("expected one line on stdout, got %q", buf.String())
	}
}
