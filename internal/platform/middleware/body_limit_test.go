package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirmap/internal/platform/fhir"
)

func TestParseLimit(t *testing.T) {
	tests := map[string]int64{
		"1024": 1024,
		"512K": 512 << 10,
		"10M":  10 << 20,
		"10mb": 10 << 20,
		"2G":   2 << 30,
		"":     1 << 20,
		"lots": 1 << 20,
		"-5M":  1 << 20,
		"0":    1 << 20,
	}
	for in, want := range tests {
		if got := parseLimit(in); got != want {
			t.Errorf("parseLimit(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestIsOperationPath(t *testing.T) {
	tests := map[string]bool{
		"/fhir":                                true,
		"/fhir/":                               true,
		"/fhir/StructureMap/$transform":        true,
		"/fhir/StructureMap/abc/$transform":    true,
		"/fhir/QuestionnaireResponse/$extract": true,
		"/fhir/StructureMap":                   false,
		"/api/v1/structure-maps":               false,
	}
	for path, want := range tests {
		if got := isOperationPath(path); got != want {
			t.Errorf("isOperationPath(%q) = %v, want %v", path, got, want)
		}
	}
}

// runBodyLimit sends body to path through a 16-byte default and 64-byte
// operation limit. The handler reads the whole body.
func runBodyLimit(t *testing.T, method, path string, body io.Reader, contentLength int64) (*httptest.ResponseRecorder, []byte, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, path, body)
	if contentLength >= 0 {
		req.ContentLength = contentLength
	}
	rec := httptest.NewRecorder()

	var read []byte
	handler := BodyLimit("16", "64")(func(c echo.Context) error {
		var err error
		if c.Request().Body != nil {
			read, err = io.ReadAll(c.Request().Body)
		}
		if err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	})
	err := handler(e.NewContext(req, rec))
	return rec, read, err
}

func TestBodyLimit(t *testing.T) {
	small := strings.Repeat("a", 10)
	medium := strings.Repeat("b", 40)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"small create", http.MethodPost, "/fhir/StructureMap", small, http.StatusNoContent},
		{"medium create", http.MethodPost, "/fhir/StructureMap", medium, http.StatusRequestEntityTooLarge},
		{"medium transform", http.MethodPost, "/fhir/StructureMap/$transform", medium, http.StatusNoContent},
		{"medium extract", http.MethodPost, "/fhir/QuestionnaireResponse/$extract", medium, http.StatusNoContent},
		{"medium update", http.MethodPut, "/fhir/StructureMap/x", medium, http.StatusRequestEntityTooLarge},
		{"oversized transform", http.MethodPost, "/fhir/StructureMap/$transform", strings.Repeat("c", 100), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _, err := runBodyLimit(t, tt.method, tt.path, strings.NewReader(tt.body), int64(len(tt.body)))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, rec.Code)
			}
			if tt.code != http.StatusRequestEntityTooLarge {
				return
			}
			var oo fhir.OperationOutcome
			if err := json.Unmarshal(rec.Body.Bytes(), &oo); err != nil {
				t.Fatalf("decode outcome: %v", err)
			}
			if !oo.HasCode(fhir.IssueTypeTooCostly) {
				t.Errorf("expected too-costly issue, got %+v", oo.Issue)
			}
		})
	}
}

func TestBodyLimit_NoBody(t *testing.T) {
	rec, _, err := runBodyLimit(t, http.MethodGet, "/fhir/StructureMap", nil, -1)
	if err != nil || rec.Code != http.StatusNoContent {
		t.Errorf("expected pass-through, got %d (%v)", rec.Code, err)
	}
}

// A body without a truthful Content-Length is cut off while it is read.
func TestBodyLimit_EnforcedWhileReading(t *testing.T) {
	body := strings.Repeat("d", 40)
	_, _, err := runBodyLimit(t, http.MethodPost, "/fhir/ConceptMap", strings.NewReader(body), 0)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from read, got %v", err)
	}

	exact := strings.Repeat("e", 16)
	rec, read, err := runBodyLimit(t, http.MethodPost, "/fhir/ConceptMap", strings.NewReader(exact), 0)
	if err != nil || rec.Code != http.StatusNoContent {
		t.Fatalf("body at the limit must pass, got %d (%v)", rec.Code, err)
	}
	if string(read) != exact {
		t.Errorf("handler read %q", read)
	}
}
