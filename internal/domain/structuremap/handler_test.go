package structuremap

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirmap/internal/platform/fhir"
)

func newTestHandler() (*Handler, *echo.Echo) {
	return NewHandler(newTestService()), echo.New()
}

func decodeOutcome(t *testing.T, rec *httptest.ResponseRecorder) *fhir.OperationOutcome {
	t.Helper()
	var oo fhir.OperationOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &oo); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	return &oo
}

func TestHandler_CreateStructureMapFHIR(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/fhir/StructureMap", strings.NewReader(statusMap))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateStructureMapFHIR(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/fhir/StructureMap/status-map" {
		t.Errorf("unexpected Location %q", loc)
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"1"` {
		t.Errorf("unexpected ETag %q", etag)
	}

	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["resourceType"] != "StructureMap" || body["name"] != "StatusMap" {
		t.Errorf("unexpected body %v", body)
	}
	if _, ok := body["group"]; !ok {
		t.Error("expected stored document to keep its groups")
	}
}

func TestHandler_CreateStructureMapFHIR_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"unbound dependent", unboundMap, http.StatusUnprocessableEntity},
		{"not json", `{`, http.StatusUnprocessableEntity},
		{"missing url", strings.Replace(statusMap, `"url": "http://example.org/fhir/StructureMap/status",`, "", 1), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, e := newTestHandler()
			req := httptest.NewRequest(http.MethodPost, "/fhir/StructureMap", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.CreateStructureMapFHIR(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, rec.Code)
			}
			if oo := decodeOutcome(t, rec); !oo.HasErrors() {
				t.Error("expected error outcome")
			}
		})
	}
}

func TestHandler_GetStructureMapFHIR(t *testing.T) {
	h, e := newTestHandler()
	mustCreate(t, h.svc, statusMap)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("status-map")

	if err := h.GetStructureMapFHIR(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Last-Modified") == "" {
		t.Error("expected Last-Modified header")
	}
}

func TestHandler_GetStructureMapFHIR_NotFound(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("nope")

	if err := h.GetStructureMapFHIR(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_GetStructureMap_InvalidID(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	if err := h.GetStructureMap(c); err == nil {
		t.Error("expected error for invalid id")
	}
}

func TestHandler_SearchStructureMapsFHIR(t *testing.T) {
	h, e := newTestHandler()
	mustCreate(t, h.svc, statusMap)

	req := httptest.NewRequest(http.MethodGet, "/fhir/StructureMap?name:contains=status", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.SearchStructureMapsFHIR(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var bundle fhir.Bundle
	json.Unmarshal(rec.Body.Bytes(), &bundle)
	if bundle.Total == nil || *bundle.Total != 1 {
		t.Fatalf("expected 1 match, got %v", bundle.Total)
	}
	if bundle.Entry[0].FullURL != "StructureMap/status-map" {
		t.Errorf("unexpected fullUrl %s", bundle.Entry[0].FullURL)
	}

	req = httptest.NewRequest(http.MethodGet, "/fhir/StructureMap?status=retired", nil)
	rec = httptest.NewRecorder()
	if err := h.SearchStructureMapsFHIR(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bundle = fhir.Bundle{}
	json.Unmarshal(rec.Body.Bytes(), &bundle)
	if *bundle.Total != 0 {
		t.Errorf("expected no retired maps, got %d", *bundle.Total)
	}
}

func TestHandler_UpdateStructureMapFHIR_VersionConflict(t *testing.T) {
	h, e := newTestHandler()
	mustCreate(t, h.svc, statusMap)

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(statusMap))
	req.Header.Set("If-Match", `W/"7"`)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("status-map")

	err := h.UpdateStructureMapFHIR(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Errorf("expected 409, got %v", err)
	}
}

func TestHandler_DeleteStructureMapFHIR(t *testing.T) {
	h, e := newTestHandler()
	mustCreate(t, h.svc, statusMap)

	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("status-map")

	if err := h.DeleteStructureMapFHIR(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if _, err := h.svc.GetStructureMapByFHIRID(context.Background(), "status-map"); err == nil {
		t.Error("expected map to be gone")
	}
}

func TestHandler_TransformFHIR(t *testing.T) {
	h, e := newTestHandler()
	mustCreate(t, h.svc, statusMap)

	tests := []struct {
		name   string
		target string
		body   string
		want   string
	}{
		{
			name:   "source query parameter",
			target: "/fhir/StructureMap/$transform?source=" + statusMapURL,
			body:   `{"resourceType": "QuestionnaireResponse", "status": "completed"}`,
			want:   "completed",
		},
		{
			name:   "parameters with source",
			target: "/fhir/StructureMap/$transform",
			body: `{"resourceType": "Parameters", "parameter": [
				{"name": "source", "valueUri": "` + statusMapURL + `"},
				{"name": "content", "resource": {"resourceType": "QuestionnaireResponse", "status": "amended"}}
			]}`,
			want: "amended",
		},
		{
			name:   "inline map",
			target: "/fhir/StructureMap/$transform",
			body: `{"resourceType": "Parameters", "parameter": [
				{"name": "map", "resource": ` + statusMap + `},
				{"name": "content", "resource": {"resourceType": "QuestionnaireResponse"}}
			]}`,
			want: "unknown",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.target, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.TransformFHIR(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			if ct := rec.Header().Get(echo.HeaderContentType); ct != fhirJSON {
				t.Errorf("unexpected content type %q", ct)
			}
			var out map[string]interface{}
			json.Unmarshal(rec.Body.Bytes(), &out)
			if out["resourceType"] != "Encounter" || out["status"] != tt.want {
				t.Errorf("unexpected output %v", out)
			}
		})
	}
}

func TestHandler_TransformFHIR_Errors(t *testing.T) {
	translateMap := `{
		"resourceType": "StructureMap",
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

	tests := []struct {
		name   string
		target string
		body   string
		code   int
		issue  string
	}{
		{"unknown source", "/fhir/StructureMap/$transform?source=http://example.org/none", `{"resourceType": "Basic"}`, http.StatusNotFound, fhir.IssueTypeNotFound},
		{"no source", "/fhir/StructureMap/$transform", `{"resourceType": "Basic"}`, http.StatusBadRequest, fhir.IssueTypeRequired},
		{"no content", "/fhir/StructureMap/$transform", `{"resourceType": "Parameters", "parameter": []}`, http.StatusBadRequest, fhir.IssueTypeStructure},
		{"broken inline map", "/fhir/StructureMap/$transform", `{"resourceType": "Parameters", "parameter": [
			{"name": "map", "resource": ` + unboundMap + `},
			{"name": "content", "resource": {"resourceType": "Basic"}}
		]}`, http.StatusUnprocessableEntity, fhir.IssueTypeStructure},
		{"translation miss", "/fhir/StructureMap/$transform", `{"resourceType": "Parameters", "parameter": [
			{"name": "map", "resource": ` + translateMap + `},
			{"name": "content", "resource": {"resourceType": "Basic", "gender": "X"}}
		]}`, http.StatusUnprocessableEntity, fhir.IssueTypeCodeInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, e := newTestHandler()
			req := httptest.NewRequest(http.MethodPost, tt.target, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			if err := h.TransformFHIR(e.NewContext(req, rec)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != tt.code {
				t.Fatalf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
			if oo := decodeOutcome(t, rec); !oo.HasCode(tt.issue) {
				t.Errorf("expected %s issue, got %+v", tt.issue, oo.Issue)
			}
		})
	}
}

func TestHandler_TransformByIDFHIR(t *testing.T) {
	h, e := newTestHandler()
	mustCreate(t, h.svc, statusMap)

	req := httptest.NewRequest(http.MethodPost, "/fhir/StructureMap/status-map/$transform", strings.NewReader(`{"resourceType": "QuestionnaireResponse", "status": "completed"}`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("status-map")

	if err := h.TransformByIDFHIR(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")
	if err := h.TransformByIDFHIR(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

// unavailableRepo fails every lookup the way a lost database connection does.
type unavailableRepo struct {
	StructureMapRepository
}

func (unavailableRepo) GetByFHIRID(context.Context, string) (*StructureMap, error) {
	return nil, errors.New("conn closed")
}

func TestHandler_LookupFailureIsNotNotFound(t *testing.T) {
	h := NewHandler(NewService(unavailableRepo{NewStructureMapRepoMemory()}, zerolog.Nop()))
	e := echo.New()

	handlers := map[string]echo.HandlerFunc{
		"transform": h.TransformByIDFHIR,
		"read":      h.GetStructureMapFHIR,
		"update":    h.UpdateStructureMapFHIR,
		"delete":    h.DeleteStructureMapFHIR,
	}
	for name, handler := range handlers {
		req := httptest.NewRequest(http.MethodPost, "/fhir/StructureMap/status-map", strings.NewReader(`{"resourceType": "QuestionnaireResponse"}`))
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues("status-map")

		if err := handler(c); err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("%s: expected 500, got %d", name, rec.Code)
		}
	}
}
