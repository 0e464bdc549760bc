package fhir

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestParseETag(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{`W/"3"`, 3, false},
		{`"5"`, 5, false},
		{` 42 `, 42, false},
		{`"abc"`, 0, true},
		{`W/""`, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseETag(tt.input)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseETag(%q) = %d, %v", tt.input, got, err)
		}
	}
	if v, _ := ParseETag(FormatETag(12)); v != 12 {
		t.Errorf("FormatETag does not parse back, got %d", v)
	}
}

func TestSetVersionHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	modified := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	SetVersionHeaders(c, 3, modified)
	if got := rec.Header().Get("ETag"); got != `W/"3"` {
		t.Errorf("ETag = %q", got)
	}
	if got := rec.Header().Get("Last-Modified"); got != "Fri, 01 Mar 2024 09:00:00 GMT" {
		t.Errorf("Last-Modified = %q", got)
	}

	rec = httptest.NewRecorder()
	SetVersionHeaders(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec), 1, time.Time{})
	if rec.Header().Get("Last-Modified") != "" {
		t.Error("zero time must not set Last-Modified")
	}
}

func TestCheckIfMatch(t *testing.T) {
	e := echo.New()
	check := func(header string) error {
		req := httptest.NewRequest(http.MethodPut, "/", nil)
		if header != "" {
			req.Header.Set("If-Match", header)
		}
		return CheckIfMatch(e.NewContext(req, httptest.NewRecorder()), 2)
	}

	if err := check(""); err != nil {
		t.Errorf("no header: %v", err)
	}
	if err := check(`W/"2"`); err != nil {
		t.Errorf("matching header: %v", err)
	}
	if he, ok := check(`W/"1"`).(*echo.HTTPError); !ok || he.Code != http.StatusConflict {
		t.Errorf("expected 409 for stale version")
	}
	if he, ok := check(`W/"x"`).(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed header")
	}
}
