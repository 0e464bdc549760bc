package fhir

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/ehr/fhirmap/pkg/pagination"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status   string          `json:"status"`
	Location string          `json:"location,omitempty"`
	Outcome  json.RawMessage `json:"outcome,omitempty"`
}

// NewSearchBundle creates a searchset Bundle from a list of resources.
// It populates fullUrl for each entry and sets the self link.
func NewSearchBundle(resources []interface{}, total int, baseURL string) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(resources))
	for i, r := range resources {
		raw, _ := json.Marshal(r)
		entries[i] = BundleEntry{
			FullURL:  extractFullURL(raw),
			Resource: raw,
			Search: &BundleSearch{
				Mode: "match",
			},
		}
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link: []BundleLink{
			{Relation: "self", URL: baseURL},
		},
		Entry: entries,
	}
}

// NewPagedSearchBundle is NewSearchBundle with self/next/previous links for
// the current page.
func NewPagedSearchBundle(resources []interface{}, total int, basePath string, pg pagination.Params, filters url.Values) *Bundle {
	b := NewSearchBundle(resources, total, basePath)
	b.Link = b.Link[:0]
	for _, l := range pg.FHIRLinks(basePath, total, filters) {
		b.Link = append(b.Link, BundleLink{Relation: l.Relation, URL: l.URL})
	}
	return b
}

// ParseBundle decodes a Bundle document.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("decode bundle: resourceType is %q", b.ResourceType)
	}
	return &b, nil
}

// extractFullURL returns "ResourceType/id" for an encoded resource.
func extractFullURL(raw json.RawMessage) string {
	var r Resource
	if err := json.Unmarshal(raw, &r); err != nil {
		return ""
	}
	return FormatReference(r.ResourceType, r.ID)
}

// FormatReference creates a FHIR reference string like "Patient/123".
func FormatReference(resourceType, id string) string {
	if resourceType == "" || id == "" {
		return ""
	}
	return resourceType + "/" + id
}
