package conceptmap

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirmap/internal/platform/fhir"
)

// ConceptMap maps to the concept_map table (FHIR ConceptMap resource).
// Content keeps the full document so the translator can be rebuilt from it.
type ConceptMap struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	FHIRID      string          `db:"fhir_id" json:"fhir_id"`
	Status      string          `db:"status" json:"status"`
	URL         *string         `db:"url" json:"url,omitempty"`
	Name        *string         `db:"name" json:"name,omitempty"`
	Title       *string         `db:"title" json:"title,omitempty"`
	Description *string         `db:"description" json:"description,omitempty"`
	Publisher   *string         `db:"publisher" json:"publisher,omitempty"`
	SourceURI   *string         `db:"source_uri" json:"source_uri,omitempty"`
	TargetURI   *string         `db:"target_uri" json:"target_uri,omitempty"`
	Content     json.RawMessage `db:"content" json:"content"`
	VersionID   int             `db:"version_id" json:"version_id"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

func (cm *ConceptMap) GetVersionID() int  { return cm.VersionID }
func (cm *ConceptMap) SetVersionID(v int) { cm.VersionID = v }

type conceptMapHeader struct {
	Status      string `json:"status"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Publisher   string `json:"publisher"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// FromFHIR builds a ConceptMap row from a ConceptMap resource. The
// group/element/target tree is parsed so malformed maps are rejected here.
func FromFHIR(body []byte) (*ConceptMap, *fhir.ConceptMap, error) {
	parsed, err := fhir.ParseConceptMap(body)
	if err != nil {
		return nil, nil, err
	}
	var hdr conceptMapHeader
	if err := json.Unmarshal(body, &hdr); err != nil {
		return nil, nil, fmt.Errorf("decode concept map: %w", err)
	}
	cm := &ConceptMap{
		FHIRID:      parsed.ID,
		Status:      hdr.Status,
		URL:         optional(parsed.URL),
		Name:        optional(parsed.Name),
		Title:       optional(hdr.Title),
		Description: optional(hdr.Description),
		Publisher:   optional(hdr.Publisher),
		SourceURI:   optional(parsed.SourceURI),
		TargetURI:   optional(parsed.TargetURI),
		Content:     append(json.RawMessage(nil), body...),
	}
	return cm, parsed, nil
}

// Compile parses the stored document into the form the translator serves.
// The stored id wins over whatever the document carried.
func (cm *ConceptMap) Compile() (*fhir.ConceptMap, error) {
	if len(cm.Content) == 0 {
		return nil, fmt.Errorf("concept map %s has no content", cm.FHIRID)
	}
	parsed, err := fhir.ParseConceptMap(cm.Content)
	if err != nil {
		return nil, err
	}
	parsed.ID = cm.FHIRID
	if cm.URL != nil {
		parsed.URL = *cm.URL
	}
	if cm.Name != nil {
		parsed.Name = *cm.Name
	}
	return parsed, nil
}

func (cm *ConceptMap) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{}
	if len(cm.Content) > 0 {
		_ = json.Unmarshal(cm.Content, &result)
	}
	result["resourceType"] = "ConceptMap"
	result["id"] = cm.FHIRID
	result["status"] = cm.Status
	result["meta"] = fhir.Meta{
		VersionID:   fmt.Sprintf("%d", cm.VersionID),
		LastUpdated: cm.UpdatedAt,
	}
	if cm.URL != nil {
		result["url"] = *cm.URL
	}
	if cm.Name != nil {
		result["name"] = *cm.Name
	}
	if cm.Title != nil {
		result["title"] = *cm.Title
	}
	if cm.Description != nil {
		result["description"] = *cm.Description
	}
	if cm.Publisher != nil {
		result["publisher"] = *cm.Publisher
	}
	return result
}
