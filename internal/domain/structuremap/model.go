package structuremap

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirmap/internal/mapping"
	"github.com/ehr/fhirmap/internal/platform/fhir"
)

// StructureMap maps to the structure_map table. Content holds the full
// StructureMap document; the other columns are copied from it for search.
type StructureMap struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	FHIRID      string          `db:"fhir_id" json:"fhir_id"`
	Status      string          `db:"status" json:"status"`
	URL         string          `db:"url" json:"url"`
	Name        string          `db:"name" json:"name"`
	Title       *string         `db:"title" json:"title,omitempty"`
	Description *string         `db:"description" json:"description,omitempty"`
	Content     json.RawMessage `db:"content" json:"content"`
	VersionID   int             `db:"version_id" json:"version_id"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

func (sm *StructureMap) GetVersionID() int  { return sm.VersionID }
func (sm *StructureMap) SetVersionID(v int) { sm.VersionID = v }

// FromFHIR builds a StructureMap row from a StructureMap resource. The
// document is parsed, so a map with unresolved groups is rejected here.
func FromFHIR(body []byte) (*StructureMap, *mapping.Map, error) {
	m, err := mapping.Parse(body)
	if err != nil {
		return nil, nil, err
	}
	sm := &StructureMap{
		FHIRID:  m.ID,
		Status:  m.Status,
		URL:     m.URL,
		Name:    m.Name,
		Content: append(json.RawMessage(nil), body...),
	}
	if m.Title != "" {
		sm.Title = &m.Title
	}
	if m.Description != "" {
		sm.Description = &m.Description
	}
	return sm, m, nil
}

// Parse decodes the stored document.
func (sm *StructureMap) Parse() (*mapping.Map, error) {
	if len(sm.Content) == 0 {
		return nil, fmt.Errorf("structure map %s has no content", sm.FHIRID)
	}
	return mapping.Parse(sm.Content)
}

func (sm *StructureMap) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{}
	if len(sm.Content) > 0 {
		_ = json.Unmarshal(sm.Content, &result)
	}
	result["resourceType"] = "StructureMap"
	result["id"] = sm.FHIRID
	result["status"] = sm.Status
	result["url"] = sm.URL
	result["name"] = sm.Name
	result["meta"] = fhir.Meta{
		VersionID:   fmt.Sprintf("%d", sm.VersionID),
		LastUpdated: sm.UpdatedAt,
		Profile:     []string{"http://hl7.org/fhir/StructureDefinition/StructureMap"},
	}
	if sm.Title != nil {
		result["title"] = *sm.Title
	}
	if sm.Description != nil {
		result["description"] = *sm.Description
	}
	return result
}
