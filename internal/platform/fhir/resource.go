package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Resource is the base FHIR resource representation.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// RawResource is a resource received from or sent to another FHIR server.
// Only the header fields are decoded; Body keeps the document untouched.
type RawResource struct {
	Resource
	Body json.RawMessage
}

// ParseRawResource decodes the resource header of data. Documents without a
// resourceType are rejected.
func ParseRawResource(data []byte) (*RawResource, error) {
	var r RawResource
	if err := json.Unmarshal(data, &r.Resource); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if r.ResourceType == "" {
		return nil, fmt.Errorf("decode resource: missing resourceType")
	}
	r.Body = append(json.RawMessage(nil), data...)
	return &r, nil
}

func (r *RawResource) MarshalJSON() ([]byte, error) {
	if len(r.Body) == 0 {
		return json.Marshal(r.Resource)
	}
	return r.Body, nil
}

// Outcome decodes the body as an OperationOutcome. It returns nil when the
// resource is of another type.
func (r *RawResource) Outcome() *OperationOutcome {
	if r.ResourceType != "OperationOutcome" {
		return nil
	}
	var oo OperationOutcome
	if err := json.Unmarshal(r.Body, &oo); err != nil {
		return nil
	}
	return &oo
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}
