package fhir

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// SearchParam describes a search parameter for use with the CapabilityBuilder.
type SearchParam struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	Documentation string `json:"documentation,omitempty"`
}

// OperationCapability describes an operation (resource-level or system-level).
type OperationCapability struct {
	Name          string `json:"name"`
	Definition    string `json:"definition"`
	Documentation string `json:"documentation,omitempty"`
}

type resourceEntry struct {
	interactions []string
	searchParams []SearchParam
	operations   []OperationCapability
}

// CapabilityBuilder collects what each domain registers at startup and
// renders the CapabilityStatement served at /fhir/metadata.
type CapabilityBuilder struct {
	mu        sync.RWMutex
	resources map[string]*resourceEntry

	ServerName    string
	ServerVersion string
	BaseURL       string
	// TokenURL is advertised as the OAuth token endpoint when set.
	TokenURL string
}

func NewCapabilityBuilder(baseURL, version string) *CapabilityBuilder {
	return &CapabilityBuilder{
		resources:     make(map[string]*resourceEntry),
		ServerName:    "fhirmap",
		ServerVersion: version,
		BaseURL:       baseURL,
	}
}

// AddResource registers a resource type. Calling it again for the same type
// replaces interactions and search parameters but keeps operations.
func (b *CapabilityBuilder) AddResource(resourceType string, interactions []string, searchParams []SearchParam) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(resourceType)
	e.interactions = interactions
	e.searchParams = searchParams
}

// AddOperation registers a type-level operation such as $transform.
func (b *CapabilityBuilder) AddOperation(resourceType string, op OperationCapability) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(resourceType)
	e.operations = append(e.operations, op)
}

func (b *CapabilityBuilder) entry(resourceType string) *resourceEntry {
	e, ok := b.resources[resourceType]
	if !ok {
		e = &resourceEntry{}
		b.resources[resourceType] = e
	}
	return e
}

// GetResourceTypes returns the registered types in alphabetical order.
func (b *CapabilityBuilder) GetResourceTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]string, 0, len(b.resources))
	for rt := range b.resources {
		types = append(types, rt)
	}
	sort.Strings(types)
	return types
}

func (b *CapabilityBuilder) Build() map[string]interface{} {
	types := b.GetResourceTypes()

	b.mu.RLock()
	defer b.mu.RUnlock()

	resources := make([]map[string]interface{}, 0, len(types))
	for _, rt := range types {
		e := b.resources[rt]
		res := map[string]interface{}{
			"type":       rt,
			"versioning": "versioned",
		}
		if len(e.interactions) > 0 {
			ia := make([]map[string]string, len(e.interactions))
			for i, code := range e.interactions {
				ia[i] = map[string]string{"code": code}
			}
			res["interaction"] = ia
		}
		if len(e.searchParams) > 0 {
			res["searchParam"] = e.searchParams
		}
		if len(e.operations) > 0 {
			res["operation"] = e.operations
		}
		resources = append(resources, res)
	}

	rest := map[string]interface{}{
		"mode":     "server",
		"resource": resources,
	}
	if b.TokenURL != "" {
		rest["security"] = map[string]interface{}{
			"service": []CodeableConcept{{
				Coding: []Coding{{System: "http://terminology.hl7.org/CodeSystem/restful-security-service", Code: "OAuth"}},
			}},
			"extension": []map[string]interface{}{{
				"url": "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris",
				"extension": []map[string]string{
					{"url": "token", "valueUri": b.TokenURL},
				},
			}},
		}
	}

	return map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format("2006-01-02"),
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"json"},
		"software": map[string]string{
			"name":    b.ServerName,
			"version": b.ServerVersion,
		},
		"implementation": map[string]string{
			"description": "FHIR StructureMap and ConceptMap server",
			"url":         b.BaseURL,
		},
		"rest": []map[string]interface{}{rest},
	}
}

// DefaultInteractions returns the standard CRUD + search interactions.
func DefaultInteractions() []string {
	return []string{"read", "create", "update", "delete", "search-type"}
}

// CapabilityHandler serves /metadata.
type CapabilityHandler struct {
	builder *CapabilityBuilder
}

func NewCapabilityHandler(builder *CapabilityBuilder) *CapabilityHandler {
	return &CapabilityHandler{builder: builder}
}

func (h *CapabilityHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.GetMetadata)
}

func (h *CapabilityHandler) GetMetadata(c echo.Context) error {
	return c.JSON(http.StatusOK, h.builder.Build())
}
