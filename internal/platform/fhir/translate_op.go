package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
)

// ErrConceptMapNotFound is returned when a map reference matches no
// registered ConceptMap.
var ErrConceptMapNotFound = errors.New("concept map not found")

// ConceptMapTranslator translates codes between code systems using the
// registered ConceptMaps. It is safe for concurrent use.
type ConceptMapTranslator struct {
	mu      sync.RWMutex
	byURL   map[string]*ConceptMap
	byID    map[string]*ConceptMap
	byName  map[string]*ConceptMap
	allMaps []*ConceptMap
}

// ConceptMap holds the mappings of one ConceptMap resource.
type ConceptMap struct {
	ID        string
	URL       string
	Name      string
	SourceURI string
	TargetURI string
	Mappings  map[string][]TranslationMapping // source code → target mappings
}

// TranslationMapping represents a single code-to-code mapping.
type TranslationMapping struct {
	SourceSystem  string
	SourceCode    string
	SourceDisplay string
	TargetSystem  string
	TargetCode    string
	TargetDisplay string
	Equivalence   string // "equivalent", "wider", "narrower", "inexact", "unmatched"
}

// TranslateRequest holds the parameters for a $translate call.
type TranslateRequest struct {
	Code          string
	System        string
	TargetSystem  string
	ConceptMapURL string // optional, url, id or name of a specific map
}

// TranslateResponse holds the result of a $translate call.
type TranslateResponse struct {
	Result  bool
	Message string
	Matches []TranslateMatch
}

// TranslateMatch represents one translation result.
type TranslateMatch struct {
	Equivalence string
	Code        string
	Display     string
	System      string
}

type conceptMapDocument struct {
	ResourceType    string `json:"resourceType"`
	ID              string `json:"id"`
	URL             string `json:"url"`
	Name            string `json:"name"`
	SourceURI       string `json:"sourceUri"`
	SourceCanonical string `json:"sourceCanonical"`
	TargetURI       string `json:"targetUri"`
	TargetCanonical string `json:"targetCanonical"`
	Group           []struct {
		Source  string `json:"source"`
		Target  string `json:"target"`
		Element []struct {
			Code    string `json:"code"`
			Display string `json:"display"`
			Target  []struct {
				Code         string `json:"code"`
				Display      string `json:"display"`
				Equivalence  string `json:"equivalence"`
				Relationship string `json:"relationship"`
			} `json:"target"`
		} `json:"element"`
	} `json:"group"`
}

// ParseConceptMap reads a ConceptMap resource and flattens its
// group/element/target tree into per-code mappings.
func ParseConceptMap(data []byte) (*ConceptMap, error) {
	var doc conceptMapDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode concept map: %w", err)
	}
	if doc.ResourceType != "ConceptMap" {
		return nil, fmt.Errorf("decode concept map: resourceType is %q", doc.ResourceType)
	}

	cm := &ConceptMap{
		ID:        doc.ID,
		URL:       doc.URL,
		Name:      doc.Name,
		SourceURI: firstNonEmpty(doc.SourceURI, doc.SourceCanonical),
		TargetURI: firstNonEmpty(doc.TargetURI, doc.TargetCanonical),
		Mappings:  make(map[string][]TranslationMapping),
	}
	for _, g := range doc.Group {
		for _, el := range g.Element {
			if el.Code == "" {
				return nil, fmt.Errorf("concept map %s: element without code in group %s", cm.label(), g.Source)
			}
			for _, tgt := range el.Target {
				cm.Mappings[el.Code] = append(cm.Mappings[el.Code], TranslationMapping{
					SourceSystem:  g.Source,
					SourceCode:    el.Code,
					SourceDisplay: el.Display,
					TargetSystem:  g.Target,
					TargetCode:    tgt.Code,
					TargetDisplay: tgt.Display,
					Equivalence:   firstNonEmpty(tgt.Equivalence, tgt.Relationship, "equivalent"),
				})
			}
		}
	}
	return cm, nil
}

func (cm *ConceptMap) label() string {
	return firstNonEmpty(cm.URL, cm.ID, cm.Name, "(anonymous)")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// NewConceptMapTranslator creates an empty translator.
func NewConceptMapTranslator() *ConceptMapTranslator {
	return &ConceptMapTranslator{
		byURL:  make(map[string]*ConceptMap),
		byID:   make(map[string]*ConceptMap),
		byName: make(map[string]*ConceptMap),
	}
}

// Register adds cm, replacing any map with the same id.
func (t *ConceptMapTranslator) Register(cm *ConceptMap) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cm.ID != "" {
		t.removeLocked(cm.ID)
	}
	if cm.URL != "" {
		t.byURL[cm.URL] = cm
	}
	if cm.ID != "" {
		t.byID[cm.ID] = cm
	}
	if cm.Name != "" {
		t.byName[cm.Name] = cm
	}
	t.allMaps = append(t.allMaps, cm)
}

// Remove drops the map with the given id.
func (t *ConceptMapTranslator) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id)
}

func (t *ConceptMapTranslator) removeLocked(id string) {
	cm, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	if t.byURL[cm.URL] == cm {
		delete(t.byURL, cm.URL)
	}
	if t.byName[cm.Name] == cm {
		delete(t.byName, cm.Name)
	}
	for i, m := range t.allMaps {
		if m == cm {
			t.allMaps = append(t.allMaps[:i], t.allMaps[i+1:]...)
			break
		}
	}
}

// Lookup resolves a map reference by canonical URL, then id, then name.
func (t *ConceptMapTranslator) Lookup(ref string) (*ConceptMap, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if cm, ok := t.byURL[ref]; ok {
		return cm, true
	}
	if cm, ok := t.byID[ref]; ok {
		return cm, true
	}
	cm, ok := t.byName[ref]
	return cm, ok
}

// Len returns the number of registered maps.
func (t *ConceptMapTranslator) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.allMaps)
}

// Translate finds the target codes for req.Code. With ConceptMapURL set only
// that map is consulted; otherwise every registered map is.
func (t *ConceptMapTranslator) Translate(req *TranslateRequest) (*TranslateResponse, error) {
	var candidates []*ConceptMap
	if req.ConceptMapURL != "" {
		cm, ok := t.Lookup(req.ConceptMapURL)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrConceptMapNotFound, req.ConceptMapURL)
		}
		candidates = []*ConceptMap{cm}
	} else {
		t.mu.RLock()
		candidates = append(candidates, t.allMaps...)
		t.mu.RUnlock()
	}

	resp := &TranslateResponse{}
	for _, cm := range candidates {
		for _, m := range cm.Mappings[req.Code] {
			if req.System != "" && m.SourceSystem != "" && m.SourceSystem != req.System {
				continue
			}
			if req.TargetSystem != "" && m.TargetSystem != req.TargetSystem {
				continue
			}
			if m.Equivalence == "unmatched" || m.Equivalence == "disjoint" || m.TargetCode == "" {
				continue
			}
			resp.Matches = append(resp.Matches, TranslateMatch{
				Equivalence: m.Equivalence,
				Code:        m.TargetCode,
				Display:     m.TargetDisplay,
				System:      m.TargetSystem,
			})
		}
	}

	resp.Result = len(resp.Matches) > 0
	if resp.Result {
		resp.Message = fmt.Sprintf("Found %d mapping(s) for code %s", len(resp.Matches), req.Code)
	} else {
		resp.Message = fmt.Sprintf("No mapping found for code %s", req.Code)
	}
	return resp, nil
}

// TranslateHandler provides the ConceptMap/$translate HTTP endpoints.
type TranslateHandler struct {
	translator *ConceptMapTranslator
}

// NewTranslateHandler creates a new TranslateHandler.
func NewTranslateHandler(translator *ConceptMapTranslator) *TranslateHandler {
	return &TranslateHandler{translator: translator}
}

// RegisterRoutes adds the $translate routes to the given FHIR group.
func (h *TranslateHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ConceptMap/$translate", h.Translate)
	g.POST("/ConceptMap/$translate", h.TranslatePost)
	g.GET("/ConceptMap/:id/$translate", h.TranslateByMap)
}

// Translate handles GET /fhir/ConceptMap/$translate with query parameters.
func (h *TranslateHandler) Translate(c echo.Context) error {
	req := &TranslateRequest{
		Code:          c.QueryParam("code"),
		System:        c.QueryParam("system"),
		TargetSystem:  c.QueryParam("targetsystem"),
		ConceptMapURL: c.QueryParam("url"),
	}
	if req.Code == "" {
		return c.JSON(http.StatusBadRequest, RequiredFieldOutcome("code"))
	}
	if req.System == "" {
		return c.JSON(http.StatusBadRequest, RequiredFieldOutcome("system"))
	}
	return h.doTranslate(c, req)
}

// TranslatePost handles POST /fhir/ConceptMap/$translate with a Parameters resource body.
func (h *TranslateHandler) TranslatePost(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, NewOperationOutcome(IssueSeverityError, IssueTypeStructure, "Failed to read request body"))
	}

	var params struct {
		ResourceType string `json:"resourceType"`
		Parameter    []struct {
			Name        string  `json:"name"`
			ValueCode   string  `json:"valueCode,omitempty"`
			ValueURI    string  `json:"valueUri,omitempty"`
			ValueString string  `json:"valueString,omitempty"`
			ValueCoding *Coding `json:"valueCoding,omitempty"`
		} `json:"parameter"`
	}
	if err := json.Unmarshal(body, &params); err != nil {
		return c.JSON(http.StatusBadRequest, NewOperationOutcome(IssueSeverityError, IssueTypeStructure, "Invalid JSON: "+err.Error()))
	}

	req := &TranslateRequest{}
	for _, p := range params.Parameter {
		switch p.Name {
		case "code":
			req.Code = firstNonEmpty(p.ValueCode, p.ValueString)
		case "system":
			req.System = p.ValueURI
		case "targetsystem":
			req.TargetSystem = p.ValueURI
		case "url":
			req.ConceptMapURL = firstNonEmpty(p.ValueURI, p.ValueString)
		case "coding":
			if p.ValueCoding != nil {
				req.Code = p.ValueCoding.Code
				req.System = p.ValueCoding.System
			}
		}
	}

	if req.Code == "" {
		return c.JSON(http.StatusBadRequest, RequiredFieldOutcome("code"))
	}
	return h.doTranslate(c, req)
}

// TranslateByMap handles GET /fhir/ConceptMap/:id/$translate.
func (h *TranslateHandler) TranslateByMap(c echo.Context) error {
	mapID := c.Param("id")
	code := c.QueryParam("code")
	if code == "" {
		return c.JSON(http.StatusBadRequest, RequiredFieldOutcome("code"))
	}

	if _, ok := h.translator.Lookup(mapID); !ok {
		return c.JSON(http.StatusNotFound, NotFoundOutcome("ConceptMap", mapID))
	}

	req := &TranslateRequest{
		Code:          code,
		System:        c.QueryParam("system"),
		TargetSystem:  c.QueryParam("targetsystem"),
		ConceptMapURL: mapID,
	}
	return h.doTranslate(c, req)
}

func (h *TranslateHandler) doTranslate(c echo.Context, req *TranslateRequest) error {
	resp, err := h.translator.Translate(req)
	if errors.Is(err, ErrConceptMapNotFound) {
		return c.JSON(http.StatusNotFound, NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, err.Error()))
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, InternalErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, buildTranslateParametersResponse(resp))
}

// buildTranslateParametersResponse converts a TranslateResponse to a FHIR Parameters resource.
func buildTranslateParametersResponse(resp *TranslateResponse) map[string]interface{} {
	params := []interface{}{
		map[string]interface{}{
			"name":         "result",
			"valueBoolean": resp.Result,
		},
		map[string]interface{}{
			"name":        "message",
			"valueString": resp.Message,
		},
	}

	for _, m := range resp.Matches {
		params = append(params, map[string]interface{}{
			"name": "match",
			"part": []interface{}{
				map[string]interface{}{
					"name":      "equivalence",
					"valueCode": m.Equivalence,
				},
				map[string]interface{}{
					"name":        "concept",
					"valueCoding": Coding{System: m.System, Code: m.Code, Display: m.Display},
				},
			},
		})
	}

	return map[string]interface{}{
		"resourceType": "Parameters",
		"parameter":    params,
	}
}
