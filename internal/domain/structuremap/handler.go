package structuremap

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirmap/internal/extraction"
	"github.com/ehr/fhirmap/internal/mapping"
	"github.com/ehr/fhirmap/internal/platform/auth"
	"github.com/ehr/fhirmap/internal/platform/fhir"
	"github.com/ehr/fhirmap/pkg/pagination"
)

const fhirJSON = "application/fhir+json"

type Handler struct {
	svc       *Service
	extractor *extraction.Extractor
}

// NewHandler creates the StructureMap handler. opts configure the extractor
// behind QuestionnaireResponse/$extract.
func NewHandler(svc *Service, opts ...extraction.Option) *Handler {
	return &Handler{svc: svc, extractor: svc.Extractor(opts...)}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	readRole := auth.RequireRole(auth.RoleMapper, auth.RoleReader)
	writeRole := auth.RequireRole(auth.RoleMapper)

	read := api.Group("", readRole)
	read.GET("/structure-maps", h.ListStructureMaps)
	read.GET("/structure-maps/:id", h.GetStructureMap)

	fhirRead := fhirGroup.Group("", readRole)
	fhirRead.GET("/StructureMap", h.SearchStructureMapsFHIR)
	fhirRead.POST("/StructureMap/_search", h.SearchStructureMapsFHIR)
	fhirRead.GET("/StructureMap/:id", h.GetStructureMapFHIR)
	fhirRead.POST("/StructureMap/$transform", h.TransformFHIR)
	fhirRead.POST("/StructureMap/:id/$transform", h.TransformByIDFHIR)
	fhirRead.POST("/QuestionnaireResponse/$extract", h.ExtractFHIR)

	fhirWrite := fhirGroup.Group("", writeRole)
	fhirWrite.POST("/StructureMap", h.CreateStructureMapFHIR)
	fhirWrite.PUT("/StructureMap/:id", h.UpdateStructureMapFHIR)
	fhirWrite.DELETE("/StructureMap/:id", h.DeleteStructureMapFHIR)
}

// -- REST Endpoints --

func (h *Handler) GetStructureMap(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sm, err := h.svc.GetStructureMap(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "structure map not found")
	}
	return c.JSON(http.StatusOK, sm)
}

func (h *Handler) ListStructureMaps(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.SearchStructureMaps(c.Request().Context(), nil, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- FHIR Endpoints --

func (h *Handler) SearchStructureMapsFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := fhir.ExtractSearchParams(c)
	if id := c.QueryParam("_id"); id != "" {
		params["_id"] = id
	}
	items, total, err := h.svc.SearchStructureMaps(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	resources := make([]interface{}, len(items))
	for i, item := range items {
		resources[i] = item.ToFHIR()
	}
	return c.JSON(http.StatusOK, fhir.NewPagedSearchBundle(resources, total, "/fhir/StructureMap", pg, c.QueryParams()))
}

func (h *Handler) GetStructureMapFHIR(c echo.Context) error {
	sm, err := h.svc.GetStructureMapByFHIRID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return lookupError(c, err)
	}
	fhir.SetVersionHeaders(c, sm.VersionID, sm.UpdatedAt)
	return c.JSON(http.StatusOK, sm.ToFHIR())
}

func (h *Handler) CreateStructureMapFHIR(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("failed to read request body"))
	}
	sm, _, err := FromFHIR(body)
	if err != nil {
		return documentError(c, err)
	}
	if err := h.svc.CreateStructureMap(c.Request().Context(), sm); err != nil {
		return documentError(c, err)
	}
	c.Response().Header().Set("Location", "/fhir/StructureMap/"+sm.FHIRID)
	fhir.SetVersionHeaders(c, sm.VersionID, sm.UpdatedAt)
	return c.JSON(http.StatusCreated, sm.ToFHIR())
}

func (h *Handler) UpdateStructureMapFHIR(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("failed to read request body"))
	}
	existing, err := h.svc.GetStructureMapByFHIRID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return lookupError(c, err)
	}
	if err := fhir.CheckIfMatch(c, existing.VersionID); err != nil {
		return err
	}
	sm, _, err := FromFHIR(body)
	if err != nil {
		return documentError(c, err)
	}
	sm.ID = existing.ID
	sm.FHIRID = existing.FHIRID
	if err := h.svc.UpdateStructureMap(c.Request().Context(), sm); err != nil {
		return documentError(c, err)
	}
	fhir.SetVersionHeaders(c, sm.VersionID, sm.UpdatedAt)
	return c.JSON(http.StatusOK, sm.ToFHIR())
}

func (h *Handler) DeleteStructureMapFHIR(c echo.Context) error {
	existing, err := h.svc.GetStructureMapByFHIRID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return lookupError(c, err)
	}
	if err := h.svc.DeleteStructureMap(c.Request().Context(), existing.ID); err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.NoContent(http.StatusNoContent)
}

// -- $transform --

// transformInput is the decoded $transform request: either a bare resource, or
// a Parameters resource with source (map url), map (inline StructureMap) and
// content (the resource to transform).
type transformInput struct {
	source  string
	inline  json.RawMessage
	content json.RawMessage
}

func readTransformInput(c echo.Context) (*transformInput, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, errors.New("failed to read request body")
	}
	var probe struct {
		ResourceType string `json:"resourceType"`
		Parameter    []struct {
			Name           string          `json:"name"`
			ValueURI       string          `json:"valueUri"`
			ValueCanonical string          `json:"valueCanonical"`
			ValueString    string          `json:"valueString"`
			Resource       json.RawMessage `json:"resource"`
		} `json:"parameter"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, errors.New("invalid JSON: " + err.Error())
	}

	in := &transformInput{source: c.QueryParam("source")}
	if probe.ResourceType != "Parameters" {
		in.content = body
		return in, nil
	}
	for _, p := range probe.Parameter {
		switch p.Name {
		case "source":
			for _, v := range []string{p.ValueURI, p.ValueCanonical, p.ValueString} {
				if v != "" {
					in.source = v
					break
				}
			}
		case "map":
			in.inline = p.Resource
		case "content":
			in.content = p.Resource
		}
	}
	if len(in.content) == 0 {
		return nil, errors.New("parameter 'content' is required")
	}
	return in, nil
}

// TransformFHIR handles POST /fhir/StructureMap/$transform. The map is chosen
// by the source parameter (canonical url or id) or supplied inline.
func (h *Handler) TransformFHIR(c echo.Context) error {
	in, err := readTransformInput(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeStructure, err.Error()))
	}
	source, err := mapping.FromJSON(in.content)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeStructure, err.Error()))
	}

	ctx := c.Request().Context()
	target := c.QueryParam("target")
	var res *mapping.Result
	switch {
	case len(in.inline) > 0:
		res, err = h.svc.TransformContent(ctx, in.inline, source, target)
	case in.source != "":
		res, err = h.svc.TransformByRef(ctx, in.source, source, target)
	default:
		return c.JSON(http.StatusBadRequest, fhir.RequiredFieldOutcome("source"))
	}
	return h.writeResult(c, res, err, in.source)
}

// TransformByIDFHIR handles POST /fhir/StructureMap/:id/$transform.
func (h *Handler) TransformByIDFHIR(c echo.Context) error {
	ctx := c.Request().Context()
	sm, err := h.svc.GetStructureMapByFHIRID(ctx, c.Param("id"))
	if err != nil {
		return lookupError(c, err)
	}
	in, err := readTransformInput(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeStructure, err.Error()))
	}
	source, err := mapping.FromJSON(in.content)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeStructure, err.Error()))
	}
	res, err := h.svc.Transform(ctx, sm, source, c.QueryParam("target"))
	return h.writeResult(c, res, err, sm.FHIRID)
}

func (h *Handler) writeResult(c echo.Context, res *mapping.Result, err error, ref string) error {
	if err != nil {
		return transformError(c, err, ref)
	}
	data, err := res.Target.MarshalJSON()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
	}
	return c.Blob(http.StatusOK, fhirJSON, data)
}

// -- $extract --

// ExtractFHIR handles POST /fhir/QuestionnaireResponse/$extract. The body is
// the response itself or a Parameters resource carrying it as
// "questionnaire-response". The map is given by ?map= (url or id) and
// otherwise looked up by the response's questionnaire URL.
func (h *Handler) ExtractFHIR(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("failed to read request body"))
	}
	response, err := questionnaireResponse(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.StructureOutcome(err.Error()))
	}

	ctx := c.Request().Context()
	ref := c.QueryParam("map")
	if ref != "" {
		ctx = extraction.WithMapRef(ctx, ref)
	}
	bundle, err := h.extractor.Extract(ctx, response)
	switch {
	case err == nil:
		return c.Blob(http.StatusOK, fhirJSON, bundle)
	case errors.Is(err, extraction.ErrNoMap):
		return c.JSON(http.StatusBadRequest, fhir.RequiredFieldOutcome("map"))
	case errors.Is(err, extraction.ErrNotQuestionnaireResponse):
		return c.JSON(http.StatusBadRequest, fhir.StructureOutcome(err.Error()))
	default:
		return transformError(c, err, ref)
	}
}

func questionnaireResponse(body []byte) ([]byte, error) {
	var probe struct {
		ResourceType string `json:"resourceType"`
		Parameter    []struct {
			Name     string          `json:"name"`
			Resource json.RawMessage `json:"resource"`
		} `json:"parameter"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, errors.New("invalid JSON: " + err.Error())
	}
	if probe.ResourceType != "Parameters" {
		return body, nil
	}
	for _, p := range probe.Parameter {
		if p.Name == "questionnaire-response" && len(p.Resource) > 0 {
			return p.Resource, nil
		}
	}
	return nil, errors.New("parameter 'questionnaire-response' is required")
}

// transformError maps engine and lookup failures to OperationOutcomes.
func transformError(c echo.Context, err error, ref string) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("StructureMap", ref))
	case mapping.IsStructural(err):
		return c.JSON(http.StatusUnprocessableEntity, fhir.StructureOutcome(err.Error()))
	case errors.Is(err, mapping.ErrTranslationNotFound):
		return c.JSON(http.StatusUnprocessableEntity,
			fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeCodeInvalid, err.Error()))
	case errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusGatewayTimeout,
			fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTimeout, err.Error()))
	default:
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
}

// lookupError reports a failed read of the map named by the :id parameter.
// Only a missing row is a 404.
func lookupError(c echo.Context, err error) error {
	if errors.Is(err, ErrNotFound) {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("StructureMap", c.Param("id")))
	}
	return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
}

// documentError reports a StructureMap that could not be stored.
func documentError(c echo.Context, err error) error {
	if mapping.IsStructural(err) {
		return c.JSON(http.StatusUnprocessableEntity, fhir.StructureOutcome(err.Error()))
	}
	return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
}
