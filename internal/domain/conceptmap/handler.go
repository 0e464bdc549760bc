package conceptmap

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirmap/internal/platform/auth"
	"github.com/ehr/fhirmap/internal/platform/fhir"
	"github.com/ehr/fhirmap/pkg/pagination"
)

const fhirJSON = "application/fhir+json"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	readRole := auth.RequireRole(auth.RoleMapper, auth.RoleReader)
	writeRole := auth.RequireRole(auth.RoleMapper)

	read := api.Group("", readRole)
	read.GET("/concept-maps", h.ListConceptMaps)
	read.GET("/concept-maps/:id", h.GetConceptMap)

	write := api.Group("", writeRole)
	write.DELETE("/concept-maps/:id", h.DeleteConceptMap)

	fhirRead := fhirGroup.Group("", readRole)
	fhirRead.GET("/ConceptMap", h.SearchConceptMapsFHIR)
	fhirRead.POST("/ConceptMap/_search", h.SearchConceptMapsFHIR)
	fhirRead.GET("/ConceptMap/:id", h.GetConceptMapFHIR)
	fhir.NewTranslateHandler(h.svc.Translator()).RegisterRoutes(fhirRead)

	fhirWrite := fhirGroup.Group("", writeRole)
	fhirWrite.POST("/ConceptMap", h.CreateConceptMapFHIR)
	fhirWrite.PUT("/ConceptMap/:id", h.UpdateConceptMapFHIR)
	fhirWrite.DELETE("/ConceptMap/:id", h.DeleteConceptMapFHIR)
}

// -- REST Endpoints --

func (h *Handler) GetConceptMap(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	cm, err := h.svc.GetConceptMap(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(statusOf(err), err.Error())
	}
	return c.JSON(http.StatusOK, cm)
}

func (h *Handler) ListConceptMaps(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.SearchConceptMaps(c.Request().Context(), nil, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) DeleteConceptMap(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteConceptMap(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(statusOf(err), err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// -- FHIR Endpoints --

func (h *Handler) SearchConceptMapsFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := fhir.ExtractSearchParams(c)
	if id := c.QueryParam("_id"); id != "" {
		params["_id"] = id
	}
	items, total, err := h.svc.SearchConceptMaps(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	entries := make([]interface{}, 0, len(items))
	for _, cm := range items {
		entries = append(entries, cm.ToFHIR())
	}
	c.Response().Header().Set(echo.HeaderContentType, fhirJSON)
	return c.JSON(http.StatusOK, fhir.NewPagedSearchBundle(entries, total, "/fhir/ConceptMap", pg, c.QueryParams()))
}

func (h *Handler) GetConceptMapFHIR(c echo.Context) error {
	cm, err := h.svc.GetConceptMapByFHIRID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.outcome(c, err)
	}
	return writeConceptMap(c, http.StatusOK, cm)
}

func (h *Handler) CreateConceptMapFHIR(c echo.Context) error {
	cm, oo := readConceptMap(c)
	if oo != nil {
		return c.JSON(http.StatusBadRequest, oo)
	}
	if err := h.svc.CreateConceptMap(c.Request().Context(), cm); err != nil {
		return h.outcome(c, err)
	}
	c.Response().Header().Set(echo.HeaderLocation, "/fhir/ConceptMap/"+cm.FHIRID)
	return writeConceptMap(c, http.StatusCreated, cm)
}

// UpdateConceptMapFHIR replaces the stored map. The id in the URL wins over
// any id in the body, and If-Match guards against lost updates.
func (h *Handler) UpdateConceptMapFHIR(c echo.Context) error {
	ctx := c.Request().Context()
	existing, err := h.svc.GetConceptMapByFHIRID(ctx, c.Param("id"))
	if err != nil {
		return h.outcome(c, err)
	}
	if err := fhir.CheckIfMatch(c, existing.VersionID); err != nil {
		return err
	}
	cm, oo := readConceptMap(c)
	if oo != nil {
		return c.JSON(http.StatusBadRequest, oo)
	}
	cm.ID, cm.FHIRID = existing.ID, existing.FHIRID
	if err := h.svc.UpdateConceptMap(ctx, cm); err != nil {
		return h.outcome(c, err)
	}
	return writeConceptMap(c, http.StatusOK, cm)
}

func (h *Handler) DeleteConceptMapFHIR(c echo.Context) error {
	ctx := c.Request().Context()
	existing, err := h.svc.GetConceptMapByFHIRID(ctx, c.Param("id"))
	if err == nil {
		err = h.svc.DeleteConceptMap(ctx, existing.ID)
	}
	if err != nil {
		return h.outcome(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// readConceptMap decodes the request body, returning the outcome to send
// when it is not a ConceptMap.
func readConceptMap(c echo.Context) (*ConceptMap, *fhir.OperationOutcome) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fhir.ErrorOutcome("failed to read request body")
	}
	cm, _, err := FromFHIR(body)
	if err != nil {
		return nil, fhir.StructureOutcome(err.Error())
	}
	return cm, nil
}

func writeConceptMap(c echo.Context, status int, cm *ConceptMap) error {
	fhir.SetVersionHeaders(c, cm.VersionID, cm.UpdatedAt)
	c.Response().Header().Set(echo.HeaderContentType, fhirJSON)
	return c.JSON(status, cm.ToFHIR())
}

// outcome writes err as an OperationOutcome with the status statusOf picks.
func (h *Handler) outcome(c echo.Context, err error) error {
	status := statusOf(err)
	if status == http.StatusNotFound {
		return c.JSON(status, fhir.NotFoundOutcome("ConceptMap", c.Param("id")))
	}
	h.svc.logger.Debug().Err(err).Int("status", status).Msg("concept map request rejected")
	return c.JSON(status, fhir.ErrorOutcome(err.Error()))
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
