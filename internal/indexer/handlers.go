package indexer

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/slipstream/indexhub/internal/crypto"
	"github.com/slipstream/indexhub/internal/indexer/cardigann"
	"github.com/slipstream/indexhub/internal/indexer/types"
)

// Handlers provides HTTP handlers for indexer configuration.
type Handlers struct {
	service     *Service
	registry    *Registry
	runner      *Runner
	definitions *cardigann.Manager
}

// NewHandlers creates new indexer handlers. definitions may be nil when
// definition driven indexers are disabled.
func NewHandlers(service *Service, registry *Registry, runner *Runner, definitions *cardigann.Manager) *Handlers {
	return &Handlers{service: service, registry: registry, runner: runner, definitions: definitions}
}

// RegisterRoutes registers the indexer routes.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/definitions", h.ListDefinitions)
	g.GET("/definitions/:id", h.GetDefinition)
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/test", h.Test)
}

// redacted returns a copy of def safe to send to clients.
func redacted(def *types.IndexerDefinition) *types.IndexerDefinition {
	c := *def
	c.Settings = crypto.RedactSettings(def.Settings)
	return &c
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func serviceError(err error) error {
	switch {
	case errors.Is(err, ErrIndexerNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidIndexer), errors.Is(err, ErrDefinitionNotFound):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// List returns all indexers.
// GET /api/v1/indexer
func (h *Handlers) List(c echo.Context) error {
	indexers, err := h.service.List(c.Request().Context())
	if err != nil {
		return serviceError(err)
	}
	out := make([]*types.IndexerDefinition, len(indexers))
	for i, def := range indexers {
		out[i] = redacted(def)
	}
	return c.JSON(http.StatusOK, out)
}

// Get returns a single indexer.
// GET /api/v1/indexer/:id
func (h *Handlers) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	def, err := h.service.Get(c.Request().Context(), id)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, redacted(def))
}

// Create creates a new indexer.
// POST /api/v1/indexer
func (h *Handlers) Create(c echo.Context) error {
	var input CreateIndexerInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	def, err := h.service.Create(c.Request().Context(), &input)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusCreated, redacted(def))
}

// Update updates an existing indexer.
// PUT /api/v1/indexer/:id
func (h *Handlers) Update(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var input UpdateIndexerInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	def, err := h.service.Update(c.Request().Context(), id, &input)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, redacted(def))
}

// Delete deletes an indexer.
// DELETE /api/v1/indexer/:id
func (h *Handlers) Delete(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.service.Delete(c.Request().Context(), id); err != nil {
		return serviceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// TestResult is the outcome of an indexer connectivity test.
type TestResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Code     string `json:"code,omitempty"`
	Releases int    `json:"releases"`
}

// Test fetches the recent releases feed of an indexer.
// POST /api/v1/indexer/:id/test
func (h *Handlers) Test(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	def, err := h.service.Get(ctx, id)
	if err != nil {
		return serviceError(err)
	}

	ix, err := h.registry.Get(ctx, def)
	if err == nil {
		var res *RunResult
		res, err = h.runner.Run(ctx, ix, &types.SearchCriteria{Type: types.SearchTypeBasic, Limit: 10})
		if err == nil {
			return c.JSON(http.StatusOK, TestResult{Success: true, Releases: len(res.Releases)})
		}
	}
	return c.JSON(http.StatusOK, TestResult{Message: err.Error(), Code: types.GetErrorCode(err)})
}

// ListDefinitions lists or searches the available Cardigann definitions.
// GET /api/v1/indexer/definitions?q=...&privacy=...&language=...
func (h *Handlers) ListDefinitions(c echo.Context) error {
	if h.definitions == nil {
		return c.JSON(http.StatusOK, []*cardigann.DefinitionMetadata{})
	}
	filters := cardigann.DefinitionFilters{
		Privacy:  c.QueryParam("privacy"),
		Language: c.QueryParam("language"),
	}
	definitions, err := h.definitions.SearchDefinitions(c.Request().Context(), c.QueryParam("q"), filters)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, definitions)
}

// GetDefinition returns a single Cardigann definition.
// GET /api/v1/indexer/definitions/:id
func (h *Handlers) GetDefinition(c echo.Context) error {
	if h.definitions == nil {
		return echo.NewHTTPError(http.StatusNotFound, "definitions are disabled")
	}
	definition, err := h.definitions.GetDefinition(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, definition)
}
