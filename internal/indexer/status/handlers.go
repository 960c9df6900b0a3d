package status

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

// Handlers exposes tracked indexer failures over HTTP.
type Handlers struct {
	tracker *Tracker
}

// NewHandlers creates status handlers.
func NewHandlers(tracker *Tracker) *Handlers {
	return &Handlers{tracker: tracker}
}

// RegisterRoutes registers the status routes.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Reset)
}

// List returns tracked statuses. ?blocked=true limits to suspended indexers.
// GET /api/v1/indexerstatus
func (h *Handlers) List(c echo.Context) error {
	var out []*types.IndexerStatus
	if c.QueryParam("blocked") == "true" {
		out = h.tracker.GetBlockedIndexers()
	} else {
		out = h.tracker.All()
	}
	if out == nil {
		out = []*types.IndexerStatus{}
	}
	return c.JSON(http.StatusOK, out)
}

// Get returns the status of one indexer.
// GET /api/v1/indexerstatus/:id
func (h *Handlers) Get(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid indexer id")
	}
	st := h.tracker.Get(id)
	if st == nil {
		st = &types.IndexerStatus{IndexerID: id}
	}
	return c.JSON(http.StatusOK, st)
}

// Reset clears the failure state so the indexer is dispatched again.
// DELETE /api/v1/indexerstatus/:id
func (h *Handlers) Reset(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid indexer id")
	}
	if err := h.tracker.RecordSuccess(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
