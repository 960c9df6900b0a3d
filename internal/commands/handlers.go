package commands

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// Handlers provides HTTP handlers for commands.
type Handlers struct {
	queue *Queue
}

// NewHandlers creates new command handlers.
func NewHandlers(queue *Queue) *Handlers {
	return &Handlers{queue: queue}
}

// RegisterRoutes registers the command routes.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Cancel)
}

// CreateRequest is the body of POST /command.
type CreateRequest struct {
	Name     string          `json:"name"`
	Body     json.RawMessage `json:"body,omitempty"`
	Priority string          `json:"priority,omitempty"`
}

// Create queues a command.
// POST /api/v1/command
func (h *Handlers) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	priority, err := ParsePriority(req.Priority)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var opts []EnqueueOption
	if req.Priority != "" {
		opts = append(opts, WithPriority(priority))
	}
	var body any
	if len(req.Body) > 0 {
		body = req.Body
	}

	cmd, err := h.queue.Enqueue(c.Request().Context(), req.Name, body, opts...)
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrQueueStopped):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, cmd)
}

// List returns recent commands.
// GET /api/v1/command?status=queued,started&limit=50
func (h *Handlers) List(c echo.Context) error {
	var statuses []Status
	for _, s := range strings.Split(c.QueryParam("status"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			statuses = append(statuses, Status(strings.ToLower(s)))
		}
	}
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	cmds, err := h.queue.List(c.Request().Context(), statuses, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if cmds == nil {
		cmds = []*Command{}
	}
	return c.JSON(http.StatusOK, cmds)
}

// Get returns a single command.
// GET /api/v1/command/:id
func (h *Handlers) Get(c echo.Context) error {
	cmd, err := h.queue.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrCommandNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "command not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, cmd)
}

// Cancel aborts a queued or running command.
// DELETE /api/v1/command/:id
func (h *Handlers) Cancel(c echo.Context) error {
	cmd, err := h.queue.Cancel(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrCommandNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "command not found")
	case errors.Is(err, ErrNotCancellable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, cmd)
}
