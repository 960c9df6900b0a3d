package scheduler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Handlers exposes scheduled tasks over HTTP.
type Handlers struct {
	scheduler *Scheduler
}

func NewHandlers(s *Scheduler) *Handlers {
	return &Handlers{scheduler: s}
}

// RegisterRoutes registers the task routes.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/:name", h.Get)
	g.POST("/:name/run", h.Run)
	g.PUT("/:name", h.Update)
}

// List returns all scheduled tasks.
// GET /api/v1/system/task
func (h *Handlers) List(c echo.Context) error {
	return c.JSON(http.StatusOK, h.scheduler.ListTasks())
}

// Get returns one scheduled task.
// GET /api/v1/system/task/:name
func (h *Handlers) Get(c echo.Context) error {
	info, err := h.scheduler.GetTask(c.Param("name"))
	if errors.Is(err, ErrTaskNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, info)
}

// Run queues a task immediately.
// POST /api/v1/system/task/:name/run
func (h *Handlers) Run(c echo.Context) error {
	cmd, err := h.scheduler.RunNow(c.Request().Context(), c.Param("name"))
	if errors.Is(err, ErrTaskNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, cmd)
}

// UpdateRequest changes a task interval.
type UpdateRequest struct {
	IntervalMinutes int64 `json:"interval"`
}

// Update changes a task interval.
// PUT /api/v1/system/task/:name
func (h *Handlers) Update(c echo.Context) error {
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	name := c.Param("name")
	err := h.scheduler.SetInterval(c.Request().Context(), name, time.Duration(req.IntervalMinutes)*time.Minute)
	if errors.Is(err, ErrTaskNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	info, err := h.scheduler.GetTask(name)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, info)
}
