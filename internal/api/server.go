// Package api exposes the aggregator over HTTP and websocket.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	apimw "github.com/slipstream/indexhub/internal/api/middleware"
	"github.com/slipstream/indexhub/internal/commands"
	"github.com/slipstream/indexhub/internal/health"
	"github.com/slipstream/indexhub/internal/indexer"
	"github.com/slipstream/indexhub/internal/indexer/search"
	"github.com/slipstream/indexhub/internal/indexer/status"
	"github.com/slipstream/indexhub/internal/scheduler"
)

// Version is set at build time.
var Version = "0.1.0-dev"

// Server handles HTTP requests for the indexhub API.
type Server struct {
	echo      *echo.Echo
	services  *Services
	logs      LogsProvider
	guard     *apimw.APIKeyGuard
	startTime time.Time
	logger    zerolog.Logger
}

// NewServer creates the HTTP server over running services. logs may be nil.
func NewServer(services *Services, logs LogsProvider, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		services:  services,
		logs:      logs,
		guard:     apimw.NewAPIKeyGuard(services.Config.Server.APIKey, services.Clock),
		startTime: services.Clock.Now(),
		logger:    logger.With().Str("component", "api").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(apimw.SecurityHeaders())
	s.echo.Use(middleware.BodyLimit("2M"))

	if origins := s.services.Config.Server.AllowedOrigins; len(origins) > 0 {
		s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, apimw.HeaderAPIKey},
		}))
	}

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := s.logger.Debug()
			if v.Error != nil {
				event = s.logger.Error().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	s.echo.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level: 5,
		Skipper: func(c echo.Context) bool {
			return c.Request().Header.Get("Upgrade") == "websocket"
		},
	}))
}

func (s *Server) setupRoutes() {
	svc := s.services

	s.echo.GET("/ping", s.ping)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(svc.Registry, promhttp.HandlerOpts{})))
	s.echo.GET("/ws", svc.Hub.HandleWebSocket, s.guard.Middleware())

	api := s.echo.Group("/api/v1", s.guard.Middleware())
	api.GET("/system/status", s.systemStatus)

	indexer.NewHandlers(svc.Indexers, svc.Instances, svc.Runner, svc.Definitions).RegisterRoutes(api.Group("/indexer"))
	status.NewHandlers(svc.Tracker).RegisterRoutes(api.Group("/indexerstatus"))
	search.NewHandlers(svc.Search).RegisterRoutes(api.Group("/search"))
	commands.NewHandlers(svc.Queue).RegisterRoutes(api.Group("/command"))
	health.NewHandlers(svc.Health).RegisterRoutes(api.Group("/health"))
	scheduler.NewHandlers(svc.Scheduler).RegisterRoutes(api.Group("/system/task"))
	if s.logs != nil {
		NewLogsHandlers(s.logs).RegisterRoutes(api.Group("/system/logs"))
	}
}

// Start begins listening for HTTP requests and blocks until shutdown.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("Starting HTTP server")
	if err := s.echo.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// SystemStatus summarizes the running instance.
type SystemStatus struct {
	Version         string       `json:"version"`
	StartTime       time.Time    `json:"startTime"`
	Uptime          string       `json:"uptime"`
	Indexers        int64        `json:"indexers"`
	BlockedIndexers int          `json:"blockedIndexers"`
	Health          health.Level `json:"health"`
	Definitions     *time.Time   `json:"definitionsUpdated,omitempty"`
	DatabaseVersion int64        `json:"databaseVersion"`
}

// GET /api/v1/system/status
func (s *Server) systemStatus(c echo.Context) error {
	svc := s.services
	count, err := svc.Indexers.Count(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	version, err := svc.DB.Version()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := SystemStatus{
		Version:         Version,
		StartTime:       s.startTime,
		Uptime:          svc.Clock.Since(s.startTime).Round(time.Second).String(),
		Indexers:        count,
		BlockedIndexers: len(svc.Tracker.GetBlockedIndexers()),
		Health:          svc.Health.Status(),
		DatabaseVersion: version,
	}
	if last := svc.Definitions.LastUpdate(); !last.IsZero() {
		resp.Definitions = &last
	}
	return c.JSON(http.StatusOK, resp)
}
