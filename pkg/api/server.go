// Package api exposes the HTTP surface: the admin REST API under
// /api/v1, the /ws upgrade endpoint, and the /health probe.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/engagekit/engage/pkg/config"
	"github.com/engagekit/engage/pkg/database"
	"github.com/engagekit/engage/pkg/jobs"
	"github.com/engagekit/engage/pkg/sessions"
	"github.com/engagekit/engage/pkg/store"
	"github.com/engagekit/engage/pkg/ws"
)

// Server is the HTTP server. The WebSocket registry handles attached
// connections; everything else is request/response.
type Server struct {
	cfg      *config.Config
	db       store.Store
	dbClient *database.Client // nil when running on the in-memory store
	registry *ws.Registry
	sessions *sessions.Service
	runner   *jobs.Runner
	warnings *Warnings
	logger   *slog.Logger

	echo       *echo.Echo
	httpServer *http.Server
}

// NewServer wires the routes. dbClient may be nil; /health then skips the
// database check.
func NewServer(cfg *config.Config, db store.Store, dbClient *database.Client, registry *ws.Registry, svc *sessions.Service, runner *jobs.Runner, warnings *Warnings, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		db:       db,
		dbClient: dbClient,
		registry: registry,
		sessions: svc,
		runner:   runner,
		warnings: warnings,
		logger:   logger.With("component", "api"),
	}
	s.echo = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)

	v1 := e.Group("/api/v1")

	v1.GET("/sessions/:id", s.getSessionHandler)
	v1.GET("/sessions/:id/events", s.listSessionEventsHandler)
	v1.GET("/sessions/:id/evaluations", s.listSessionEvaluationsHandler)
	v1.GET("/sessions/:id/interventions", s.listSessionInterventionsHandler)
	v1.POST("/sessions/:id/end", s.endSessionHandler)

	v1.POST("/configs", s.createConfigHandler)
	v1.GET("/configs", s.listConfigsHandler)
	v1.GET("/configs/active", s.getActiveConfigHandler)
	v1.GET("/configs/:id", s.getConfigHandler)
	v1.POST("/configs/:id/activate", s.activateConfigHandler)

	v1.POST("/experiments", s.createExperimentHandler)
	v1.GET("/experiments", s.listExperimentsHandler)
	v1.GET("/experiments/:id", s.getExperimentHandler)
	v1.POST("/experiments/:id/status", s.setExperimentStatusHandler)

	v1.GET("/drift/alerts", s.listDriftAlertsHandler)
	v1.POST("/drift/alerts/:id/ack", s.ackDriftAlertHandler)
	v1.POST("/drift/alerts/:id/resolve", s.resolveDriftAlertHandler)
	v1.GET("/drift/snapshots/latest", s.latestDriftSnapshotHandler)

	v1.GET("/jobs/runs", s.listJobRunsHandler)
	v1.POST("/jobs/:name/trigger", s.triggerJobHandler)

	v1.GET("/system/clients", s.systemClientsHandler)
	v1.GET("/system/warnings", s.systemWarningsHandler)

	return e
}

// Start listens on addr and serves until Shutdown. Blocks.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting new requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
