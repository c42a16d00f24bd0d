package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/engagekit/engage/pkg/database"
	"github.com/engagekit/engage/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's health in the /health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    map[string]HealthCheck `json:"checks"`
	Clients   map[string]int         `json:"clients"`
	Scheduler string                 `json:"scheduler"`
}

// healthHandler handles GET /health.
// Only the engine's own components are checked. External dependencies (the
// LLM provider, Slack) are excluded so an orchestrator never restarts the
// engine over a third-party outage.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.dbClient != nil {
		if _, err := database.Health(reqCtx, s.dbClient.Pool()); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy, Message: "in-memory store"}
	}

	scheduler := "enabled"
	if s.cfg.Jobs.DisableScheduler {
		scheduler = "disabled"
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:    status,
		Version:   version.GitCommit,
		Checks:    checks,
		Clients:   s.registry.ClientCounts(),
		Scheduler: scheduler,
	})
}
