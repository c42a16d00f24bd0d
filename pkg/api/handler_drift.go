package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/engagekit/engage/pkg/models"
)

// DriftAlertListResponse is returned by GET /api/v1/drift/alerts.
type DriftAlertListResponse struct {
	Alerts []models.DriftAlert `json:"alerts"`
}

// AlertActionResponse is returned by the alert ack/resolve endpoints.
type AlertActionResponse struct {
	AlertID string `json:"alert_id"`
	Message string `json:"message"`
}

// listDriftAlertsHandler handles GET /api/v1/drift/alerts?unresolved=true&limit=50.
func (s *Server) listDriftAlertsHandler(c *echo.Context) error {
	unresolvedOnly := c.QueryParam("unresolved") == "true"
	limit := parseLimit(c, 50, 200)

	alerts, err := s.db.Drift().ListAlerts(c.Request().Context(), unresolvedOnly, limit)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, &DriftAlertListResponse{Alerts: alerts})
}

// ackDriftAlertHandler handles POST /api/v1/drift/alerts/:id/ack.
func (s *Server) ackDriftAlertHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "alert id is required")
	}

	if err := s.db.Drift().AcknowledgeAlert(c.Request().Context(), id); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, &AlertActionResponse{AlertID: id, Message: "alert acknowledged"})
}

// resolveDriftAlertHandler handles POST /api/v1/drift/alerts/:id/resolve.
// Resolving an already resolved alert is a no-op.
func (s *Server) resolveDriftAlertHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "alert id is required")
	}

	if err := s.db.Drift().ResolveAlert(c.Request().Context(), id, time.Now().UTC()); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, &AlertActionResponse{AlertID: id, Message: "alert resolved"})
}

// latestDriftSnapshotHandler handles GET /api/v1/drift/snapshots/latest?window=24h&site_url=...
func (s *Server) latestDriftSnapshotHandler(c *echo.Context) error {
	window := models.WindowType(c.QueryParam("window"))
	switch window {
	case models.Window1h, models.Window6h, models.Window24h, models.Window7d:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "window must be 1h, 6h, 24h, or 7d")
	}

	var siteURL *string
	if v := c.QueryParam("site_url"); v != "" {
		siteURL = &v
	}

	snap, err := s.db.Drift().LatestSnapshot(c.Request().Context(), window, siteURL)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, snap)
}
