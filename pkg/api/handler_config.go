package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/engagekit/engage/pkg/models"
)

// CreateConfigRequest is the body of POST /api/v1/configs.
type CreateConfigRequest struct {
	Name       string            `json:"name"`
	SiteURL    *string           `json:"site_url,omitempty"`
	Weights    models.Weights    `json:"weights"`
	Thresholds models.Thresholds `json:"thresholds"`
	Gates      models.GateParams `json:"gates"`
}

// ConfigListResponse is returned by GET /api/v1/configs.
type ConfigListResponse struct {
	Configs []models.ScoringConfig `json:"configs"`
}

// ActivateConfigResponse is returned by POST /api/v1/configs/:id/activate.
type ActivateConfigResponse struct {
	ConfigID string `json:"config_id"`
	Message  string `json:"message"`
}

// createConfigHandler handles POST /api/v1/configs.
// Weights must sum to 1.0 and thresholds must be strictly ascending; the
// store rejects anything else. New configs start inactive.
func (s *Server) createConfigHandler(c *echo.Context) error {
	var req CreateConfigRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	cfg := &models.ScoringConfig{
		ID:         uuid.New().String(),
		Name:       req.Name,
		SiteURL:    req.SiteURL,
		Weights:    req.Weights,
		Thresholds: req.Thresholds,
		Gates:      req.Gates,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.db.ScoringConfigs().Create(c.Request().Context(), cfg); err != nil {
		return mapStoreError(err)
	}

	return c.JSON(http.StatusCreated, cfg)
}

// listConfigsHandler handles GET /api/v1/configs.
func (s *Server) listConfigsHandler(c *echo.Context) error {
	configs, err := s.db.ScoringConfigs().List(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, &ConfigListResponse{Configs: configs})
}

// getConfigHandler handles GET /api/v1/configs/:id.
func (s *Server) getConfigHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "config id is required")
	}

	cfg, err := s.db.ScoringConfigs().Get(c.Request().Context(), id)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, cfg)
}

// getActiveConfigHandler handles GET /api/v1/configs/active?site_url=...
// Scope matching is exact: no site_url means the global scope, not "any".
func (s *Server) getActiveConfigHandler(c *echo.Context) error {
	var siteURL *string
	if v := c.QueryParam("site_url"); v != "" {
		siteURL = &v
	}

	cfg, err := s.db.ScoringConfigs().GetActive(c.Request().Context(), siteURL)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, cfg)
}

// activateConfigHandler handles POST /api/v1/configs/:id/activate.
// Activation atomically deactivates any other active config in the same
// scope.
func (s *Server) activateConfigHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "config id is required")
	}

	if err := s.db.ScoringConfigs().Activate(c.Request().Context(), id); err != nil {
		return mapStoreError(err)
	}

	return c.JSON(http.StatusOK, &ActivateConfigResponse{
		ConfigID: id,
		Message:  "config activated",
	})
}
