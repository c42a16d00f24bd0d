package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store"
)

// CreateExperimentRequest is the body of POST /api/v1/experiments.
type CreateExperimentRequest struct {
	Name           string           `json:"name"`
	SiteURL        *string          `json:"site_url,omitempty"`
	TrafficPercent float64          `json:"traffic_percent"`
	Variants       []models.Variant `json:"variants"`
	PrimaryMetric  string           `json:"primary_metric"`
	MinSampleSize  int              `json:"min_sample_size"`
}

// SetExperimentStatusRequest is the body of POST /api/v1/experiments/:id/status.
type SetExperimentStatusRequest struct {
	Status models.ExperimentStatus `json:"status"`
}

// ExperimentListResponse is returned by GET /api/v1/experiments.
type ExperimentListResponse struct {
	Experiments []models.Experiment `json:"experiments"`
}

// experimentTransitions is the experiment lifecycle DAG. Completed is
// terminal.
var experimentTransitions = map[models.ExperimentStatus][]models.ExperimentStatus{
	models.ExperimentDraft:   {models.ExperimentRunning},
	models.ExperimentRunning: {models.ExperimentPaused, models.ExperimentCompleted},
	models.ExperimentPaused:  {models.ExperimentRunning, models.ExperimentCompleted},
}

func experimentCanTransition(from, to models.ExperimentStatus) bool {
	for _, next := range experimentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// createExperimentHandler handles POST /api/v1/experiments.
// Experiments start as drafts; variant weights must sum to 1.0.
func (s *Server) createExperimentHandler(c *echo.Context) error {
	var req CreateExperimentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	exp := &models.Experiment{
		ID:             uuid.New().String(),
		Name:           req.Name,
		SiteURL:        req.SiteURL,
		Status:         models.ExperimentDraft,
		TrafficPercent: req.TrafficPercent,
		Variants:       req.Variants,
		PrimaryMetric:  req.PrimaryMetric,
		MinSampleSize:  req.MinSampleSize,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.db.Experiments().Create(c.Request().Context(), exp); err != nil {
		return mapStoreError(err)
	}

	return c.JSON(http.StatusCreated, exp)
}

// listExperimentsHandler handles GET /api/v1/experiments.
func (s *Server) listExperimentsHandler(c *echo.Context) error {
	exps, err := s.db.Experiments().List(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, &ExperimentListResponse{Experiments: exps})
}

// getExperimentHandler handles GET /api/v1/experiments/:id.
func (s *Server) getExperimentHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "experiment id is required")
	}

	exp, err := s.db.Experiments().Get(c.Request().Context(), id)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, exp)
}

// setExperimentStatusHandler handles POST /api/v1/experiments/:id/status.
// Enforces the lifecycle DAG and the one-running-experiment-per-scope
// invariant.
func (s *Server) setExperimentStatusHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "experiment id is required")
	}

	var req SetExperimentStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	switch req.Status {
	case models.ExperimentRunning, models.ExperimentPaused, models.ExperimentCompleted:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "status must be running, paused, or completed")
	}

	ctx := c.Request().Context()
	exp, err := s.db.Experiments().Get(ctx, id)
	if err != nil {
		return mapStoreError(err)
	}

	if exp.Status == req.Status {
		return c.JSON(http.StatusOK, exp)
	}
	if !experimentCanTransition(exp.Status, req.Status) {
		return echo.NewHTTPError(http.StatusConflict,
			"cannot transition experiment from "+string(exp.Status)+" to "+string(req.Status))
	}

	if req.Status == models.ExperimentRunning {
		running, err := s.db.Experiments().GetRunning(ctx, exp.SiteURL)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return mapStoreError(err)
		}
		if running != nil && running.ID != exp.ID {
			return echo.NewHTTPError(http.StatusConflict,
				"another experiment is already running in this scope: "+running.ID)
		}
	}

	if err := s.db.Experiments().SetStatus(ctx, id, req.Status); err != nil {
		return mapStoreError(err)
	}
	exp.Status = req.Status

	return c.JSON(http.StatusOK, exp)
}
