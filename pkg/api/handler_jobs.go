package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/engagekit/engage/pkg/jobs"
	"github.com/engagekit/engage/pkg/models"
)

// JobRunListResponse is returned by GET /api/v1/jobs/runs.
type JobRunListResponse struct {
	Runs []models.JobRun `json:"runs"`
}

// listJobRunsHandler handles GET /api/v1/jobs/runs?job=drift_check&limit=20.
// Newest first.
func (s *Server) listJobRunsHandler(c *echo.Context) error {
	jobName := c.QueryParam("job")
	if jobName != "" && !s.runner.Known(jobName) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown job: "+jobName)
	}
	limit := parseLimit(c, 20, 100)

	runs, err := s.db.JobRuns().List(c.Request().Context(), jobName, limit)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, &JobRunListResponse{Runs: runs})
}

// triggerJobHandler handles POST /api/v1/jobs/:name/trigger.
// Runs the job synchronously and returns the completed run record. A job
// that is already running is a 409; a run that failed during execution is
// still a 200 with status carried in the record.
func (s *Server) triggerJobHandler(c *echo.Context) error {
	jobName := c.Param("name")

	run, err := s.runner.Run(c.Request().Context(), jobName, "manual")
	if err != nil {
		if errors.Is(err, jobs.ErrUnknownJob) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown job: "+jobName)
		}
		if errors.Is(err, jobs.ErrAlreadyRunning) {
			return echo.NewHTTPError(http.StatusConflict, "job is already running: "+jobName)
		}
		return mapStoreError(err)
	}

	return c.JSON(http.StatusOK, run)
}
