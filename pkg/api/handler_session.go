package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/engagekit/engage/pkg/models"
)

// SessionEventsResponse is returned by GET /api/v1/sessions/:id/events.
type SessionEventsResponse struct {
	SessionID string              `json:"session_id"`
	Total     int                 `json:"total"`
	Events    []models.TrackEvent `json:"events"`
}

// SessionEvaluationsResponse is returned by GET /api/v1/sessions/:id/evaluations.
type SessionEvaluationsResponse struct {
	SessionID   string              `json:"session_id"`
	Evaluations []models.Evaluation `json:"evaluations"`
}

// SessionInterventionsResponse is returned by GET /api/v1/sessions/:id/interventions.
type SessionInterventionsResponse struct {
	SessionID     string                `json:"session_id"`
	Interventions []models.Intervention `json:"interventions"`
}

// EndSessionResponse is returned by POST /api/v1/sessions/:id/end.
type EndSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	session, err := s.sessions.Get(c.Request().Context(), sessionID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, session)
}

// listSessionEventsHandler handles GET /api/v1/sessions/:id/events.
// Returns the most recent events in chronological order, capped at limit.
func (s *Server) listSessionEventsHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	limit := parseLimit(c, 100, 500)

	ctx := c.Request().Context()
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return mapStoreError(err)
	}

	events, err := s.db.Events().ListBySession(ctx, sessionID, limit)
	if err != nil {
		return mapStoreError(err)
	}
	total, err := s.db.Events().CountBySession(ctx, sessionID)
	if err != nil {
		return mapStoreError(err)
	}

	return c.JSON(http.StatusOK, &SessionEventsResponse{
		SessionID: sessionID,
		Total:     total,
		Events:    events,
	})
}

// listSessionEvaluationsHandler handles GET /api/v1/sessions/:id/evaluations.
// Newest first.
func (s *Server) listSessionEvaluationsHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	limit := parseLimit(c, 20, 100)

	ctx := c.Request().Context()
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return mapStoreError(err)
	}

	evals, err := s.db.Evaluations().ListRecent(ctx, sessionID, limit)
	if err != nil {
		return mapStoreError(err)
	}

	return c.JSON(http.StatusOK, &SessionEvaluationsResponse{
		SessionID:   sessionID,
		Evaluations: evals,
	})
}

// listSessionInterventionsHandler handles GET /api/v1/sessions/:id/interventions.
// Newest first.
func (s *Server) listSessionInterventionsHandler(c *echo.Context) error {
	sessionID := c.Param("id")

	ctx := c.Request().Context()
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return mapStoreError(err)
	}

	ivs, err := s.db.Interventions().ListBySession(ctx, sessionID)
	if err != nil {
		return mapStoreError(err)
	}

	return c.JSON(http.StatusOK, &SessionInterventionsResponse{
		SessionID:     sessionID,
		Interventions: ivs,
	})
}

// endSessionHandler handles POST /api/v1/sessions/:id/end.
// Ending an already ended session is a no-op.
func (s *Server) endSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	if err := s.db.Sessions().End(c.Request().Context(), sessionID, time.Now().UTC()); err != nil {
		return mapStoreError(err)
	}

	return c.JSON(http.StatusOK, &EndSessionResponse{
		SessionID: sessionID,
		Status:    string(models.SessionEnded),
	})
}

// parseLimit reads the limit query param with a default and a hard cap.
func parseLimit(c *echo.Context, def, max int) int {
	v := c.QueryParam("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
