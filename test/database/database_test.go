// Package database holds PostgreSQL integration tests for the store
// implementation in pkg/store/postgres. Each test runs against its own
// migrated schema; see test/util for the shared container plumbing.
package database

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store/postgres"
	"github.com/engagekit/engage/test/util"
)

// baseTime anchors seeded timestamps so window queries are deterministic.
var baseTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	return postgres.New(util.SetupTestDatabase(t))
}

func seedSession(t *testing.T, ctx context.Context, db *postgres.Store, id, siteURL string) *models.Session {
	t.Helper()
	sess := &models.Session{
		ID:             id,
		VisitorID:      "visitor-" + id,
		SiteURL:        siteURL,
		DeviceType:     models.DeviceDesktop,
		ReferrerType:   models.ReferrerDirect,
		StartedAt:      baseTime,
		LastActivityAt: baseTime,
		Status:         models.SessionActive,
	}
	require.NoError(t, db.Sessions().Create(ctx, sess))
	return sess
}

func seedEvaluation(t *testing.T, ctx context.Context, db *postgres.Store, sessionID string, composite float64, at time.Time) *models.Evaluation {
	t.Helper()
	ev := &models.Evaluation{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		EventIDs:  []string{uuid.NewString()},
		Signals:   models.Signals{Intent: 60, Friction: 40, Clarity: 50, Receptivity: 70, Value: 30},
		Composite: composite,
		WeightsUsed: models.Weights{
			Intent: 0.3, Friction: 0.25, Clarity: 0.15, Receptivity: 0.15, Value: 0.15,
		},
		Tier:      models.TierNudge,
		Decision:  models.DecisionFire,
		Engine:    models.EngineFast,
		CreatedAt: at,
	}
	require.NoError(t, db.Evaluations().Create(ctx, ev))
	return ev
}

func seedIntervention(t *testing.T, ctx context.Context, db *postgres.Store, sessionID string, at time.Time) *models.Intervention {
	t.Helper()
	eval := seedEvaluation(t, ctx, db, sessionID, 55, at)
	iv := &models.Intervention{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		EvaluationID: eval.ID,
		Type:         models.InterventionNudge,
		ActionCode:   "show_help_prompt",
		Payload:      map[string]any{"message": "Need a hand?"},
		ScoreAtFire:  55,
		TierAtFire:   models.TierNudge,
		Timestamp:    at,
		Status:       models.StatusSent,
	}
	require.NoError(t, db.Interventions().Create(ctx, iv))
	return iv
}

func strPtr(s string) *string { return &s }
