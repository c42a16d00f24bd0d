package database

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store"
)

func newExperiment(name string, siteURL *string) *models.Experiment {
	return &models.Experiment{
		ID:             uuid.NewString(),
		Name:           name,
		SiteURL:        siteURL,
		Status:         models.ExperimentDraft,
		TrafficPercent: 50,
		Variants: []models.Variant{
			{ID: "control", Name: "control", Weight: 0.5},
			{ID: "fast", Name: "fast-only", Weight: 0.5, EvalEngine: models.EngineFast},
		},
		PrimaryMetric: "conversion_rate",
		MinSampleSize: 100,
		CreatedAt:     baseTime,
	}
}

func TestExperimentStore_CreateAndGet(t *testing.T) {
	db := newStore(t)
	ctx := t.Context()

	exp := newExperiment("engine-ab", nil)
	require.NoError(t, db.Experiments().Create(ctx, exp))

	got, err := db.Experiments().Get(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentDraft, got.Status)
	assert.Equal(t, exp.Variants, got.Variants)
	assert.Equal(t, "conversion_rate", got.PrimaryMetric)

	bad := newExperiment("single-variant", nil)
	bad.Variants = bad.Variants[:1]
	var vErr *store.ValidationError
	assert.ErrorAs(t, db.Experiments().Create(ctx, bad), &vErr)
}

func TestExperimentStore_GetRunningIsScopeExact(t *testing.T) {
	db := newStore(t)
	ctx := t.Context()

	global := newExperiment("global-ab", nil)
	scoped := newExperiment("site-ab", strPtr("https://shop.example.com"))
	require.NoError(t, db.Experiments().Create(ctx, global))
	require.NoError(t, db.Experiments().Create(ctx, scoped))

	_, err := db.Experiments().GetRunning(ctx, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, db.Experiments().SetStatus(ctx, scoped.ID, models.ExperimentRunning))

	// The site-scoped run is invisible to the global scope.
	_, err = db.Experiments().GetRunning(ctx, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	running, err := db.Experiments().GetRunning(ctx, strPtr("https://shop.example.com"))
	require.NoError(t, err)
	assert.Equal(t, scoped.ID, running.ID)

	assert.ErrorIs(t, db.Experiments().SetStatus(ctx, "missing", models.ExperimentRunning), store.ErrNotFound)
}

func TestExperimentStore_AssignmentsAreImmutable(t *testing.T) {
	db := newStore(t)
	ctx := t.Context()

	sess := seedSession(t, ctx, db, "sess-1", "https://shop.example.com")
	exp := newExperiment("engine-ab", nil)
	require.NoError(t, db.Experiments().Create(ctx, exp))

	a := &models.ExperimentAssignment{
		ExperimentID: exp.ID,
		SessionID:    sess.ID,
		VariantID:    "control",
		AssignedAt:   baseTime,
	}
	require.NoError(t, db.Experiments().CreateAssignment(ctx, a))

	got, err := db.Experiments().GetAssignment(ctx, exp.ID, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "control", got.VariantID)

	// A second assignment for the same pair is rejected.
	dup := &models.ExperimentAssignment{
		ExperimentID: exp.ID, SessionID: sess.ID, VariantID: "fast", AssignedAt: baseTime,
	}
	assert.ErrorIs(t, db.Experiments().CreateAssignment(ctx, dup), store.ErrAlreadyExists)

	_, err = db.Experiments().GetAssignment(ctx, exp.ID, "other-session")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestShadowStore_ListAndDistinctSites(t *testing.T) {
	db := newStore(t)
	ctx := t.Context()

	sess := seedSession(t, ctx, db, "sess-1", "https://a.example.com")
	eval := seedEvaluation(t, ctx, db, sess.ID, 55, baseTime)

	mk := func(siteURL string, at time.Time) *models.ShadowComparison {
		return &models.ShadowComparison{
			ID:                  uuid.NewString(),
			SessionID:           sess.ID,
			EvaluationID:        eval.ID,
			ProdSignals:         models.Signals{Intent: 60, Friction: 40, Clarity: 50, Receptivity: 70, Value: 30},
			ShadowSignals:       models.Signals{Intent: 55, Friction: 45, Clarity: 50, Receptivity: 65, Value: 30},
			ProdComposite:       55,
			ShadowComposite:     51,
			CompositeDivergence: 4,
			ProdTier:            models.TierNudge,
			ShadowTier:          models.TierNudge,
			ProdDecision:        models.DecisionFire,
			ShadowDecision:      models.DecisionFire,
			TierMatch:           true,
			DecisionMatch:       true,
			GateMatch:           true,
			SiteURL:             siteURL,
			CreatedAt:           at,
		}
	}

	require.NoError(t, db.Shadows().Create(ctx, mk("https://a.example.com", baseTime)))
	require.NoError(t, db.Shadows().Create(ctx, mk("https://a.example.com", baseTime.Add(time.Minute))))
	require.NoError(t, db.Shadows().Create(ctx, mk("https://b.example.com", baseTime.Add(2*time.Minute))))
	require.NoError(t, db.Shadows().Create(ctx, mk("https://a.example.com", baseTime.Add(2*time.Hour))))

	from, to := baseTime, baseTime.Add(time.Hour)

	all, err := db.Shadows().ListBetween(ctx, from, to, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	scoped, err := db.Shadows().ListBetween(ctx, from, to, strPtr("https://a.example.com"))
	require.NoError(t, err)
	assert.Len(t, scoped, 2)

	sites, err := db.Shadows().DistinctSitesBetween(ctx, from, to)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://a.example.com", "https://b.example.com"}, sites)
}

func TestDriftStore_Snapshots(t *testing.T) {
	db := newStore(t)
	ctx := t.Context()

	mk := func(w models.WindowType, siteURL *string, at time.Time) *models.DriftSnapshot {
		return &models.DriftSnapshot{
			ID:                     uuid.NewString(),
			WindowType:             w,
			SiteURL:                siteURL,
			SampleCount:            42,
			TierAgreementRate:      0.93,
			DecisionAgreementRate:  0.95,
			AvgCompositeDivergence: 3.1,
			ConvertedSignalMeans:   models.SignalMeans{Intent: 62.5, Receptivity: 71},
			DismissedSignalMeans:   models.SignalMeans{Intent: 40, Receptivity: 35.5},
			ConvertedCount:         12,
			DismissedCount:         8,
			ConversionRate:         0.24,
			DismissalRate:          0.16,
			CreatedAt:              at,
		}
	}

	older := mk(models.Window1h, nil, baseTime)
	newer := mk(models.Window1h, nil, baseTime.Add(time.Hour))
	scoped := mk(models.Window1h, strPtr("https://shop.example.com"), baseTime)
	require.NoError(t, db.Drift().CreateSnapshot(ctx, older))
	require.NoError(t, db.Drift().CreateSnapshot(ctx, newer))
	require.NoError(t, db.Drift().CreateSnapshot(ctx, scoped))

	got, err := db.Drift().LatestSnapshot(ctx, models.Window1h, nil)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)
	assert.Equal(t, newer.ConvertedSignalMeans, got.ConvertedSignalMeans)

	_, err = db.Drift().LatestSnapshot(ctx, models.Window24h, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDriftStore_Alerts(t *testing.T) {
	db := newStore(t)
	ctx := t.Context()

	mk := func(alertType string, at time.Time) *models.DriftAlert {
		return &models.DriftAlert{
			ID:         uuid.NewString(),
			AlertType:  alertType,
			Severity:   models.SeverityWarning,
			WindowType: models.Window24h,
			Metric:     "tier_agreement_rate",
			Expected:   0.90,
			Actual:     0.71,
			Message:    "tier agreement below threshold",
			CreatedAt:  at,
		}
	}

	old := mk("shadow_divergence", baseTime.Add(-48*time.Hour))
	current := mk("shadow_divergence", baseTime)
	require.NoError(t, db.Drift().CreateAlert(ctx, old))
	require.NoError(t, db.Drift().CreateAlert(ctx, current))

	// Dedup lookup honors the since cutoff.
	found, err := db.Drift().FindUnresolvedAlert(ctx, "shadow_divergence", models.Window24h, nil, baseTime.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, current.ID, found.ID)

	_, err = db.Drift().FindUnresolvedAlert(ctx, "outcome_shift", models.Window24h, nil, baseTime.Add(-72*time.Hour))
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, db.Drift().AcknowledgeAlert(ctx, current.ID))
	assert.ErrorIs(t, db.Drift().AcknowledgeAlert(ctx, "missing"), store.ErrNotFound)

	resolveAt := baseTime.Add(time.Hour)
	require.NoError(t, db.Drift().ResolveAlert(ctx, current.ID, resolveAt))
	// Resolving again keeps the original timestamp.
	require.NoError(t, db.Drift().ResolveAlert(ctx, current.ID, resolveAt.Add(time.Hour)))

	unresolved, err := db.Drift().ListAlerts(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, old.ID, unresolved[0].ID)

	all, err := db.Drift().ListAlerts(ctx, false, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	for _, a := range all {
		if a.ID == current.ID {
			assert.True(t, a.Acknowledged)
			require.NotNil(t, a.ResolvedAt)
			assert.WithinDuration(t, resolveAt, *a.ResolvedAt, time.Second)
		}
	}

	n, err := db.Drift().PruneResolvedBefore(ctx, resolveAt.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTrainingStore_IdempotentByIntervention(t *testing.T) {
	db := newStore(t)
	ctx := t.Context()

	sess := seedSession(t, ctx, db, "sess-1", "https://shop.example.com")
	iv := seedIntervention(t, ctx, db, sess.ID, baseTime)

	dp := &models.TrainingDatapoint{
		ID:             uuid.NewString(),
		InterventionID: iv.ID,
		SessionID:      sess.ID,
		EvaluationID:   iv.EvaluationID,
		SessionSnapshot: map[string]any{
			"cart_value": 129.9,
			"page_views": float64(4),
		},
		Events:           []models.TrackEvent{{ID: "ev-1", SessionID: sess.ID, EventType: "page_view"}},
		Signals:          models.Signals{Intent: 60, Friction: 40, Clarity: 50, Receptivity: 70, Value: 30},
		Composite:        55,
		Tier:             models.TierNudge,
		Decision:         models.DecisionFire,
		InterventionType: models.InterventionNudge,
		Engine:           models.EngineFast,
		Outcome:          models.StatusConverted,
		ConversionAction: "add_to_cart",
		OutcomeDelayMs:   32000,
		Quality:          models.QualityFlags{HasOutcome: true, HasEvents: true, EventCount: 1},
		CreatedAt:        baseTime,
	}
	require.NoError(t, db.Training().Create(ctx, dp))

	dup := *dp
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, db.Training().Create(ctx, &dup), store.ErrAlreadyExists)

	got, err := db.Training().GetByIntervention(ctx, iv.ID)
	require.NoError(t, err)
	assert.Equal(t, dp.ID, got.ID)
	assert.Equal(t, dp.SessionSnapshot, got.SessionSnapshot)
	assert.Equal(t, dp.Quality, got.Quality)
	assert.Len(t, got.Events, 1)

	n, err := db.Training().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = db.Training().GetByIntervention(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJobRunStore_Lifecycle(t *testing.T) {
	db := newStore(t)
	ctx := t.Context()

	mk := func(name string, at time.Time) *models.JobRun {
		return &models.JobRun{
			ID:          uuid.NewString(),
			JobName:     name,
			Status:      models.JobRunning,
			StartedAt:   at,
			TriggeredBy: "scheduler",
		}
	}

	drift := mk("drift_check", baseTime)
	snapshot := mk("snapshot_1h", baseTime.Add(time.Minute))
	orphan := mk("drift_check", baseTime.Add(2*time.Minute))
	for _, r := range []*models.JobRun{drift, snapshot, orphan} {
		require.NoError(t, db.JobRuns().Create(ctx, r))
	}

	require.NoError(t, db.JobRuns().Complete(ctx, drift.ID, "3 alerts evaluated", 1500*time.Millisecond))
	require.NoError(t, db.JobRuns().Fail(ctx, snapshot.ID, "window query failed", 200*time.Millisecond))
	assert.ErrorIs(t, db.JobRuns().Complete(ctx, "missing", "", time.Second), store.ErrNotFound)

	runs, err := db.JobRuns().List(ctx, "drift_check", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	// Newest first.
	assert.Equal(t, orphan.ID, runs[0].ID)

	completed := runs[1]
	assert.Equal(t, models.JobCompleted, completed.Status)
	assert.Equal(t, "3 alerts evaluated", completed.Summary)
	require.NotNil(t, completed.DurationMs)
	assert.Equal(t, int64(1500), *completed.DurationMs)
	require.NotNil(t, completed.CompletedAt)

	all, err := db.JobRuns().List(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	n, err := db.JobRuns().FailRunning(ctx, "orphaned by restart")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	failed, err := db.JobRuns().List(ctx, "", 10)
	require.NoError(t, err)
	for _, r := range failed {
		if r.ID == orphan.ID {
			assert.Equal(t, models.JobFailed, r.Status)
			assert.Equal(t, "orphaned by restart", r.ErrorMessage)
		}
	}
}
