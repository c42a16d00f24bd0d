package jobs

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engagekit/engage/pkg/clock"
	"github.com/engagekit/engage/pkg/config"
	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store/memory"
)

func driftConfig() config.DriftConfig {
	return config.DriftConfig{
		TierAgreementFloor:        0.85,
		DecisionAgreementFloor:    0.90,
		MaxCompositeDivergence:    15,
		SignalShiftThreshold:      20,
		ConversionRateDropPercent: 30,
	}
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []*models.DriftAlert
}

func (n *fakeNotifier) NotifyDriftAlert(_ context.Context, alert *models.DriftAlert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

// seedComparisons writes n shadow comparisons inside the last half hour,
// tierMatches of them tier-matching, all decision-matching.
func seedComparisons(t *testing.T, db *memory.Store, clk clock.Clock, site string, n, tierMatches int) {
	t.Helper()
	for i := 0; i < n; i++ {
		sc := &models.ShadowComparison{
			ID:                  uuid.New().String(),
			SessionID:           uuid.New().String(),
			EvaluationID:        uuid.New().String(),
			ProdComposite:       60,
			ShadowComposite:     55,
			CompositeDivergence: 5,
			TierMatch:           i < tierMatches,
			DecisionMatch:       true,
			GateMatch:           true,
			SiteURL:             site,
			CreatedAt:           clk.Now().Add(-30 * time.Minute),
		}
		require.NoError(t, db.Shadows().Create(context.Background(), sc))
	}
}

// seedOutcome persists a session, evaluation, and terminal intervention
// chain inside the window.
func seedOutcome(t *testing.T, db *memory.Store, clk clock.Clock, site string, status models.InterventionStatus, signals models.Signals) {
	t.Helper()
	ctx := context.Background()
	now := clk.Now()

	session := &models.Session{
		ID:             uuid.New().String(),
		SiteURL:        site,
		StartedAt:      now.Add(-time.Hour),
		LastActivityAt: now,
		Status:         models.SessionActive,
	}
	require.NoError(t, db.Sessions().Create(ctx, session))

	eval := &models.Evaluation{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Signals:   signals,
		Composite: 60,
		Tier:      models.TierNudge,
		Decision:  models.DecisionFire,
		Engine:    models.EngineLLM,
		CreatedAt: now.Add(-20 * time.Minute),
	}
	require.NoError(t, db.Evaluations().Create(ctx, eval))

	iv := &models.Intervention{
		ID:           uuid.New().String(),
		SessionID:    session.ID,
		EvaluationID: eval.ID,
		Type:         models.InterventionNudge,
		Timestamp:    now.Add(-20 * time.Minute),
		Status:       models.StatusSent,
	}
	require.NoError(t, db.Interventions().Create(ctx, iv))
	_, err := db.Interventions().UpdateStatus(ctx, iv.ID, status, now.Add(-10*time.Minute), "")
	require.NoError(t, err)
}

func TestComputeSnapshotAggregates(t *testing.T) {
	db := memory.New()
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	d := NewDetector(db, driftConfig(), nil, clk, slog.Default())
	site := "https://shop.example.com"

	seedComparisons(t, db, clk, site, 10, 8)
	seedOutcome(t, db, clk, site, models.StatusConverted, models.Signals{Intent: 80, Friction: 20, Clarity: 60, Receptivity: 70, Value: 75})
	seedOutcome(t, db, clk, site, models.StatusConverted, models.Signals{Intent: 60, Friction: 40, Clarity: 50, Receptivity: 60, Value: 65})
	seedOutcome(t, db, clk, site, models.StatusDismissed, models.Signals{Intent: 30, Friction: 70, Clarity: 40, Receptivity: 20, Value: 35})
	seedOutcome(t, db, clk, site, models.StatusIgnored, models.Signals{Intent: 10, Friction: 10, Clarity: 10, Receptivity: 10, Value: 10})

	snap, err := d.ComputeSnapshot(context.Background(), models.Window1h, nil)
	require.NoError(t, err)

	assert.Equal(t, 10, snap.SampleCount)
	assert.InDelta(t, 0.8, snap.TierAgreementRate, 0.001)
	assert.InDelta(t, 1.0, snap.DecisionAgreementRate, 0.001)
	assert.InDelta(t, 5.0, snap.AvgCompositeDivergence, 0.001)

	assert.Equal(t, 2, snap.ConvertedCount)
	assert.Equal(t, 1, snap.DismissedCount)
	assert.InDelta(t, 0.5, snap.ConversionRate, 0.001, "ignored counts in the denominator")
	assert.InDelta(t, 0.25, snap.DismissalRate, 0.001)
	assert.InDelta(t, 70.0, snap.ConvertedSignalMeans.Intent, 0.001)
	assert.InDelta(t, 70.0, snap.DismissedSignalMeans.Friction, 0.001)

	stored, err := db.Drift().LatestSnapshot(context.Background(), models.Window1h, nil)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, stored.ID)
}

func TestDetectAnomaliesSeverities(t *testing.T) {
	db := memory.New()
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	notifier := &fakeNotifier{}
	d := NewDetector(db, driftConfig(), notifier, clk, slog.Default())

	// 0.5 tier agreement is below 0.78 x 0.85: critical. 0.88 decision
	// agreement is a plain warning against the 0.90 floor.
	snap := &models.DriftSnapshot{
		ID:                    uuid.New().String(),
		WindowType:            models.Window1h,
		SampleCount:           50,
		TierAgreementRate:     0.5,
		DecisionAgreementRate: 0.88,
		CreatedAt:             clk.Now(),
	}
	emitted := d.DetectAnomalies(context.Background(), snap)
	assert.Equal(t, 2, emitted)

	alerts, err := db.Drift().ListAlerts(context.Background(), true, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	bySeverity := map[string]string{}
	for _, a := range alerts {
		bySeverity[a.AlertType] = a.Severity
	}
	assert.Equal(t, models.SeverityCritical, bySeverity[AlertTierAgreementDrop])
	assert.Equal(t, models.SeverityWarning, bySeverity[AlertDecisionAgreementDrop])

	assert.Equal(t, 1, notifier.count(), "only the critical alert is notified")
}

func TestAlertDedupWithinWindow(t *testing.T) {
	db := memory.New()
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	d := NewDetector(db, driftConfig(), nil, clk, slog.Default())

	snap := &models.DriftSnapshot{
		ID:                    uuid.New().String(),
		WindowType:            models.Window1h,
		SampleCount:           20,
		TierAgreementRate:     0.5,
		DecisionAgreementRate: 1,
		CreatedAt:             clk.Now(),
	}
	assert.Equal(t, 1, d.DetectAnomalies(context.Background(), snap))

	// 15 minutes later the same anomaly persists: suppressed.
	clk.Advance(15 * time.Minute)
	assert.Equal(t, 0, d.DetectAnomalies(context.Background(), snap))

	// Past the dedup window with the first alert resolved, it re-emits.
	alerts, err := db.Drift().ListAlerts(context.Background(), true, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.NoError(t, db.Drift().ResolveAlert(context.Background(), alerts[0].ID, clk.Now()))
	clk.Advance(alertDedupWindow)
	assert.Equal(t, 1, d.DetectAnomalies(context.Background(), snap))
}

func TestConversionDropAgainstBaseline(t *testing.T) {
	db := memory.New()
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	notifier := &fakeNotifier{}
	d := NewDetector(db, driftConfig(), notifier, clk, slog.Default())

	baseline := &models.DriftSnapshot{
		ID:             uuid.New().String(),
		WindowType:     models.Window7d,
		ConversionRate: 0.5,
		ConvertedCount: 50,
		DismissedCount: 50,
		CreatedAt:      clk.Now().Add(-time.Hour),
	}
	require.NoError(t, db.Drift().CreateSnapshot(context.Background(), baseline))

	// 0.1 vs a 0.5 baseline is an 80% relative drop, above the 30% limit.
	snap := &models.DriftSnapshot{
		ID:                    uuid.New().String(),
		WindowType:            models.Window24h,
		SampleCount:           10,
		TierAgreementRate:     1,
		DecisionAgreementRate: 1,
		ConversionRate:        0.1,
		ConvertedCount:        1,
		DismissedCount:        9,
		CreatedAt:             clk.Now(),
	}
	assert.Equal(t, 1, d.DetectAnomalies(context.Background(), snap))

	alerts, err := db.Drift().ListAlerts(context.Background(), true, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertConversionRateDrop, alerts[0].AlertType)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, 1, notifier.count())
}

func TestNoBaselineNoRelativeAlerts(t *testing.T) {
	db := memory.New()
	clk := clock.NewFake(time.Now())
	d := NewDetector(db, driftConfig(), nil, clk, slog.Default())

	snap := &models.DriftSnapshot{
		ID:                    uuid.New().String(),
		WindowType:            models.Window1h,
		SampleCount:           5,
		TierAgreementRate:     1,
		DecisionAgreementRate: 1,
		ConversionRate:        0.01,
		ConvertedCount:        1,
		DismissedCount:        99,
		CreatedAt:             clk.Now(),
	}
	assert.Zero(t, d.DetectAnomalies(context.Background(), snap))
}
