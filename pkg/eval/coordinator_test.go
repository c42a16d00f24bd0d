package eval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engagekit/engage/pkg/clock"
	"github.com/engagekit/engage/pkg/experiment"
	"github.com/engagekit/engage/pkg/llm"
	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/mswim"
	"github.com/engagekit/engage/pkg/store/memory"
)

type fixture struct {
	db          *memory.Store
	clk         *clock.Fake
	coordinator *Coordinator
	dispatcher  *recordingDispatcher
	broadcaster *recordingBroadcaster
	shadow      *Shadow
}

type recordingDispatcher struct {
	mu    sync.Mutex
	evals []*models.Evaluation
}

func (d *recordingDispatcher) Dispatch(_ context.Context, eval *models.Evaluation, _ *models.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evals = append(d.evals, eval)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.evals)
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	frames []any
}

func (b *recordingBroadcaster) BroadcastToChannel(_ string, v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, v)
}

// steadyAnalyst returns fixed hints without detecting frictions.
func steadyAnalyst(signals models.Signals) llm.Analyst {
	return llm.AnalyzeFunc(func(_ context.Context, _ *llm.EvaluationContext) (*llm.Output, error) {
		return &llm.Output{
			Narrative:         "shopper hesitating at checkout",
			Signals:           signals,
			RecommendedAction: "nudge",
			Reasoning:         "cart loaded, no progress",
		}, nil
	})
}

func newFixture(t *testing.T, engineSel models.Engine, analyst llm.Analyst, withShadow bool) *fixture {
	t.Helper()
	db := memory.New()
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	logger := slog.Default()

	scoring := mswim.NewEngine(mswim.NewCatalog(nil))
	configs := mswim.NewConfigResolver(db.ScoringConfigs(), logger)
	experiments := experiment.NewResolver(db.Experiments(), clk, false, logger)

	var shadow *Shadow
	if withShadow {
		shadow = NewShadow(db.Shadows(), scoring, clk, logger)
		t.Cleanup(shadow.Stop)
	}

	dispatcher := &recordingDispatcher{}
	broadcaster := &recordingBroadcaster{}
	coordinator := NewCoordinator(db, scoring, configs, experiments, analyst, shadow, dispatcher, broadcaster, clk,
		Options{Engine: engineSel, LLMTimeout: 200 * time.Millisecond}, logger)

	return &fixture{
		db:          db,
		clk:         clk,
		coordinator: coordinator,
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		shadow:      shadow,
	}
}

// seedSession installs a checkout session aged 180s with 6 events; the
// last event carries the given friction id (empty for none). Returns the
// session and batch event ids.
func (f *fixture) seedSession(t *testing.T, frictionID string) (*models.Session, []string) {
	t.Helper()
	now := f.clk.Now()
	session := &models.Session{
		ID:              uuid.New().String(),
		VisitorID:       "vis-1",
		SiteURL:         "https://shop.example.com",
		DeviceType:      models.DeviceDesktop,
		ReferrerType:    models.ReferrerDirect,
		IsLoggedIn:      true,
		IsRepeatVisitor: false,
		CartValue:       150,
		CartItemCount:   2,
		StartedAt:       now.Add(-180 * time.Second),
		LastActivityAt:  now,
		Status:          models.SessionActive,
	}
	require.NoError(t, f.db.Sessions().Create(context.Background(), session))

	var batchIDs []string
	for i := 0; i < 6; i++ {
		ev := &models.TrackEvent{
			ID:        uuid.New().String(),
			SessionID: session.ID,
			SiteURL:   session.SiteURL,
			Timestamp: now.Add(time.Duration(i-6) * 10 * time.Second),
			Category:  models.CategoryCheckout,
			EventType: "checkout_step",
			PageType:  models.PageCheckout,
			PageURL:   "https://shop.example.com/checkout",
		}
		if i >= 4 {
			if i == 5 {
				ev.FrictionID = frictionID
			}
			batchIDs = append(batchIDs, ev.ID)
		}
		require.NoError(t, f.db.Events().Create(context.Background(), ev))
	}
	return session, batchIDs
}

func TestFastEngineEndToEnd(t *testing.T) {
	f := newFixture(t, models.EngineFast, nil, false)
	session, batch := f.seedSession(t, "")

	eval, err := f.coordinator.EvaluateEventBatch(context.Background(), session.ID, batch)
	require.NoError(t, err)

	assert.Equal(t, models.EngineFast, eval.Engine)
	assert.Equal(t, models.TierNudge, eval.Tier)
	assert.Equal(t, models.DecisionFire, eval.Decision)
	assert.Equal(t, models.InterventionNudge, eval.InterventionType)
	assert.Equal(t, batch, eval.EventIDs)

	stored, err := f.db.Evaluations().Get(context.Background(), eval.ID)
	require.NoError(t, err)
	assert.Equal(t, eval.Composite, stored.Composite)

	assert.Equal(t, 1, f.dispatcher.count(), "fire decision handed to dispatcher")
}

func TestLLMEngineUsesAnalystHints(t *testing.T) {
	analyst := llm.AnalyzeFunc(func(_ context.Context, _ *llm.EvaluationContext) (*llm.Output, error) {
		return &llm.Output{
			Narrative:           "payment trouble",
			DetectedFrictionIDs: []string{"F096"},
			Signals:             models.Signals{Intent: 70, Friction: 80, Clarity: 65, Receptivity: 60, Value: 55},
			Reasoning:           "card declined twice",
		}, nil
	})
	f := newFixture(t, models.EngineLLM, analyst, false)
	session, batch := f.seedSession(t, "")

	eval, err := f.coordinator.EvaluateEventBatch(context.Background(), session.ID, batch)
	require.NoError(t, err)

	assert.Equal(t, models.EngineLLM, eval.Engine)
	assert.Equal(t, "payment trouble", eval.Narrative)
	assert.Contains(t, eval.FrictionsFound, "F096", "detected frictions unioned in")
	assert.Equal(t, models.TierEscalate, eval.Tier, "payment friction force-escalates")
	assert.Contains(t, eval.Reasoning, "card declined twice")
}

func TestLLMTimeoutFallsBackToFast(t *testing.T) {
	analyst := llm.AnalyzeFunc(func(ctx context.Context, _ *llm.EvaluationContext) (*llm.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := newFixture(t, models.EngineLLM, analyst, false)
	session, batch := f.seedSession(t, "")

	eval, err := f.coordinator.EvaluateEventBatch(context.Background(), session.ID, batch)
	require.NoError(t, err)

	assert.Equal(t, models.EngineFast, eval.Engine)
	assert.True(t, len(eval.Reasoning) > 0)
	assert.Contains(t, eval.Reasoning, "[llm_timeout]")
	assert.Equal(t, models.TierNudge, eval.Tier, "fast fallback still scores")
}

func TestLLMErrorFallsBackWithoutTimeoutMarker(t *testing.T) {
	analyst := llm.AnalyzeFunc(func(_ context.Context, _ *llm.EvaluationContext) (*llm.Output, error) {
		return nil, fmt.Errorf("provider unavailable")
	})
	f := newFixture(t, models.EngineLLM, analyst, false)
	session, batch := f.seedSession(t, "")

	eval, err := f.coordinator.EvaluateEventBatch(context.Background(), session.ID, batch)
	require.NoError(t, err)
	assert.Equal(t, models.EngineFast, eval.Engine)
	assert.NotContains(t, eval.Reasoning, "[llm_timeout]")
}

func TestAutoEscalatesToLLMOnSevereFriction(t *testing.T) {
	called := false
	analyst := llm.AnalyzeFunc(func(_ context.Context, _ *llm.EvaluationContext) (*llm.Output, error) {
		called = true
		return &llm.Output{
			Signals: models.Signals{Intent: 60, Friction: 85, Clarity: 60, Receptivity: 55, Value: 50},
		}, nil
	})
	f := newFixture(t, models.EngineAuto, analyst, false)
	// F112 has catalog severity 85, above the auto threshold.
	session, batch := f.seedSession(t, "F112")

	eval, err := f.coordinator.EvaluateEventBatch(context.Background(), session.ID, batch)
	require.NoError(t, err)
	assert.True(t, called, "auto path escalated to the analyst")
	assert.Equal(t, models.EngineLLM, eval.Engine)
}

func TestAutoAcceptsCalmFastResult(t *testing.T) {
	analyst := llm.AnalyzeFunc(func(_ context.Context, _ *llm.EvaluationContext) (*llm.Output, error) {
		t.Fatal("analyst must not be called for a calm fast result")
		return nil, nil
	})
	f := newFixture(t, models.EngineAuto, analyst, false)
	session, batch := f.seedSession(t, "")

	eval, err := f.coordinator.EvaluateEventBatch(context.Background(), session.ID, batch)
	require.NoError(t, err)
	assert.Equal(t, models.EngineFast, eval.Engine)
}

func TestShadowComparisonWritten(t *testing.T) {
	analyst := steadyAnalyst(models.Signals{Intent: 55, Friction: 30, Clarity: 60, Receptivity: 50, Value: 45})
	f := newFixture(t, models.EngineLLM, analyst, true)
	session, batch := f.seedSession(t, "")

	eval, err := f.coordinator.EvaluateEventBatch(context.Background(), session.ID, batch)
	require.NoError(t, err)

	var comparisons []models.ShadowComparison
	require.Eventually(t, func() bool {
		var listErr error
		comparisons, listErr = f.db.Shadows().ListBetween(context.Background(),
			f.clk.Now().Add(-time.Minute), f.clk.Now().Add(time.Minute), nil)
		return listErr == nil && len(comparisons) == 1
	}, time.Second, 10*time.Millisecond)

	sc := comparisons[0]
	assert.Equal(t, eval.ID, sc.EvaluationID)
	assert.Equal(t, eval.Signals, sc.ProdSignals)
	assert.InDelta(t, absFloat(sc.ProdComposite-sc.ShadowComposite), sc.CompositeDivergence, 0.001)
	assert.Equal(t, sc.ProdTier == sc.ShadowTier, sc.TierMatch)
	assert.Equal(t, session.SiteURL, sc.SiteURL)
}

func TestNoShadowForFastEngine(t *testing.T) {
	f := newFixture(t, models.EngineFast, nil, true)
	session, batch := f.seedSession(t, "")

	_, err := f.coordinator.EvaluateEventBatch(context.Background(), session.ID, batch)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	comparisons, err := f.db.Shadows().ListBetween(context.Background(),
		f.clk.Now().Add(-time.Minute), f.clk.Now().Add(time.Minute), nil)
	require.NoError(t, err)
	assert.Empty(t, comparisons)
}

func TestMonitorDecisionNotDispatched(t *testing.T) {
	f := newFixture(t, models.EngineFast, nil, false)
	now := f.clk.Now()
	session := &models.Session{
		ID:             uuid.New().String(),
		SiteURL:        "https://shop.example.com",
		DeviceType:     models.DeviceMobile,
		ReferrerType:   models.ReferrerDirect,
		StartedAt:      now.Add(-10 * time.Second),
		LastActivityAt: now,
		Status:         models.SessionActive,
		Dismissals:     3,
	}
	require.NoError(t, f.db.Sessions().Create(context.Background(), session))
	ev := &models.TrackEvent{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		SiteURL:   session.SiteURL,
		Timestamp: now,
		EventType: "page_view",
		PageType:  models.PageLanding,
	}
	require.NoError(t, f.db.Events().Create(context.Background(), ev))

	eval, err := f.coordinator.EvaluateEventBatch(context.Background(), session.ID, []string{ev.ID})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionSuppress, eval.Decision)
	assert.Zero(t, f.dispatcher.count())
}

func TestEnqueueSerializesPerSession(t *testing.T) {
	var mu sync.Mutex
	inFlight := map[string]int{}
	maxInFlight := map[string]int{}

	analyst := llm.AnalyzeFunc(func(_ context.Context, ec *llm.EvaluationContext) (*llm.Output, error) {
		id := ec.Session.ID
		mu.Lock()
		inFlight[id]++
		if inFlight[id] > maxInFlight[id] {
			maxInFlight[id] = inFlight[id]
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight[id]--
		mu.Unlock()
		return &llm.Output{Signals: models.Signals{Intent: 50, Friction: 20, Clarity: 50, Receptivity: 50, Value: 40}}, nil
	})
	f := newFixture(t, models.EngineLLM, analyst, false)

	sessionA, batchA := f.seedSession(t, "")
	sessionB, batchB := f.seedSession(t, "")

	for i := 0; i < 3; i++ {
		f.coordinator.Enqueue(sessionA.ID, batchA)
		f.coordinator.Enqueue(sessionB.ID, batchB)
	}
	require.True(t, f.coordinator.Drain(5*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight[sessionA.ID], "at most one evaluation in flight per session")
	assert.Equal(t, 1, maxInFlight[sessionB.ID])
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
