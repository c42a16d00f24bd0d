package intervention

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
	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store"
	"github.com/engagekit/engage/pkg/store/memory"
	"github.com/engagekit/engage/pkg/ws"
)

type fakeBroadcaster struct {
	mu       sync.Mutex
	channel  []map[string]any
	session  []map[string]any
	sessions []string
}

func (b *fakeBroadcaster) BroadcastToChannel(_ string, v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channel = append(b.channel, v.(map[string]any))
}

func (b *fakeBroadcaster) BroadcastToSession(_, sessionID string, v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session = append(b.session, v.(map[string]any))
	b.sessions = append(b.sessions, sessionID)
}

type fakeSnapshotter struct {
	mu  sync.Mutex
	ids []string
}

func (s *fakeSnapshotter) Snapshot(_ context.Context, interventionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, interventionID)
	return nil
}

func (s *fakeSnapshotter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

func seed(t *testing.T, db *memory.Store, clk clock.Clock) (*models.Session, *models.Evaluation) {
	t.Helper()
	now := clk.Now()
	session := &models.Session{
		ID:             uuid.New().String(),
		SiteURL:        "https://shop.example.com",
		StartedAt:      now.Add(-5 * time.Minute),
		LastActivityAt: now,
		Status:         models.SessionActive,
	}
	require.NoError(t, db.Sessions().Create(context.Background(), session))

	eval := &models.Evaluation{
		ID:               uuid.New().String(),
		SessionID:        session.ID,
		FrictionsFound:   []string{"F096"},
		Composite:        81.5,
		Tier:             models.TierEscalate,
		Decision:         models.DecisionFire,
		InterventionType: models.InterventionEscalate,
		Engine:           models.EngineLLM,
		CreatedAt:        now,
	}
	require.NoError(t, db.Evaluations().Create(context.Background(), eval))
	return session, eval
}

func TestDispatchPersistsAndBroadcasts(t *testing.T) {
	db := memory.New()
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	bc := &fakeBroadcaster{}
	d := NewDispatcher(db, bc, nil, clk, slog.Default())
	session, eval := seed(t, db, clk)

	d.Dispatch(context.Background(), eval, session)

	ivs, err := db.Interventions().ListBySession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, ivs, 1)
	iv := ivs[0]
	assert.Equal(t, models.StatusSent, iv.Status)
	assert.Equal(t, models.InterventionEscalate, iv.Type)
	assert.Equal(t, "OFFER_RESCUE", iv.ActionCode)
	assert.Equal(t, "F096", iv.FrictionID)
	assert.Equal(t, 81.5, iv.ScoreAtFire)

	assert.Equal(t, true, iv.Payload["urgent"])
	assert.Equal(t, true, iv.Payload["offerDiscount"], "ESCALATE tier carries the discount")

	updated, err := db.Sessions().Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.InterventionsFired)

	require.Len(t, bc.session, 1)
	assert.Equal(t, session.ID, bc.sessions[0])
	assert.Equal(t, ws.FrameIntervention, bc.session[0]["type"])
	data := bc.session[0]["data"].(map[string]any)
	assert.Equal(t, iv.ID, data["intervention_id"])
	assert.Equal(t, "sent", data["status"])

	require.Len(t, bc.channel, 1, "dashboard mirror sent")
	assert.Equal(t, session.SiteURL, bc.channel[0]["site_url"])
}

func TestDispatchIgnoresSuppressAndMonitor(t *testing.T) {
	db := memory.New()
	clk := clock.NewFake(time.Now())
	d := NewDispatcher(db, &fakeBroadcaster{}, nil, clk, slog.Default())
	session, eval := seed(t, db, clk)

	eval.Decision = models.DecisionSuppress
	d.Dispatch(context.Background(), eval, session)

	eval.Decision = models.DecisionFire
	eval.InterventionType = ""
	d.Dispatch(context.Background(), eval, session)

	ivs, err := db.Interventions().ListBySession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Empty(t, ivs)
}

func TestPayloadShapePerType(t *testing.T) {
	now := time.Now()
	tests := []struct {
		iType models.InterventionType
		tier  models.Tier
		key   string
		want  any
	}{
		{models.InterventionPassive, models.TierPassive, "silent", true},
		{models.InterventionNudge, models.TierNudge, "autoHideMs", 8000},
		{models.InterventionActive, models.TierActive, "showPanel", true},
		{models.InterventionEscalate, models.TierActive, "offerDiscount", false},
	}
	for _, tc := range tests {
		payload := buildPayload(tc.iType, tc.tier, "F053", now)
		assert.Equal(t, tc.want, payload[tc.key], "type %s key %s", tc.iType, tc.key)
		assert.Equal(t, string(tc.iType), payload["type"])
		assert.Equal(t, "F053", payload["frictionId"])
		assert.NotEmpty(t, payload["message"])
	}
}

func TestRecordOutcomeLifecycle(t *testing.T) {
	db := memory.New()
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	snaps := &fakeSnapshotter{}
	d := NewDispatcher(db, &fakeBroadcaster{}, snaps, clk, slog.Default())
	session, eval := seed(t, db, clk)
	d.Dispatch(context.Background(), eval, session)
	ivs, _ := db.Interventions().ListBySession(context.Background(), session.ID)
	id := ivs[0].ID

	clk.Advance(2 * time.Second)
	iv, err := d.RecordOutcome(context.Background(), id, models.StatusDelivered, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, iv.Status)
	require.NotNil(t, iv.DeliveredAt)
	assert.Zero(t, snaps.count(), "delivered is not terminal")

	clk.Advance(5 * time.Second)
	iv, err = d.RecordOutcome(context.Background(), id, models.StatusConverted, "checkout_completed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConverted, iv.Status)
	assert.Equal(t, "checkout_completed", iv.ConversionAction)

	updated, err := db.Sessions().Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Conversions)

	require.Eventually(t, func() bool { return snaps.count() == 1 }, time.Second, 10*time.Millisecond)

	// Terminal is final.
	_, err = d.RecordOutcome(context.Background(), id, models.StatusDismissed, "")
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestRecordOutcomeDismissedIncrementsCounter(t *testing.T) {
	db := memory.New()
	clk := clock.NewFake(time.Now())
	d := NewDispatcher(db, &fakeBroadcaster{}, nil, clk, slog.Default())
	session, eval := seed(t, db, clk)
	d.Dispatch(context.Background(), eval, session)
	ivs, _ := db.Interventions().ListBySession(context.Background(), session.ID)

	_, err := d.RecordOutcome(context.Background(), ivs[0].ID, models.StatusDismissed, "")
	require.NoError(t, err)

	updated, err := db.Sessions().Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Dismissals)
	assert.Zero(t, updated.Conversions)
}
