// Package intervention turns fire decisions into delivered interventions:
// it builds the type-keyed payload, persists the lifecycle record, bumps
// session counters, and pushes the frames to the widget and dashboard.
package intervention

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/engagekit/engage/pkg/clock"
	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store"
	"github.com/engagekit/engage/pkg/ws"
)

// Broadcaster pushes frames to connected clients.
type Broadcaster interface {
	BroadcastToChannel(channel string, v any)
	BroadcastToSession(channel, sessionID string, v any)
}

// Snapshotter captures a training datapoint for a terminal intervention.
type Snapshotter interface {
	Snapshot(ctx context.Context, interventionID string) error
}

// Action codes the widget understands, one per intervention type.
var actionCodes = map[models.InterventionType]string{
	models.InterventionPassive:  "UI_SOFTEN",
	models.InterventionNudge:    "SHOW_NUDGE",
	models.InterventionActive:   "OPEN_ASSIST_PANEL",
	models.InterventionEscalate: "OFFER_RESCUE",
}

var defaultMessages = map[models.InterventionType]string{
	models.InterventionPassive:  "Adjusting the page to reduce distraction",
	models.InterventionNudge:    "Need a hand? We're here if anything looks off.",
	models.InterventionActive:   "Let us help you compare your options.",
	models.InterventionEscalate: "Something went wrong? Chat with us now and we'll sort it out.",
}

// Dispatcher writes interventions and records their outcomes.
type Dispatcher struct {
	db          store.Store
	broadcaster Broadcaster
	snapshots   Snapshotter
	clock       clock.Clock
	logger      *slog.Logger
}

// NewDispatcher wires the writer. snapshots may be nil (training capture
// disabled).
func NewDispatcher(db store.Store, broadcaster Broadcaster, snapshots Snapshotter, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		db:          db,
		broadcaster: broadcaster,
		snapshots:   snapshots,
		clock:       clk,
		logger:      logger.With("component", "intervention_dispatcher"),
	}
}

// Dispatch persists and delivers the intervention for a fire decision.
// Satisfies the evaluation coordinator's dispatch hook; errors are logged,
// never propagated back into the evaluation path.
func (d *Dispatcher) Dispatch(ctx context.Context, eval *models.Evaluation, session *models.Session) {
	if eval.Decision != models.DecisionFire || eval.InterventionType == "" {
		return
	}

	now := d.clock.Now()
	frictionID := ""
	if len(eval.FrictionsFound) > 0 {
		frictionID = eval.FrictionsFound[0]
	}

	iv := &models.Intervention{
		ID:           uuid.New().String(),
		SessionID:    eval.SessionID,
		EvaluationID: eval.ID,
		Type:         eval.InterventionType,
		ActionCode:   actionCodes[eval.InterventionType],
		FrictionID:   frictionID,
		Payload:      buildPayload(eval.InterventionType, eval.Tier, frictionID, now),
		ScoreAtFire:  eval.Composite,
		TierAtFire:   eval.Tier,
		Timestamp:    now,
		Status:       models.StatusSent,
	}

	if err := d.db.Interventions().Create(ctx, iv); err != nil {
		d.logger.Error("Failed to persist intervention", "session_id", eval.SessionID, "error", err)
		return
	}
	if err := d.db.Sessions().Increment(ctx, eval.SessionID, store.CounterInterventionsFired, 1); err != nil {
		d.logger.Error("Failed to increment fired counter", "session_id", eval.SessionID, "error", err)
	}

	d.broadcast(iv, session)
	d.logger.Info("Intervention dispatched",
		"intervention_id", iv.ID, "session_id", iv.SessionID, "type", iv.Type, "tier", iv.TierAtFire)
}

// buildPayload assembles the type-keyed widget payload.
func buildPayload(t models.InterventionType, tier models.Tier, frictionID string, now time.Time) map[string]any {
	payload := map[string]any{
		"type":       string(t),
		"actionCode": actionCodes[t],
		"frictionId": frictionID,
		"message":    defaultMessages[t],
		"tier":       string(tier),
		"timestamp":  now.UnixMilli(),
	}
	switch t {
	case models.InterventionPassive:
		payload["uiAdjustments"] = map[string]any{"reduceMotion": true, "hidePromos": true}
		payload["silent"] = true
	case models.InterventionNudge:
		payload["bubbleText"] = defaultMessages[t]
		payload["dismissable"] = true
		payload["autoHideMs"] = 8000
	case models.InterventionActive:
		payload["showPanel"] = true
		payload["products"] = []any{}
		payload["comparison"] = nil
	case models.InterventionEscalate:
		payload["showPanel"] = true
		payload["urgent"] = true
		payload["offerDiscount"] = tier == models.TierEscalate
	}
	return payload
}

// broadcast pushes the widget frame to the session bucket and a snake_case
// mirror to the dashboard.
func (d *Dispatcher) broadcast(iv *models.Intervention, session *models.Session) {
	if d.broadcaster == nil {
		return
	}
	data := map[string]any{
		"intervention_id": iv.ID,
		"session_id":      iv.SessionID,
		"type":            string(iv.Type),
		"action_code":     iv.ActionCode,
		"friction_id":     iv.FrictionID,
		"timestamp":       iv.Timestamp.UnixMilli(),
		"message":         iv.Payload["message"],
		"mswim_score":     iv.ScoreAtFire,
		"mswim_tier":      string(iv.TierAtFire),
		"status":          string(models.StatusSent),
		"payload":         iv.Payload,
	}
	d.broadcaster.BroadcastToSession(ws.ChannelWidget, iv.SessionID, map[string]any{
		"type":      ws.FrameIntervention,
		"sessionId": iv.SessionID,
		"data":      data,
	})

	dashboard := map[string]any{
		"type": ws.FrameIntervention,
		"data": data,
	}
	if session != nil {
		dashboard["site_url"] = session.SiteURL
	}
	d.broadcaster.BroadcastToChannel(ws.ChannelDashboard, dashboard)
}

// RecordOutcome advances an intervention's lifecycle and maintains the
// session outcome counters. Terminal outcomes trigger a training snapshot,
// idempotently keyed by the intervention id.
func (d *Dispatcher) RecordOutcome(ctx context.Context, interventionID string, status models.InterventionStatus, conversionAction string) (*models.Intervention, error) {
	now := d.clock.Now()
	iv, err := d.db.Interventions().UpdateStatus(ctx, interventionID, status, now, conversionAction)
	if err != nil {
		return nil, err
	}

	switch status {
	case models.StatusDismissed:
		if err := d.db.Sessions().Increment(ctx, iv.SessionID, store.CounterDismissals, 1); err != nil {
			d.logger.Error("Failed to increment dismissals", "session_id", iv.SessionID, "error", err)
		}
	case models.StatusConverted:
		if err := d.db.Sessions().Increment(ctx, iv.SessionID, store.CounterConversions, 1); err != nil {
			d.logger.Error("Failed to increment conversions", "session_id", iv.SessionID, "error", err)
		}
	}

	if status.IsTerminal() && d.snapshots != nil {
		go func() {
			if err := d.snapshots.Snapshot(context.Background(), interventionID); err != nil {
				d.logger.Error("Training snapshot failed", "intervention_id", interventionID, "error", err)
			}
		}()
	}
	return iv, nil
}
