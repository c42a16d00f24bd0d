// Package training denormalizes terminal interventions into standalone
// training datapoints: the intervention, its evaluation, the session
// snapshot, and the batched events joined into one row.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/engagekit/engage/pkg/clock"
	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store"
)

// Snapshotter captures training datapoints. Safe for concurrent use; the
// store's intervention-id uniqueness makes capture idempotent.
type Snapshotter struct {
	db     store.Store
	clock  clock.Clock
	logger *slog.Logger
}

func NewSnapshotter(db store.Store, clk clock.Clock, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{
		db:     db,
		clock:  clk,
		logger: logger.With("component", "training_snapshotter"),
	}
}

// Snapshot captures the datapoint for one terminal intervention. A second
// call for the same intervention is a no-op. Non-terminal interventions
// are rejected.
func (s *Snapshotter) Snapshot(ctx context.Context, interventionID string) error {
	iv, err := s.db.Interventions().Get(ctx, interventionID)
	if err != nil {
		return fmt.Errorf("load intervention: %w", err)
	}
	if !iv.Status.IsTerminal() {
		return fmt.Errorf("intervention %s is not terminal (status %s)", interventionID, iv.Status)
	}

	eval, err := s.db.Evaluations().Get(ctx, iv.EvaluationID)
	if err != nil {
		return fmt.Errorf("load evaluation: %w", err)
	}
	session, err := s.db.Sessions().Get(ctx, iv.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	events, err := s.db.Events().GetByIDs(ctx, eval.EventIDs)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}

	outcomeDelay := int64(0)
	if at := iv.OutcomeAt(); at != nil {
		outcomeDelay = at.Sub(iv.Timestamp).Milliseconds()
	}

	dp := &models.TrainingDatapoint{
		ID:               uuid.New().String(),
		InterventionID:   iv.ID,
		SessionID:        iv.SessionID,
		EvaluationID:     iv.EvaluationID,
		SessionSnapshot:  sessionSnapshot(session, iv.Timestamp),
		Events:           events,
		Signals:          eval.Signals,
		Composite:        eval.Composite,
		Tier:             eval.Tier,
		Decision:         eval.Decision,
		GateOverride:     eval.GateOverride,
		Narrative:        eval.Narrative,
		Frictions:        eval.FrictionsFound,
		InterventionType: iv.Type,
		Engine:           eval.Engine,
		Outcome:          iv.Status,
		ConversionAction: iv.ConversionAction,
		OutcomeDelayMs:   outcomeDelay,
		Quality: models.QualityFlags{
			HasOutcome:     iv.OutcomeAt() != nil,
			HasEvents:      len(events) > 0,
			HasNarrative:   eval.Narrative != "",
			HasFrictions:   len(eval.FrictionsFound) > 0,
			SessionAgeSec:  session.AgeAt(iv.Timestamp),
			EventCount:     len(events),
			OutcomeDelayMs: outcomeDelay,
		},
		CreatedAt: s.clock.Now(),
	}

	if err := s.db.Training().Create(ctx, dp); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("persist datapoint: %w", err)
	}
	s.logger.Info("Training datapoint captured",
		"intervention_id", iv.ID, "session_id", iv.SessionID, "outcome", iv.Status)
	return nil
}

// sessionSnapshot freezes the session fields relevant to training at the
// intervention's fire time.
func sessionSnapshot(session *models.Session, at time.Time) map[string]any {
	return map[string]any{
		"visitor_id":          session.VisitorID,
		"site_url":            session.SiteURL,
		"device_type":         string(session.DeviceType),
		"referrer_type":       string(session.ReferrerType),
		"is_logged_in":        session.IsLoggedIn,
		"is_repeat_visitor":   session.IsRepeatVisitor,
		"cart_value":          session.CartValue,
		"cart_item_count":     session.CartItemCount,
		"interventions_fired": session.InterventionsFired,
		"dismissals":          session.Dismissals,
		"conversions":         session.Conversions,
		"page_views":          session.PageViews,
		"entry_page":          session.EntryPage,
		"utm_source":          session.UTMSource,
		"session_age_sec":     session.AgeAt(at),
	}
}
