package eval

import (
	"context"
	"time"

	"github.com/engagekit/engage/pkg/llm"
	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/mswim"
)

const (
	maxPreviousEvaluations   = 5
	maxPreviousInterventions = 10
)

// buildEvaluationContext assembles what the analyst sees. The history
// excludes the batch's own events; total events are capped at
// maxContextEvents with the new events always included.
func (c *Coordinator) buildEvaluationContext(ctx context.Context, session *models.Session, eventIDs []string) (*llm.EvaluationContext, error) {
	newEvents, err := c.db.Events().GetByIDs(ctx, eventIDs)
	if err != nil {
		return nil, err
	}

	historyBudget := c.maxContextEvents - len(newEvents)
	if historyBudget < 0 {
		historyBudget = 0
	}
	var history []models.TrackEvent
	if historyBudget > 0 {
		// Over-fetch by the batch size since the batch events are
		// stripped from the listing.
		recent, err := c.db.Events().ListBySession(ctx, session.ID, historyBudget+len(newEvents))
		if err != nil {
			return nil, err
		}
		inBatch := make(map[string]bool, len(eventIDs))
		for _, id := range eventIDs {
			inBatch[id] = true
		}
		for _, ev := range recent {
			if !inBatch[ev.ID] {
				history = append(history, ev)
			}
		}
		if len(history) > historyBudget {
			history = history[len(history)-historyBudget:]
		}
	}

	prevEvals, err := c.db.Evaluations().ListRecent(ctx, session.ID, maxPreviousEvaluations)
	if err != nil {
		return nil, err
	}
	prevInterventions, err := c.db.Interventions().ListBySession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if len(prevInterventions) > maxPreviousInterventions {
		prevInterventions = prevInterventions[:maxPreviousInterventions]
	}

	return &llm.EvaluationContext{
		Session:               session,
		EventHistory:          history,
		NewEvents:             newEvents,
		PreviousEvaluations:   prevEvals,
		PreviousInterventions: prevInterventions,
	}, nil
}

// deriveSessionContext reduces the evaluation context to the scoring
// inputs. Friction ids start as the deduplicated client-reported ids on the
// new events; the llm path unions in detected ids afterwards.
func deriveSessionContext(ec *llm.EvaluationContext, eventCount int, now time.Time) *mswim.SessionContext {
	session := ec.Session

	sctx := &mswim.SessionContext{
		SessionID:                    session.ID,
		SiteURL:                      session.SiteURL,
		PageType:                     models.PageOther,
		DeviceType:                   session.DeviceType,
		ReferrerType:                 session.ReferrerType,
		IsLoggedIn:                   session.IsLoggedIn,
		IsRepeatVisitor:              session.IsRepeatVisitor,
		CartValue:                    session.CartValue,
		CartItemCount:                session.CartItemCount,
		SessionAgeSec:                session.AgeAt(now),
		EventCount:                   eventCount,
		TotalInterventionsFired:      session.InterventionsFired,
		TotalDismissals:              session.Dismissals,
		TotalConversions:             session.Conversions,
		SecondsSinceLastIntervention: mswim.NeverSince,
		SecondsSinceLastActive:       mswim.NeverSince,
		SecondsSinceLastNudge:        mswim.NeverSince,
		SecondsSinceLastDismissal:    mswim.NeverSince,
	}

	// The last new event's page is authoritative for the batch.
	if n := len(ec.NewEvents); n > 0 {
		last := ec.NewEvents[n-1]
		if last.PageType != "" {
			sctx.PageType = last.PageType
		}
		if idle := int(now.Sub(last.Timestamp).Seconds()); idle > 0 {
			sctx.IdleSec = idle
		}
	}

	sctx.FrictionIDs = dedupeFrictions(ec.NewEvents)

	for _, ev := range ec.EventHistory {
		if ev.EventType == "widget_open" {
			sctx.WidgetOpenedVoluntarily = true
			break
		}
	}
	if !sctx.WidgetOpenedVoluntarily {
		for _, ev := range ec.NewEvents {
			if ev.EventType == "widget_open" {
				sctx.WidgetOpenedVoluntarily = true
				break
			}
		}
	}

	applyInterventionHistory(sctx, ec.PreviousInterventions, now)
	return sctx
}

// applyInterventionHistory folds prior interventions (newest first) into
// the gate inputs.
func applyInterventionHistory(sctx *mswim.SessionContext, interventions []models.Intervention, now time.Time) {
	seen := make(map[string]bool)
	for _, iv := range interventions {
		switch iv.Type {
		case models.InterventionActive:
			sctx.TotalActive++
			sctx.TotalNonPassive++
			setSince(&sctx.SecondsSinceLastActive, now, iv.Timestamp)
		case models.InterventionNudge:
			sctx.TotalNudges++
			sctx.TotalNonPassive++
			setSince(&sctx.SecondsSinceLastNudge, now, iv.Timestamp)
		case models.InterventionEscalate:
			sctx.TotalNonPassive++
		}

		setSince(&sctx.SecondsSinceLastIntervention, now, iv.Timestamp)
		if iv.DismissedAt != nil {
			setSince(&sctx.SecondsSinceLastDismissal, now, *iv.DismissedAt)
		}
		if iv.FrictionID != "" && !seen[iv.FrictionID] {
			seen[iv.FrictionID] = true
			sctx.FrictionIDsAlreadyIntervened = append(sctx.FrictionIDsAlreadyIntervened, iv.FrictionID)
		}
	}
}

// setSince keeps the smallest (most recent) elapsed span.
func setSince(dst *int, now, at time.Time) {
	elapsed := int(now.Sub(at).Seconds())
	if elapsed < 0 {
		elapsed = 0
	}
	if *dst == mswim.NeverSince || elapsed < *dst {
		*dst = elapsed
	}
}

// dedupeFrictions collects client-reported friction ids in first-seen
// order.
func dedupeFrictions(events []models.TrackEvent) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, ev := range events {
		if ev.FrictionID != "" && !seen[ev.FrictionID] {
			seen[ev.FrictionID] = true
			ids = append(ids, ev.FrictionID)
		}
	}
	return ids
}

// unionFrictions merges detected ids into the client-reported set,
// preserving order and uniqueness.
func unionFrictions(client, detected []string) []string {
	seen := make(map[string]bool, len(client))
	out := make([]string, 0, len(client)+len(detected))
	for _, id := range client {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range detected {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
