// Package ingest turns inbound track frames into persisted canonical
// events: session resolution, normalization, analytics side-effects, and
// hand-off to the batcher.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/engagekit/engage/pkg/batch"
	"github.com/engagekit/engage/pkg/clock"
	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/sessions"
	"github.com/engagekit/engage/pkg/store"
	"github.com/engagekit/engage/pkg/ws"
)

// maxRawSignalsBytes caps the persisted raw signal payload per event.
const maxRawSignalsBytes = 64 * 1024

// Broadcaster is the dashboard fan-out the ingestor publishes to.
type Broadcaster interface {
	BroadcastToChannel(channel string, v any)
}

// Ingestor processes one track frame end to end.
type Ingestor struct {
	sessions    *sessions.Service
	store       store.Store
	batcher     *batch.Batcher
	broadcaster Broadcaster
	clock       clock.Clock
	logger      *slog.Logger
}

// NewIngestor wires the ingest pipeline.
func NewIngestor(svc *sessions.Service, db store.Store, batcher *batch.Batcher, broadcaster Broadcaster, clk clock.Clock, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		sessions:    svc,
		store:       db,
		batcher:     batcher,
		broadcaster: broadcaster,
		clock:       clk,
		logger:      logger.With("component", "ingestor"),
	}
}

// Ingest resolves the session, persists the normalized event, applies
// analytics side-effects, buffers the event for evaluation, and returns the
// ack pair. Analytics failures never fail the ingest.
func (i *Ingestor) Ingest(ctx context.Context, frame *ws.TrackFrame) (sessionID, eventID string, err error) {
	session, err := i.sessions.GetOrCreate(ctx, frame.VisitorKey, sessions.Meta{
		VisitorID:       frame.VisitorID,
		SiteURL:         frame.SiteURL,
		DeviceType:      models.DeviceType(frame.DeviceType),
		ReferrerType:    models.ReferrerType(frame.ReferrerType),
		IsLoggedIn:      frame.IsLoggedIn,
		IsRepeatVisitor: frame.IsRepeatVisitor,
	})
	if err != nil {
		return "", "", err
	}

	normalized := NormalizeEvent(frame.Event, i.clock.Now())
	if len(normalized.RawSignals) > maxRawSignalsBytes {
		i.logger.Warn("Raw signals truncated",
			"session_id", session.ID, "bytes", len(normalized.RawSignals))
		normalized.RawSignals = normalized.RawSignals[:maxRawSignalsBytes]
	}
	event := &models.TrackEvent{
		ID:             uuid.New().String(),
		SessionID:      session.ID,
		SiteURL:        frame.SiteURL,
		Timestamp:      normalized.Timestamp,
		Category:       normalized.Category,
		EventType:      normalized.EventType,
		FrictionID:     normalized.FrictionID,
		PageType:       normalized.PageType,
		PageURL:        normalized.PageURL,
		RawSignals:     normalized.RawSignals,
		TimeOnPageMs:   normalized.TimeOnPageMs,
		ScrollDepthPct: normalized.ScrollDepthPct,
	}
	if err := i.store.Events().Create(ctx, event); err != nil {
		return "", "", err
	}

	i.applyAnalytics(ctx, session, event)

	if event.Category == models.CategoryCart {
		i.applyCartSignals(ctx, session.ID, event.RawSignals)
	}

	i.broadcaster.BroadcastToChannel(ws.ChannelDashboard, map[string]any{
		"type":  ws.FrameTrackEvent,
		"event": event,
	})

	i.batcher.Add(session.ID, event.ID)
	return session.ID, event.ID, nil
}

// applyAnalytics runs the best-effort page accounting. Failures log only.
func (i *Ingestor) applyAnalytics(ctx context.Context, session *models.Session, event *models.TrackEvent) {
	switch event.EventType {
	case "page_view":
		if err := i.store.Sessions().Increment(ctx, session.ID, store.CounterPageViews, 1); err != nil {
			i.logger.Warn("Page view increment failed", "session_id", session.ID, "error", err)
		}
		if session.EntryPage == "" && event.PageURL != "" {
			source, medium, campaign := extractUTM(event.PageURL)
			if err := i.store.Sessions().RecordEntry(ctx, session.ID, event.PageURL, source, medium, campaign); err != nil {
				i.logger.Warn("Entry page record failed", "session_id", session.ID, "error", err)
			}
		}
	case "page_unload":
		if err := i.store.Sessions().RecordExit(ctx, session.ID, event.PageURL, event.TimeOnPageMs); err != nil {
			i.logger.Warn("Exit page record failed", "session_id", session.ID, "error", err)
		}
	}
}

// cartSignals is the shape widgets report cart state in, both key styles.
type cartSignals struct {
	CartValue  *float64 `json:"cart_value"`
	CartValueC *float64 `json:"cartValue"`
	ItemCount  *int     `json:"item_count"`
	ItemCountC *int     `json:"itemCount"`
	CartItems  *int     `json:"cart_item_count"`
}

// applyCartSignals parses raw signals on cart events and updates the
// session's cart snapshot. Unparseable signals are ignored.
func (i *Ingestor) applyCartSignals(ctx context.Context, sessionID, rawSignals string) {
	if strings.TrimSpace(rawSignals) == "" {
		return
	}
	var cs cartSignals
	if err := json.Unmarshal([]byte(rawSignals), &cs); err != nil {
		i.logger.Debug("Cart signals unparseable", "session_id", sessionID, "error", err)
		return
	}

	value := coalesceFloat(cs.CartValue, cs.CartValueC)
	count := coalesceInt(cs.ItemCount, cs.ItemCountC, cs.CartItems)
	if value == nil && count == nil {
		return
	}

	session, err := i.store.Sessions().Get(ctx, sessionID)
	if err != nil {
		i.logger.Warn("Cart update session lookup failed", "session_id", sessionID, "error", err)
		return
	}
	newValue := session.CartValue
	newCount := session.CartItemCount
	if value != nil {
		newValue = *value
	}
	if count != nil {
		newCount = *count
	}
	if err := i.store.Sessions().UpdateCart(ctx, sessionID, newValue, newCount); err != nil {
		i.logger.Warn("Cart update failed", "session_id", sessionID, "error", err)
	}
}

func coalesceFloat(vs ...*float64) *float64 {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}

func coalesceInt(vs ...*int) *int {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}

// extractUTM pulls utm_source/medium/campaign from a page URL.
func extractUTM(pageURL string) (source, medium, campaign string) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", "", ""
	}
	q := u.Query()
	return q.Get("utm_source"), q.Get("utm_medium"), q.Get("utm_campaign")
}
