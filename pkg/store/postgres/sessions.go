package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store"
)

// ─── sessions ───

type sessionStore Store

const sessionColumns = `id, visitor_id, site_url, device_type, referrer_type, is_logged_in,
	is_repeat_visitor, cart_value, cart_item_count, interventions_fired, dismissals,
	conversions, page_views, started_at, last_activity_at, ended_at, status,
	entry_page, exit_page, total_time_on_site_ms, utm_source, utm_medium, utm_campaign`

func (s *sessionStore) Create(ctx context.Context, sess *models.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23)`,
		sess.ID, sess.VisitorID, sess.SiteURL, sess.DeviceType, sess.ReferrerType,
		sess.IsLoggedIn, sess.IsRepeatVisitor, sess.CartValue, sess.CartItemCount,
		sess.InterventionsFired, sess.Dismissals, sess.Conversions, sess.PageViews,
		sess.StartedAt, sess.LastActivityAt, sess.EndedAt, sess.Status,
		sess.EntryPage, sess.ExitPage, sess.TotalTimeOnSiteMs,
		sess.UTMSource, sess.UTMMedium, sess.UTMCampaign,
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *sessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	err := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id,
	).Scan(
		&sess.ID, &sess.VisitorID, &sess.SiteURL, &sess.DeviceType, &sess.ReferrerType,
		&sess.IsLoggedIn, &sess.IsRepeatVisitor, &sess.CartValue, &sess.CartItemCount,
		&sess.InterventionsFired, &sess.Dismissals, &sess.Conversions, &sess.PageViews,
		&sess.StartedAt, &sess.LastActivityAt, &sess.EndedAt, &sess.Status,
		&sess.EntryPage, &sess.ExitPage, &sess.TotalTimeOnSiteMs,
		&sess.UTMSource, &sess.UTMMedium, &sess.UTMCampaign,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &sess, nil
}

func (s *sessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET last_activity_at = $2, status = $3
		WHERE id = $1 AND status <> $4`,
		id, at, models.SessionActive, models.SessionEnded,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.requireExists(ctx, id)
	}
	return nil
}

func (s *sessionStore) Increment(ctx context.Context, id string, c store.Counter, delta int) error {
	var column string
	switch c {
	case store.CounterInterventionsFired:
		column = "interventions_fired"
	case store.CounterDismissals:
		column = "dismissals"
	case store.CounterConversions:
		column = "conversions"
	case store.CounterPageViews:
		column = "page_views"
	default:
		return store.NewValidationError("counter", "unknown counter "+string(c))
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf("UPDATE sessions SET %s = %s + $2 WHERE id = $1", column, column),
		id, delta,
	)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *sessionStore) UpdateCart(ctx context.Context, id string, value float64, itemCount int) error {
	if itemCount < 0 {
		return store.NewValidationError("cart.item_count", "must be non-negative")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET cart_value = $2, cart_item_count = $3 WHERE id = $1`,
		id, value, itemCount,
	)
	if err != nil {
		return fmt.Errorf("failed to update cart: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *sessionStore) RecordEntry(ctx context.Context, id, entryPage, utmSource, utmMedium, utmCampaign string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET entry_page = $2, utm_source = $3, utm_medium = $4, utm_campaign = $5
		WHERE id = $1 AND entry_page = ''`,
		id, entryPage, utmSource, utmMedium, utmCampaign,
	)
	if err != nil {
		return fmt.Errorf("failed to record session entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.requireExists(ctx, id)
	}
	return nil
}

func (s *sessionStore) RecordExit(ctx context.Context, id, exitPage string, addTimeMs int64) error {
	if addTimeMs < 0 {
		addTimeMs = 0
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			exit_page = CASE WHEN $2 <> '' THEN $2 ELSE exit_page END,
			total_time_on_site_ms = total_time_on_site_ms + $3
		WHERE id = $1`,
		id, exitPage, addTimeMs,
	)
	if err != nil {
		return fmt.Errorf("failed to record session exit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *sessionStore) End(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET status = $2, ended_at = $3
		WHERE id = $1 AND status <> $2`,
		id, models.SessionEnded, at,
	)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.requireExists(ctx, id)
	}
	return nil
}

func (s *sessionStore) MarkIdleBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET status = $1
		WHERE status = $2 AND last_activity_at < $3`,
		models.SessionIdle, models.SessionActive, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark idle sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *sessionStore) EndIdleBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET status = $1, ended_at = $2
		WHERE status <> $1 AND last_activity_at < $2`,
		models.SessionEnded, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to end idle sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// requireExists maps a zero-row conditional update to either a no-op
// (row exists, guard declined) or ErrNotFound.
func (s *sessionStore) requireExists(ctx context.Context, id string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM sessions WHERE id = $1`, id).Scan(&one)
	return mapNoRows(err)
}

// ─── events ───

type eventStore Store

const eventColumns = `id, session_id, site_url, occurred_at, category, event_type,
	friction_id, page_type, page_url, raw_signals, previous_page_url,
	time_on_page_ms, scroll_depth_pct, sequence_number`

func (s *eventStore) Create(ctx context.Context, ev *models.TrackEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO track_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		ev.ID, ev.SessionID, ev.SiteURL, ev.Timestamp, ev.Category, ev.EventType,
		ev.FrictionID, ev.PageType, ev.PageURL, ev.RawSignals, ev.PreviousPageURL,
		ev.TimeOnPageMs, ev.ScrollDepthPct, ev.SequenceNumber,
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create track event: %w", err)
	}
	return nil
}

func (s *eventStore) GetByIDs(ctx context.Context, ids []string) ([]models.TrackEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM track_events WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load events by id: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.TrackEvent, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}
	out := make([]models.TrackEvent, 0, len(ids))
	for _, id := range ids {
		if ev, ok := byID[id]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *eventStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]models.TrackEvent, error) {
	q := `SELECT ` + eventColumns + ` FROM track_events
		WHERE session_id = $1 ORDER BY sequence_number DESC, occurred_at DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	// Query is newest-first for the LIMIT; callers get chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (s *eventStore) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM track_events WHERE session_id = $1`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count session events: %w", err)
	}
	return n, nil
}

func scanEvents(rows pgx.Rows) ([]models.TrackEvent, error) {
	defer rows.Close()
	var out []models.TrackEvent
	for rows.Next() {
		var ev models.TrackEvent
		if err := rows.Scan(
			&ev.ID, &ev.SessionID, &ev.SiteURL, &ev.Timestamp, &ev.Category, &ev.EventType,
			&ev.FrictionID, &ev.PageType, &ev.PageURL, &ev.RawSignals, &ev.PreviousPageURL,
			&ev.TimeOnPageMs, &ev.ScrollDepthPct, &ev.SequenceNumber,
		); err != nil {
			return nil, fmt.Errorf("failed to scan track event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read track events: %w", err)
	}
	return out, nil
}
