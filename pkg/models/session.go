package models

import "time"

// Session is the authoritative per-visitor-per-site record. Counters are
// monotonically non-decreasing and mutated only through the session store's
// atomic increment operations.
type Session struct {
	ID              string       `json:"id"`
	VisitorID       string       `json:"visitor_id"`
	SiteURL         string       `json:"site_url"`
	DeviceType      DeviceType   `json:"device_type"`
	ReferrerType    ReferrerType `json:"referrer_type"`
	IsLoggedIn      bool         `json:"is_logged_in"`
	IsRepeatVisitor bool         `json:"is_repeat_visitor"`

	CartValue     float64 `json:"cart_value"`
	CartItemCount int     `json:"cart_item_count"`

	InterventionsFired int `json:"interventions_fired"`
	Dismissals         int `json:"dismissals"`
	Conversions        int `json:"conversions"`
	PageViews          int `json:"page_views"`

	StartedAt      time.Time     `json:"started_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	Status         SessionStatus `json:"status"`

	// Analytics accumulators — best-effort, never block the pipeline.
	EntryPage         string `json:"entry_page,omitempty"`
	ExitPage          string `json:"exit_page,omitempty"`
	TotalTimeOnSiteMs int64  `json:"total_time_on_site_ms"`
	UTMSource         string `json:"utm_source,omitempty"`
	UTMMedium         string `json:"utm_medium,omitempty"`
	UTMCampaign       string `json:"utm_campaign,omitempty"`
}

// AgeAt returns the session age in whole seconds at the given instant.
func (s *Session) AgeAt(now time.Time) int {
	return int(now.Sub(s.StartedAt).Seconds())
}

// TrackEvent is the canonical normalized behavioral event. Immutable after
// creation.
type TrackEvent struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	SiteURL    string        `json:"site_url"`
	Timestamp  time.Time     `json:"timestamp"`
	Category   EventCategory `json:"category"`
	EventType  string        `json:"event_type"`
	FrictionID string        `json:"friction_id,omitempty"`
	PageType   PageType      `json:"page_type"`
	PageURL    string        `json:"page_url"`
	RawSignals string        `json:"raw_signals,omitempty"`

	PreviousPageURL string `json:"previous_page_url,omitempty"`
	TimeOnPageMs    int64  `json:"time_on_page_ms,omitempty"`
	ScrollDepthPct  int    `json:"scroll_depth_pct,omitempty"`
	SequenceNumber  int    `json:"session_sequence_number,omitempty"`
}
