package ingest

import (
	"encoding/json"
	"time"

	"github.com/engagekit/engage/pkg/models"
)

// rawEvent tolerates both camelCase and snake_case field names and nested
// page_context shapes. Widgets in the field emit every combination.
type rawEvent map[string]json.RawMessage

// NormalizedEvent is a TrackEvent before persistence identifiers are
// assigned. Normalization is idempotent: normalizing an already-normalized
// event yields the same result.
type NormalizedEvent struct {
	EventID        string
	Category       models.EventCategory
	EventType      string
	FrictionID     string
	PageType       models.PageType
	PageURL        string
	TimeOnPageMs   int64
	ScrollDepthPct int
	RawSignals     string
	Timestamp      time.Time
}

// NormalizeEvent decodes a raw track-frame event body into canonical form.
// Missing required fields fall back to unknown/other defaults rather than
// rejecting the frame.
func NormalizeEvent(data []byte, now time.Time) NormalizedEvent {
	var raw rawEvent
	_ = json.Unmarshal(data, &raw)

	pageCtx := subObject(raw, "page_context", "pageContext")

	n := NormalizedEvent{
		EventID:        stringField(raw, "event_id", "eventId", "id"),
		Category:       models.EventCategory(stringField(raw, "category")),
		EventType:      stringField(raw, "event_type", "eventType"),
		FrictionID:     stringField(raw, "friction_id", "frictionId"),
		PageType:       models.PageType(firstString(pageCtx, raw, "page_type", "pageType")),
		PageURL:        firstString(pageCtx, raw, "page_url", "pageUrl"),
		TimeOnPageMs:   firstInt(pageCtx, raw, "time_on_page_ms", "timeOnPageMs"),
		ScrollDepthPct: int(firstInt(pageCtx, raw, "scroll_depth_pct", "scrollDepthPct")),
		RawSignals:     rawSignalsField(raw),
		Timestamp:      timestampField(raw, now),
	}

	if n.Category == "" {
		n.Category = models.CategoryUnknown
	}
	if n.EventType == "" {
		n.EventType = "unknown"
	}
	if n.PageType == "" {
		n.PageType = models.PageOther
	}
	return n
}

func subObject(raw rawEvent, keys ...string) rawEvent {
	for _, key := range keys {
		if data, ok := raw[key]; ok {
			var sub rawEvent
			if json.Unmarshal(data, &sub) == nil {
				return sub
			}
		}
	}
	return nil
}

func stringField(raw rawEvent, keys ...string) string {
	for _, key := range keys {
		if data, ok := raw[key]; ok {
			var s string
			if json.Unmarshal(data, &s) == nil && s != "" {
				return s
			}
		}
	}
	return ""
}

func intField(raw rawEvent, keys ...string) int64 {
	for _, key := range keys {
		if data, ok := raw[key]; ok {
			var n int64
			if json.Unmarshal(data, &n) == nil {
				return n
			}
			// Some widgets send numerics as strings.
			var f float64
			if json.Unmarshal(data, &f) == nil {
				return int64(f)
			}
		}
	}
	return 0
}

// firstString prefers the page_context value, falling back to the event
// root.
func firstString(pageCtx, root rawEvent, keys ...string) string {
	if s := stringField(pageCtx, keys...); s != "" {
		return s
	}
	return stringField(root, keys...)
}

func firstInt(pageCtx, root rawEvent, keys ...string) int64 {
	if n := intField(pageCtx, keys...); n != 0 {
		return n
	}
	return intField(root, keys...)
}

// rawSignalsField keeps raw signals as a JSON string whether the widget
// sent an object or a pre-encoded string.
func rawSignalsField(raw rawEvent) string {
	data, ok := raw["raw_signals"]
	if !ok {
		data, ok = raw["rawSignals"]
	}
	if !ok || len(data) == 0 || string(data) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(data, &s) == nil {
		return s
	}
	return string(data)
}

// timestampField accepts epoch milliseconds or RFC3339; anything else uses
// receipt time.
func timestampField(raw rawEvent, now time.Time) time.Time {
	data, ok := raw["timestamp"]
	if !ok {
		return now
	}
	var ms int64
	if json.Unmarshal(data, &ms) == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	var s string
	if json.Unmarshal(data, &s) == nil {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts
		}
	}
	return now
}
