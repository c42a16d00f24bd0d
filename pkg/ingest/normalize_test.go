package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/engagekit/engage/pkg/models"
)

var testNow = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

func TestNormalizeSnakeCaseWithPageContext(t *testing.T) {
	n := NormalizeEvent([]byte(`{
		"event_id": "ev-1",
		"category": "checkout",
		"event_type": "checkout_step",
		"friction_id": "F112",
		"page_context": {
			"page_type": "checkout",
			"page_url": "https://shop.example.com/checkout",
			"time_on_page_ms": 45000,
			"scroll_depth_pct": 80
		},
		"raw_signals": {"step": 2},
		"timestamp": 1754042400000
	}`), testNow)

	assert.Equal(t, "ev-1", n.EventID)
	assert.Equal(t, models.CategoryCheckout, n.Category)
	assert.Equal(t, "checkout_step", n.EventType)
	assert.Equal(t, "F112", n.FrictionID)
	assert.Equal(t, models.PageCheckout, n.PageType)
	assert.Equal(t, "https://shop.example.com/checkout", n.PageURL)
	assert.Equal(t, int64(45000), n.TimeOnPageMs)
	assert.Equal(t, 80, n.ScrollDepthPct)
	assert.JSONEq(t, `{"step": 2}`, n.RawSignals)
	assert.Equal(t, time.UnixMilli(1754042400000).UTC(), n.Timestamp)
}

func TestNormalizeCamelCaseRootFields(t *testing.T) {
	n := NormalizeEvent([]byte(`{
		"eventId": "ev-2",
		"category": "cart",
		"eventType": "cart_update",
		"frictionId": "F053",
		"pageType": "cart",
		"pageUrl": "https://shop.example.com/cart",
		"timeOnPageMs": 1200,
		"rawSignals": "{\"cart_value\": 99.5}"
	}`), testNow)

	assert.Equal(t, "ev-2", n.EventID)
	assert.Equal(t, models.CategoryCart, n.Category)
	assert.Equal(t, "cart_update", n.EventType)
	assert.Equal(t, models.PageCart, n.PageType)
	assert.Equal(t, int64(1200), n.TimeOnPageMs)
	assert.Equal(t, `{"cart_value": 99.5}`, n.RawSignals)
	assert.Equal(t, testNow, n.Timestamp, "missing timestamp uses receipt time")
}

func TestNormalizePageContextWinsOverRoot(t *testing.T) {
	n := NormalizeEvent([]byte(`{
		"page_type": "other",
		"page_context": {"page_type": "pdp", "page_url": "https://s/p/1"}
	}`), testNow)
	assert.Equal(t, models.PagePDP, n.PageType)
	assert.Equal(t, "https://s/p/1", n.PageURL)
}

func TestNormalizeMissingFieldsDefault(t *testing.T) {
	n := NormalizeEvent([]byte(`{}`), testNow)
	assert.Equal(t, models.CategoryUnknown, n.Category)
	assert.Equal(t, "unknown", n.EventType)
	assert.Equal(t, models.PageOther, n.PageType)
	assert.Empty(t, n.PageURL)
	assert.Equal(t, testNow, n.Timestamp)

	n = NormalizeEvent([]byte(`not even json`), testNow)
	assert.Equal(t, models.CategoryUnknown, n.Category)
}

func TestNormalizeRFC3339Timestamp(t *testing.T) {
	n := NormalizeEvent([]byte(`{"timestamp": "2026-08-01T09:30:00Z"}`), testNow)
	assert.Equal(t, time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC), n.Timestamp)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	first := NormalizeEvent([]byte(`{
		"event_id": "ev-1",
		"category": "product",
		"event_type": "product_view",
		"page_context": {"page_type": "pdp", "page_url": "https://s/p/9"},
		"timestamp": 1754042400000
	}`), testNow)

	// Re-encode the normalized form with canonical keys and normalize again.
	renormalized := NormalizeEvent([]byte(`{
		"event_id": "`+first.EventID+`",
		"category": "`+string(first.Category)+`",
		"event_type": "`+first.EventType+`",
		"page_context": {"page_type": "`+string(first.PageType)+`", "page_url": "`+first.PageURL+`"},
		"timestamp": 1754042400000
	}`), testNow)

	assert.Equal(t, first, renormalized)
}
