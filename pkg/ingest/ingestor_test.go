package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engagekit/engage/pkg/batch"
	"github.com/engagekit/engage/pkg/clock"
	"github.com/engagekit/engage/pkg/sessions"
	"github.com/engagekit/engage/pkg/store/memory"
	"github.com/engagekit/engage/pkg/ws"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (f *fakeBroadcaster) BroadcastToChannel(_ string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, _ := json.Marshal(v)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	f.frames = append(f.frames, m)
}

type ingestFixture struct {
	ingestor    *Ingestor
	db          *memory.Store
	clk         *clock.Fake
	broadcaster *fakeBroadcaster
	batched     *[]string
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()
	db := memory.New()
	clk := clock.NewFake(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	logger := slog.Default()

	var mu sync.Mutex
	batched := []string{}
	batcher := batch.New(time.Hour, 100, func(_ string, ids []string) {
		mu.Lock()
		defer mu.Unlock()
		batched = append(batched, ids...)
	}, logger)

	broadcaster := &fakeBroadcaster{}
	svc := sessions.NewService(db.Sessions(), clk, logger)
	return &ingestFixture{
		ingestor:    NewIngestor(svc, db, batcher, broadcaster, clk, logger),
		db:          db,
		clk:         clk,
		broadcaster: broadcaster,
		batched:     &batched,
	}
}

func trackFrame(event string) *ws.TrackFrame {
	return &ws.TrackFrame{
		Type:         ws.FrameTrack,
		VisitorKey:   "vk-1",
		SiteURL:      "https://shop.example.com",
		DeviceType:   "desktop",
		ReferrerType: "organic",
		IsLoggedIn:   true,
		Event:        json.RawMessage(event),
	}
}

func TestIngestPersistsEventAndAcks(t *testing.T) {
	f := newIngestFixture(t)

	sessionID, eventID, err := f.ingestor.Ingest(context.Background(), trackFrame(`{
		"event_type": "page_view",
		"category": "navigation",
		"page_context": {"page_type": "landing", "page_url": "https://shop.example.com/?utm_source=mail&utm_medium=email&utm_campaign=aug"}
	}`))
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
	require.NotEmpty(t, eventID)

	events, err := f.db.Events().GetByIDs(context.Background(), []string{eventID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, sessionID, events[0].SessionID)
	assert.Equal(t, "https://shop.example.com", events[0].SiteURL)
	assert.Equal(t, "page_view", events[0].EventType)
}

func TestIngestReusesSessionAcrossEvents(t *testing.T) {
	f := newIngestFixture(t)

	s1, _, err := f.ingestor.Ingest(context.Background(), trackFrame(`{"event_type":"page_view"}`))
	require.NoError(t, err)
	s2, _, err := f.ingestor.Ingest(context.Background(), trackFrame(`{"event_type":"click"}`))
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	count, err := f.db.Events().CountBySession(context.Background(), s1)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestIngestPageViewAnalytics(t *testing.T) {
	f := newIngestFixture(t)

	sessionID, _, err := f.ingestor.Ingest(context.Background(), trackFrame(`{
		"event_type": "page_view",
		"page_context": {"page_url": "https://shop.example.com/landing?utm_source=ads&utm_medium=cpc&utm_campaign=summer"}
	}`))
	require.NoError(t, err)

	session, err := f.db.Sessions().Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, session.PageViews)
	assert.Equal(t, "https://shop.example.com/landing?utm_source=ads&utm_medium=cpc&utm_campaign=summer", session.EntryPage)
	assert.Equal(t, "ads", session.UTMSource)
	assert.Equal(t, "cpc", session.UTMMedium)
	assert.Equal(t, "summer", session.UTMCampaign)

	// Second page view increments but keeps the original entry page.
	_, _, err = f.ingestor.Ingest(context.Background(), trackFrame(`{
		"event_type": "page_view",
		"page_context": {"page_url": "https://shop.example.com/category"}
	}`))
	require.NoError(t, err)

	session, err = f.db.Sessions().Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, session.PageViews)
	assert.Contains(t, session.EntryPage, "/landing")
}

func TestIngestPageUnloadRecordsExit(t *testing.T) {
	f := newIngestFixture(t)

	sessionID, _, err := f.ingestor.Ingest(context.Background(), trackFrame(`{
		"event_type": "page_unload",
		"page_context": {"page_url": "https://shop.example.com/cart", "time_on_page_ms": 30000}
	}`))
	require.NoError(t, err)

	session, err := f.db.Sessions().Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com/cart", session.ExitPage)
	assert.Equal(t, int64(30000), session.TotalTimeOnSiteMs)
}

func TestIngestCartSignalsUpdateSession(t *testing.T) {
	f := newIngestFixture(t)

	sessionID, _, err := f.ingestor.Ingest(context.Background(), trackFrame(`{
		"event_type": "cart_update",
		"category": "cart",
		"raw_signals": {"cart_value": 249.9, "item_count": 3}
	}`))
	require.NoError(t, err)

	session, err := f.db.Sessions().Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.InDelta(t, 249.9, session.CartValue, 0.001)
	assert.Equal(t, 3, session.CartItemCount)

	// Partial update keeps the other field.
	_, _, err = f.ingestor.Ingest(context.Background(), trackFrame(`{
		"event_type": "cart_update",
		"category": "cart",
		"raw_signals": {"itemCount": 4}
	}`))
	require.NoError(t, err)
	session, err = f.db.Sessions().Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.InDelta(t, 249.9, session.CartValue, 0.001)
	assert.Equal(t, 4, session.CartItemCount)
}

func TestIngestUnparseableCartSignalsIgnored(t *testing.T) {
	f := newIngestFixture(t)

	sessionID, _, err := f.ingestor.Ingest(context.Background(), trackFrame(`{
		"event_type": "cart_update",
		"category": "cart",
		"raw_signals": "garbage"
	}`))
	require.NoError(t, err)

	session, err := f.db.Sessions().Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Zero(t, session.CartValue)
}

func TestIngestBuffersAndBroadcasts(t *testing.T) {
	f := newIngestFixture(t)

	_, eventID, err := f.ingestor.Ingest(context.Background(), trackFrame(`{"event_type":"page_view"}`))
	require.NoError(t, err)

	f.broadcaster.mu.Lock()
	require.Len(t, f.broadcaster.frames, 1)
	assert.Equal(t, ws.FrameTrackEvent, f.broadcaster.frames[0]["type"])
	f.broadcaster.mu.Unlock()

	// The event sits in the batcher, not yet flushed.
	assert.NotContains(t, *f.batched, eventID)
}
