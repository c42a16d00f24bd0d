package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engagekit/engage/pkg/batch"
	"github.com/engagekit/engage/pkg/clock"
	"github.com/engagekit/engage/pkg/ingest"
	"github.com/engagekit/engage/pkg/intervention"
	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store/memory"
	"github.com/engagekit/engage/pkg/training"
	"github.com/engagekit/engage/pkg/ws"
)

// newWSTestServer builds a server with the full frame path wired: real
// registry, ingestor, intervention writer, and snapshotter over the
// in-memory store.
func newWSTestServer(t *testing.T) (*Server, *memory.Store, *httptest.Server) {
	t.Helper()
	s, db := newTestServer(t)
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	batcher := batch.New(time.Hour, 1000, func(string, []string) {}, slog.Default())
	t.Cleanup(batcher.Close)

	snapshots := training.NewSnapshotter(db, clk, slog.Default())
	dispatcher := intervention.NewDispatcher(db, s.registry, snapshots, clk, slog.Default())
	ingestor := ingest.NewIngestor(s.sessions, db, batcher, s.registry, clk, slog.Default())
	s.registry.SetHandler(NewFrameRouter(ingestor, dispatcher, s.registry, db.ScoringConfigs(), slog.Default()))

	server := httptest.NewServer(s.echo)
	t.Cleanup(server.Close)
	return s, db, server
}

func dialWS(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):] + "/ws?" + query
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readWSFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeWSFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestTrackFrameIngestsAndAcks(t *testing.T) {
	_, db, server := newWSTestServer(t)

	conn := dialWS(t, server, "channel=widget")
	connected := readWSFrame(t, conn)
	assert.Equal(t, ws.FrameConnected, connected["type"])

	writeWSFrame(t, conn, map[string]any{
		"type":         "track",
		"visitorKey":   "visitor-1",
		"siteUrl":      "https://shop.example.com",
		"deviceType":   "desktop",
		"referrerType": "direct",
		"event": map[string]any{
			"eventType": "page_view",
			"category":  "navigation",
			"pageUrl":   "https://shop.example.com/c/shoes",
			"pageType":  "category",
		},
	})

	ack := readWSFrame(t, conn)
	require.Equal(t, ws.FrameTrackAck, ack["type"])
	sessionID, _ := ack["sessionId"].(string)
	require.NotEmpty(t, sessionID)
	require.NotEmpty(t, ack["eventId"])

	session, err := db.Sessions().Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com", session.SiteURL)

	events, err := db.Events().ListBySession(context.Background(), sessionID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "page_view", events[0].EventType)
}

func TestOutcomeFrameAdvancesLifecycle(t *testing.T) {
	_, db, server := newWSTestServer(t)

	session := seedSession(t, db)
	iv := &models.Intervention{
		ID:           uuid.New().String(),
		SessionID:    session.ID,
		EvaluationID: uuid.New().String(),
		Type:         models.InterventionNudge,
		ActionCode:   "SHOW_NUDGE",
		TierAtFire:   models.TierNudge,
		Status:       models.StatusSent,
		Timestamp:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.Interventions().Create(context.Background(), iv))

	conn := dialWS(t, server, "channel=widget&sessionId="+session.ID)
	readWSFrame(t, conn) // connected

	writeWSFrame(t, conn, map[string]any{
		"type":            "intervention_outcome",
		"intervention_id": iv.ID,
		"status":          "delivered",
	})

	require.Eventually(t, func() bool {
		stored, err := db.Interventions().Get(context.Background(), iv.ID)
		return err == nil && stored.Status == models.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOutcomeFrameRejectsBadStatus(t *testing.T) {
	_, _, server := newWSTestServer(t)

	conn := dialWS(t, server, "channel=widget")
	readWSFrame(t, conn) // connected

	writeWSFrame(t, conn, map[string]any{
		"type":            "intervention_outcome",
		"intervention_id": "whatever",
		"status":          "sent",
	})

	frame := readWSFrame(t, conn)
	assert.Equal(t, ws.FrameValidationError, frame["type"])
}

func TestOutcomeFrameUnknownIntervention(t *testing.T) {
	_, _, server := newWSTestServer(t)

	conn := dialWS(t, server, "channel=widget")
	readWSFrame(t, conn) // connected

	writeWSFrame(t, conn, map[string]any{
		"type":            "intervention_outcome",
		"intervention_id": "missing",
		"status":          "dismissed",
	})

	frame := readWSFrame(t, conn)
	assert.Equal(t, ws.FrameValidationError, frame["type"])
}

func TestDashboardSelectSession(t *testing.T) {
	_, _, server := newWSTestServer(t)

	conn := dialWS(t, server, "channel=dashboard")
	readWSFrame(t, conn) // connected

	writeWSFrame(t, conn, map[string]any{
		"type":       "select_session",
		"session_id": "session-42",
	})

	frame := readWSFrame(t, conn)
	assert.Equal(t, ws.FrameConnected, frame["type"])
	assert.Equal(t, "session-42", frame["sessionId"])
}

func TestDashboardTuneWeights(t *testing.T) {
	s, db, server := newWSTestServer(t)

	cfg := createConfig(t, s, validConfigBody)

	conn := dialWS(t, server, "channel=dashboard")
	readWSFrame(t, conn) // connected

	writeWSFrame(t, conn, map[string]any{
		"type":      "tune_weights",
		"config_id": cfg.ID,
		"weights": map[string]float64{
			"intent":      0.4,
			"friction":    0.2,
			"clarity":     0.1,
			"receptivity": 0.2,
			"value":       0.1,
		},
	})

	require.Eventually(t, func() bool {
		stored, err := db.ScoringConfigs().Get(context.Background(), cfg.ID)
		return err == nil && stored.Weights.Intent == 0.4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDashboardTuneWeightsRejectsBadSum(t *testing.T) {
	s, _, server := newWSTestServer(t)

	cfg := createConfig(t, s, validConfigBody)

	conn := dialWS(t, server, "channel=dashboard")
	readWSFrame(t, conn) // connected

	writeWSFrame(t, conn, map[string]any{
		"type":      "tune_weights",
		"config_id": cfg.ID,
		"weights":   map[string]float64{"intent": 0.9, "friction": 0.9},
	})

	frame := readWSFrame(t, conn)
	assert.Equal(t, ws.FrameValidationError, frame["type"])
	assert.Contains(t, frame["error"], "sum to 1.0")
}
