// Package events is the cross-pod broadcast layer: frames destined for
// connected clients are published through Postgres NOTIFY so every pod's
// registry delivers them, not just the pod that produced the frame.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyPrefix namespaces our NOTIFY channels in a shared database.
const notifyPrefix = "engage_"

// maxNotifyPayload stays under PostgreSQL's 8000-byte NOTIFY limit.
const maxNotifyPayload = 7900

// ErrPayloadTooLarge means the frame cannot ride a NOTIFY and must be
// delivered locally only.
var ErrPayloadTooLarge = fmt.Errorf("frame exceeds notify payload limit")

// envelope is the NOTIFY payload: the frame plus its session routing.
// An empty session id means channel-wide delivery.
type envelope struct {
	SessionID string          `json:"session_id,omitempty"`
	Frame     json.RawMessage `json:"frame"`
}

// notifyChannel maps a registry channel (widget, dashboard) to its NOTIFY
// channel name.
func notifyChannel(wsChannel string) string {
	return notifyPrefix + wsChannel
}

// encodeEnvelope marshals a frame into a NOTIFY payload, enforcing the
// size limit.
func encodeEnvelope(sessionID string, frame any) (string, error) {
	frameJSON, err := json.Marshal(frame)
	if err != nil {
		return "", fmt.Errorf("failed to marshal frame: %w", err)
	}
	payload, err := json.Marshal(envelope{SessionID: sessionID, Frame: frameJSON})
	if err != nil {
		return "", fmt.Errorf("failed to marshal notify envelope: %w", err)
	}
	if len(payload) > maxNotifyPayload {
		return "", ErrPayloadTooLarge
	}
	return string(payload), nil
}

// NotifyPublisher publishes frames via pg_notify on the shared pool.
type NotifyPublisher struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewNotifyPublisher creates a publisher over the application pool.
func NewNotifyPublisher(pool *pgxpool.Pool, logger *slog.Logger) *NotifyPublisher {
	return &NotifyPublisher{pool: pool, logger: logger.With("component", "notify_publisher")}
}

// Publish sends one frame to the channel's NOTIFY listeners. An empty
// sessionID broadcasts channel-wide; otherwise listeners deliver only to
// that session's clients.
func (p *NotifyPublisher) Publish(ctx context.Context, channel, sessionID string, frame any) error {
	payload, err := encodeEnvelope(sessionID, frame)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel(channel), payload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}
