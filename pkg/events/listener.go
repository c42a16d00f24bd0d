package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// maxReconnectBackoff caps the LISTEN reconnection backoff.
const maxReconnectBackoff = 30 * time.Second

// Sink receives frames decoded from NOTIFY payloads. *ws.Registry
// satisfies it.
type Sink interface {
	BroadcastToChannel(channel string, v any)
	BroadcastToSession(channel, sessionID string, v any)
}

// NotifyListener holds a dedicated LISTEN connection and feeds received
// frames into the local registry. The receive loop is the sole user of
// the pgx connection.
type NotifyListener struct {
	connString string
	channels   []string
	sink       Sink
	logger     *slog.Logger

	connMu sync.Mutex
	conn   *pgx.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifyListener creates a listener mirroring the given registry
// channels (widget, dashboard) into the sink.
func NewNotifyListener(connString string, channels []string, sink Sink, logger *slog.Logger) *NotifyListener {
	return &NotifyListener{
		connString: connString,
		channels:   channels,
		sink:       sink,
		logger:     logger.With("component", "notify_listener"),
	}
}

// Start establishes the dedicated LISTEN connection, subscribes to the
// channel set, and begins receiving notifications.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	if err := l.listenAll(ctx, conn); err != nil {
		_ = conn.Close(ctx)
		return err
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		l.receiveLoop(loopCtx)
	}()

	l.logger.Info("Notify listener started", "channels", l.channels)
	return nil
}

// Stop signals the receive loop to exit, waits for it, then closes the
// LISTEN connection.
func (l *NotifyListener) Stop(ctx context.Context) {
	if l.cancel != nil {
		l.cancel()
	}
	if l.done != nil {
		<-l.done
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}

func (l *NotifyListener) listenAll(ctx context.Context, conn *pgx.Conn) error {
	for _, ch := range l.channels {
		sanitized := pgx.Identifier{notifyChannel(ch)}.Sanitize()
		if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
			return fmt.Errorf("LISTEN %s failed: %w", sanitized, err)
		}
	}
	return nil
}

// receiveLoop waits for notifications and dispatches them, reconnecting
// with backoff when the connection drops.
func (l *NotifyListener) receiveLoop(ctx context.Context) {
	for {
		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			if !l.reconnect(ctx) {
				return
			}
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("Notify receive error", "error", err)
			l.connMu.Lock()
			_ = l.conn.Close(ctx)
			l.conn = nil
			l.connMu.Unlock()
			continue
		}

		l.dispatch(notification.Channel, []byte(notification.Payload))
	}
}

// dispatch routes one NOTIFY payload into the sink. Malformed payloads
// and channels outside our namespace are dropped with a log.
func (l *NotifyListener) dispatch(channel string, payload []byte) {
	wsChannel, ok := strings.CutPrefix(channel, notifyPrefix)
	if !ok {
		l.logger.Debug("Ignoring notification outside namespace", "channel", channel)
		return
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		l.logger.Warn("Dropping malformed notify payload", "channel", channel, "error", err)
		return
	}
	if env.SessionID != "" {
		l.sink.BroadcastToSession(wsChannel, env.SessionID, env.Frame)
		return
	}
	l.sink.BroadcastToChannel(wsChannel, env.Frame)
}

// reconnect re-establishes the LISTEN connection with exponential
// backoff, re-subscribing to the channel set. Returns false when the
// context ends first.
func (l *NotifyListener) reconnect(ctx context.Context) bool {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err == nil {
			if err = l.listenAll(ctx, conn); err != nil {
				_ = conn.Close(ctx)
			}
		}
		if err != nil {
			l.logger.Error("Listen reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, maxReconnectBackoff)
			continue
		}

		l.connMu.Lock()
		l.conn = conn
		l.connMu.Unlock()
		l.logger.Info("Notify listener reconnected")
		return true
	}
}
