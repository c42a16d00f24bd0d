// Package ws is the full-duplex transport layer: a channel registry over
// WebSocket connections addressed by (channel, sessionId), with per-channel
// frame schemas and best-effort broadcasts.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// DefaultWriteTimeout bounds a single send so one stalled client cannot
// stall a broadcast.
const DefaultWriteTimeout = 5 * time.Second

// Client is one attached WebSocket connection.
type Client struct {
	ID      string
	Channel string

	mu        sync.Mutex
	sessionID string
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
}

// SessionID returns the client's current session binding, if any.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// FrameHandler processes validated inbound frames. Implementations must not
// block indefinitely; the client's read loop waits on them.
type FrameHandler interface {
	HandleTrack(ctx context.Context, client *Client, frame *TrackFrame)
	HandleOutcome(ctx context.Context, client *Client, frame *OutcomeFrame)
	HandleDashboard(ctx context.Context, client *Client, frameType string, raw []byte)
}

// Registry tracks live clients by channel and by (channel, sessionId).
// Sends happen outside the registry lock and never block on a slow client
// beyond the write timeout.
type Registry struct {
	handler      FrameHandler
	writeTimeout time.Duration
	logger       *slog.Logger

	mu       sync.RWMutex
	clients  map[string]*Client            // client ID → client
	channels map[string]map[string]*Client // channel → client ID → client
	sessions map[string]map[string]*Client // channel+"/"+sessionID → client ID → client
}

// NewRegistry creates an empty registry. The handler may be set later via
// SetHandler to break construction cycles.
func NewRegistry(writeTimeout time.Duration, logger *slog.Logger) *Registry {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Registry{
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "ws_registry"),
		clients:      make(map[string]*Client),
		channels:     make(map[string]map[string]*Client),
		sessions:     make(map[string]map[string]*Client),
	}
}

// SetHandler wires the frame handler. Called once during startup.
func (r *Registry) SetHandler(h FrameHandler) { r.handler = h }

// HandleConnection runs the lifecycle of one accepted connection: register,
// ack, read frames until close, unregister. Blocks until the connection
// closes.
func (r *Registry) HandleConnection(parentCtx context.Context, conn *websocket.Conn, channel, sessionID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	client := &Client{
		ID:        uuid.New().String(),
		Channel:   channel,
		sessionID: sessionID,
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
	}

	r.register(client)
	defer r.unregister(client)

	r.Send(client, ConnectedFrame{Type: FrameConnected, Channel: channel, SessionID: sessionID})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		r.dispatch(ctx, client, data)
	}
}

// dispatch validates one inbound frame and routes it. Malformed JSON is
// dropped silently; a recognized-but-disallowed type gets a
// validation_error frame back to the sender only.
func (r *Registry) dispatch(ctx context.Context, client *Client, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Debug("Dropping malformed frame", "client_id", client.ID, "error", err)
		return
	}
	if env.Type == "" || !FrameAllowed(client.Channel, env.Type) {
		r.Send(client, ValidationErrorFrame{
			Type:  FrameValidationError,
			Error: "unsupported frame type for channel " + client.Channel,
		})
		return
	}

	switch env.Type {
	case FramePing:
		r.Send(client, PongFrame{Type: FramePong})

	case FrameTrack:
		var frame TrackFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.VisitorKey == "" || frame.SiteURL == "" {
			r.Send(client, ValidationErrorFrame{Type: FrameValidationError, Error: "track frame requires visitorKey and siteUrl"})
			return
		}
		r.handler.HandleTrack(ctx, client, &frame)

	case FrameInterventionOutcome:
		var frame OutcomeFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.InterventionID == "" || frame.Status == "" {
			r.Send(client, ValidationErrorFrame{Type: FrameValidationError, Error: "intervention_outcome requires intervention_id and status"})
			return
		}
		r.handler.HandleOutcome(ctx, client, &frame)

	default:
		r.handler.HandleDashboard(ctx, client, env.Type, data)
	}
}

// BindSession (re)indexes a client under (channel, sessionId). Widgets often
// connect before their first track resolves a session, so the binding
// arrives late.
func (r *Registry) BindSession(client *Client, sessionID string) {
	client.mu.Lock()
	old := client.sessionID
	client.sessionID = sessionID
	client.mu.Unlock()
	if old == sessionID {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old != "" {
		r.removeFromBucket(r.sessions, sessionKey(client.Channel, old), client.ID)
	}
	r.addToBucket(r.sessions, sessionKey(client.Channel, sessionID), client)
}

// BroadcastToChannel sends to every client on the channel. Failed sends are
// logged and do not affect other clients.
func (r *Registry) BroadcastToChannel(channel string, v any) {
	r.sendAll(r.snapshot(r.channels, channel), v)
}

// BroadcastToSession sends only to clients in the (channel, sessionId)
// bucket.
func (r *Registry) BroadcastToSession(channel, sessionID string, v any) {
	r.sendAll(r.snapshot(r.sessions, sessionKey(channel, sessionID)), v)
}

// ClientCounts reports live client counts per channel.
func (r *Registry) ClientCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int, len(r.channels))
	for channel, bucket := range r.channels {
		counts[channel] = len(bucket)
	}
	return counts
}

// Send marshals and writes one frame to one client, best-effort.
func (r *Registry) Send(client *Client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("Frame marshal failed", "error", err)
		return
	}
	if err := r.write(client, data); err != nil {
		r.logger.Warn("Send failed", "client_id", client.ID, "channel", client.Channel, "error", err)
	}
}

func (r *Registry) write(client *Client, data []byte) error {
	ctx, cancel := context.WithTimeout(client.ctx, r.writeTimeout)
	defer cancel()
	return client.conn.Write(ctx, websocket.MessageText, data)
}

func (r *Registry) sendAll(clients []*Client, v any) {
	if len(clients) == 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("Frame marshal failed", "error", err)
		return
	}
	for _, client := range clients {
		if err := r.write(client, data); err != nil {
			r.logger.Warn("Broadcast send failed", "client_id", client.ID, "channel", client.Channel, "error", err)
		}
	}
}

// snapshot copies a bucket's clients so sends run outside the lock.
func (r *Registry) snapshot(index map[string]map[string]*Client, key string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket := index[key]
	clients := make([]*Client, 0, len(bucket))
	for _, c := range bucket {
		clients = append(clients, c)
	}
	return clients
}

func (r *Registry) register(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ID] = client
	r.addToBucket(r.channels, client.Channel, client)
	if client.sessionID != "" {
		r.addToBucket(r.sessions, sessionKey(client.Channel, client.sessionID), client)
	}
	r.logger.Info("Client attached", "client_id", client.ID, "channel", client.Channel)
}

func (r *Registry) unregister(client *Client) {
	client.cancel()
	sid := client.SessionID() // read before taking r.mu; BindSession locks the other way around
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, client.ID)
	r.removeFromBucket(r.channels, client.Channel, client.ID)
	if sid != "" {
		r.removeFromBucket(r.sessions, sessionKey(client.Channel, sid), client.ID)
	}
	r.logger.Info("Client detached", "client_id", client.ID, "channel", client.Channel)
}

func (r *Registry) addToBucket(index map[string]map[string]*Client, key string, client *Client) {
	if index[key] == nil {
		index[key] = make(map[string]*Client)
	}
	index[key][client.ID] = client
}

func (r *Registry) removeFromBucket(index map[string]map[string]*Client, key, clientID string) {
	if bucket := index[key]; bucket != nil {
		delete(bucket, clientID)
		if len(bucket) == 0 {
			delete(index, key)
		}
	}
}

func sessionKey(channel, sessionID string) string {
	return channel + "/" + sessionID
}
