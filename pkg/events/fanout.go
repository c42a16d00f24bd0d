package events

import (
	"context"
	"log/slog"
)

// Publisher pushes a frame onto the cross-pod notify channel.
type Publisher interface {
	Publish(ctx context.Context, channel, sessionID string, frame any) error
}

// Fanout is the broadcast seam the pipeline writes to. With a publisher
// attached, frames ride NOTIFY and come back through every pod's
// listener, this one included. Without one (single pod, or the listener
// failed to start), frames go straight to the local registry. Publish
// failures fall back to local delivery so the producing pod's clients
// never miss a frame.
type Fanout struct {
	local  Sink
	pub    Publisher
	logger *slog.Logger
}

// NewFanout wraps the local registry. pub may be nil for local-only
// delivery.
func NewFanout(local Sink, pub Publisher, logger *slog.Logger) *Fanout {
	return &Fanout{local: local, pub: pub, logger: logger.With("component", "broadcast_fanout")}
}

// BroadcastToChannel delivers a frame to every client on the channel,
// across pods when cross-pod mode is on.
func (f *Fanout) BroadcastToChannel(channel string, v any) {
	if f.pub != nil {
		err := f.pub.Publish(context.Background(), channel, "", v)
		if err == nil {
			return
		}
		f.logger.Warn("Cross-pod publish failed, delivering locally", "channel", channel, "error", err)
	}
	f.local.BroadcastToChannel(channel, v)
}

// BroadcastToSession delivers a frame to the session's clients on the
// channel, across pods when cross-pod mode is on.
func (f *Fanout) BroadcastToSession(channel, sessionID string, v any) {
	if f.pub != nil {
		err := f.pub.Publish(context.Background(), channel, sessionID, v)
		if err == nil {
			return
		}
		f.logger.Warn("Cross-pod publish failed, delivering locally",
			"channel", channel, "session_id", sessionID, "error", err)
	}
	f.local.BroadcastToSession(channel, sessionID, v)
}
