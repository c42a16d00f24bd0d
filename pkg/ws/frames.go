package ws

import "encoding/json"

// Channel names a client can attach to.
const (
	ChannelWidget    = "widget"
	ChannelDashboard = "dashboard"
)

// Inbound frame types, by channel.
const (
	FrameTrack               = "track"
	FrameInterventionOutcome = "intervention_outcome"
	FramePing                = "ping"
	FrameSelectSession       = "select_session"
	FrameTuneWeights         = "tune_weights"
)

// Outbound frame types.
const (
	FrameConnected       = "connected"
	FramePong            = "pong"
	FrameTrackAck        = "track_ack"
	FrameValidationError = "validation_error"
	FrameIntervention    = "intervention"
	FrameTrackEvent      = "track_event"
	FrameEvaluation      = "evaluation"
)

// allowedFrames is the per-channel inbound schema whitelist.
var allowedFrames = map[string]map[string]bool{
	ChannelWidget: {
		FrameTrack:               true,
		FrameInterventionOutcome: true,
		FramePing:                true,
	},
	ChannelDashboard: {
		FrameSelectSession: true,
		FrameTuneWeights:   true,
		FramePing:          true,
	},
}

// FrameAllowed reports whether a frame type is valid on a channel.
func FrameAllowed(channel, frameType string) bool {
	return allowedFrames[channel][frameType]
}

// ValidChannel reports whether the connection channel is recognized.
func ValidChannel(channel string) bool {
	return channel == ChannelWidget || channel == ChannelDashboard
}

// Envelope is the minimal shape every inbound frame must have.
type Envelope struct {
	Type string `json:"type"`
}

// TrackFrame is the widget's behavioral event frame. The event body stays
// raw: the ingestor owns its normalization.
type TrackFrame struct {
	Type            string          `json:"type"`
	VisitorKey      string          `json:"visitorKey"`
	SessionKey      string          `json:"sessionKey,omitempty"`
	SiteURL         string          `json:"siteUrl"`
	DeviceType      string          `json:"deviceType"`
	ReferrerType    string          `json:"referrerType"`
	VisitorID       string          `json:"visitorId,omitempty"`
	IsLoggedIn      bool            `json:"isLoggedIn"`
	IsRepeatVisitor bool            `json:"isRepeatVisitor"`
	Event           json.RawMessage `json:"event"`
}

// OutcomeFrame reports a widget-side intervention outcome.
type OutcomeFrame struct {
	Type             string `json:"type"`
	InterventionID   string `json:"intervention_id"`
	Status           string `json:"status"`
	ConversionAction string `json:"conversion_action,omitempty"`
	Timestamp        int64  `json:"timestamp,omitempty"`
}

// TuneWeightsFrame is the dashboard's live weight adjustment.
type TuneWeightsFrame struct {
	Type     string             `json:"type"`
	ConfigID string             `json:"config_id"`
	Weights  map[string]float64 `json:"weights"`
}

// SelectSessionFrame focuses the dashboard on one session.
type SelectSessionFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ConnectedFrame acknowledges a successful attach.
type ConnectedFrame struct {
	Type      string `json:"type"`
	Channel   string `json:"channel"`
	SessionID string `json:"sessionId,omitempty"`
}

// TrackAckFrame acknowledges one ingested track event.
type TrackAckFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	EventID   string `json:"eventId"`
}

// ValidationErrorFrame reports a schema-invalid frame to its sender.
type ValidationErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// PongFrame answers a ping.
type PongFrame struct {
	Type string `json:"type"`
}
