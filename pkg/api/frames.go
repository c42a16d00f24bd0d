package api

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/engagekit/engage/pkg/ingest"
	"github.com/engagekit/engage/pkg/intervention"
	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store"
	"github.com/engagekit/engage/pkg/ws"
)

// FrameRouter implements ws.FrameHandler: it connects validated inbound
// frames to the ingest pipeline, the intervention writer, and the scoring
// config store.
type FrameRouter struct {
	ingestor   *ingest.Ingestor
	dispatcher *intervention.Dispatcher
	registry   *ws.Registry
	configs    store.ScoringConfigStore
	logger     *slog.Logger
}

// NewFrameRouter wires the inbound frame paths.
func NewFrameRouter(ingestor *ingest.Ingestor, dispatcher *intervention.Dispatcher, registry *ws.Registry, configs store.ScoringConfigStore, logger *slog.Logger) *FrameRouter {
	return &FrameRouter{
		ingestor:   ingestor,
		dispatcher: dispatcher,
		registry:   registry,
		configs:    configs,
		logger:     logger.With("component", "frame_router"),
	}
}

// HandleTrack ingests one widget track frame and acks it. The session
// binding may arrive here: widgets connect before their first track
// resolves a session.
func (r *FrameRouter) HandleTrack(ctx context.Context, client *ws.Client, frame *ws.TrackFrame) {
	sessionID, eventID, err := r.ingestor.Ingest(ctx, frame)
	if err != nil {
		if store.IsValidationError(err) {
			r.registry.Send(client, ws.ValidationErrorFrame{Type: ws.FrameValidationError, Error: err.Error()})
			return
		}
		r.logger.Error("Track ingest failed", "client_id", client.ID, "error", err)
		return
	}

	r.registry.BindSession(client, sessionID)
	r.registry.Send(client, ws.TrackAckFrame{Type: ws.FrameTrackAck, SessionID: sessionID, EventID: eventID})
}

// outcomeStatuses are the widget-reportable intervention statuses. "sent"
// is writer-internal and not accepted from the wire.
var outcomeStatuses = map[string]models.InterventionStatus{
	"delivered": models.StatusDelivered,
	"dismissed": models.StatusDismissed,
	"converted": models.StatusConverted,
	"ignored":   models.StatusIgnored,
}

// HandleOutcome advances an intervention's lifecycle from a widget report.
func (r *FrameRouter) HandleOutcome(ctx context.Context, client *ws.Client, frame *ws.OutcomeFrame) {
	status, ok := outcomeStatuses[frame.Status]
	if !ok {
		r.registry.Send(client, ws.ValidationErrorFrame{
			Type:  ws.FrameValidationError,
			Error: "status must be delivered, dismissed, converted, or ignored",
		})
		return
	}

	if _, err := r.dispatcher.RecordOutcome(ctx, frame.InterventionID, status, frame.ConversionAction); err != nil {
		r.registry.Send(client, ws.ValidationErrorFrame{Type: ws.FrameValidationError, Error: err.Error()})
	}
}

// HandleDashboard routes dashboard-channel frames.
func (r *FrameRouter) HandleDashboard(ctx context.Context, client *ws.Client, frameType string, raw []byte) {
	switch frameType {
	case ws.FrameSelectSession:
		r.handleSelectSession(client, raw)
	case ws.FrameTuneWeights:
		r.handleTuneWeights(ctx, client, raw)
	default:
		r.registry.Send(client, ws.ValidationErrorFrame{Type: ws.FrameValidationError, Error: "unsupported frame type " + frameType})
	}
}

func (r *FrameRouter) handleSelectSession(client *ws.Client, raw []byte) {
	var frame ws.SelectSessionFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.SessionID == "" {
		r.registry.Send(client, ws.ValidationErrorFrame{Type: ws.FrameValidationError, Error: "select_session requires session_id"})
		return
	}

	r.registry.BindSession(client, frame.SessionID)
	r.registry.Send(client, ws.ConnectedFrame{Type: ws.FrameConnected, Channel: client.Channel, SessionID: frame.SessionID})
}

func (r *FrameRouter) handleTuneWeights(ctx context.Context, client *ws.Client, raw []byte) {
	var frame ws.TuneWeightsFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.ConfigID == "" {
		r.registry.Send(client, ws.ValidationErrorFrame{Type: ws.FrameValidationError, Error: "tune_weights requires config_id"})
		return
	}

	weights, err := weightsFromMap(frame.Weights)
	if err != nil {
		r.registry.Send(client, ws.ValidationErrorFrame{Type: ws.FrameValidationError, Error: err.Error()})
		return
	}

	if err := r.configs.UpdateWeights(ctx, frame.ConfigID, weights); err != nil {
		r.registry.Send(client, ws.ValidationErrorFrame{Type: ws.FrameValidationError, Error: err.Error()})
		return
	}
	r.logger.Info("Weights tuned", "config_id", frame.ConfigID)
}

// weightsFromMap builds validated Weights from the dashboard's loose map.
func weightsFromMap(m map[string]float64) (models.Weights, error) {
	var w models.Weights
	for key, value := range m {
		switch key {
		case "intent":
			w.Intent = value
		case "friction":
			w.Friction = value
		case "clarity":
			w.Clarity = value
		case "receptivity":
			w.Receptivity = value
		case "value":
			w.Value = value
		default:
			return w, store.NewValidationError("weights."+key, "unknown signal")
		}
	}
	if err := w.Validate(); err != nil {
		return w, store.NewValidationError("weights", err.Error())
	}
	return w, nil
}
