// Package llm defines the behavioral analyst capability: it turns an
// evaluation context into narrative signal hints. The production
// implementation calls the Anthropic Messages API; tests swap in a
// deterministic stub via AnalyzeFunc.
package llm

import (
	"context"

	"github.com/engagekit/engage/pkg/models"
)

// EvaluationContext is everything the analyst sees about a session: its
// metadata, recent history, and exactly the events in the batch being
// evaluated.
type EvaluationContext struct {
	Session               *models.Session       `json:"session"`
	EventHistory          []models.TrackEvent   `json:"event_history"`
	NewEvents             []models.TrackEvent   `json:"new_events"`
	PreviousEvaluations   []models.Evaluation   `json:"previous_evaluations"`
	PreviousInterventions []models.Intervention `json:"previous_interventions"`
}

// Output is the analyst's read of the session.
type Output struct {
	Narrative           string         `json:"narrative"`
	DetectedFrictionIDs []string       `json:"detected_friction_ids"`
	Signals             models.Signals `json:"signals"`
	RecommendedAction   string         `json:"recommended_action"`
	Reasoning           string         `json:"reasoning"`
}

// Analyst analyzes one evaluation context. Implementations must honor the
// context deadline; the coordinator falls back to rule-only scoring on
// error or timeout.
type Analyst interface {
	Analyze(ctx context.Context, ec *EvaluationContext) (*Output, error)
}

// AnalyzeFunc adapts a function to the Analyst interface.
type AnalyzeFunc func(ctx context.Context, ec *EvaluationContext) (*Output, error)

// Analyze calls f.
func (f AnalyzeFunc) Analyze(ctx context.Context, ec *EvaluationContext) (*Output, error) {
	return f(ctx, ec)
}
