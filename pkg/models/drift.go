package models

import "time"

// ShadowComparison pairs a production LLM evaluation with a rule-only
// scoring pass over the same context.
type ShadowComparison struct {
	ID           string `json:"id"`
	SessionID    string `json:"session_id"`
	EvaluationID string `json:"evaluation_id"`

	ProdSignals   Signals `json:"prod_signals"`
	ShadowSignals Signals `json:"shadow_signals"`

	ProdComposite   float64 `json:"prod_composite"`
	ShadowComposite float64 `json:"shadow_composite"`
	// CompositeDivergence = |prod − shadow|.
	CompositeDivergence float64 `json:"composite_divergence"`

	ProdTier       Tier     `json:"prod_tier"`
	ShadowTier     Tier     `json:"shadow_tier"`
	ProdDecision   Decision `json:"prod_decision"`
	ShadowDecision Decision `json:"shadow_decision"`

	TierMatch     bool `json:"tier_match"`
	DecisionMatch bool `json:"decision_match"`
	GateMatch     bool `json:"gate_override_match"`

	ContextSnapshot map[string]any `json:"context_snapshot,omitempty"`
	SiteURL         string         `json:"site_url"`
	CreatedAt       time.Time      `json:"created_at"`
}

// DriftSnapshot is one windowed health aggregate per (windowType, siteURL)
// cycle.
type DriftSnapshot struct {
	ID         string     `json:"id"`
	WindowType WindowType `json:"window_type"`
	SiteURL    *string    `json:"site_url,omitempty"`

	SampleCount            int     `json:"sample_count"`
	TierAgreementRate      float64 `json:"tier_agreement_rate"`
	DecisionAgreementRate  float64 `json:"decision_agreement_rate"`
	AvgCompositeDivergence float64 `json:"avg_composite_divergence"`

	ConvertedSignalMeans SignalMeans `json:"converted_signal_means"`
	DismissedSignalMeans SignalMeans `json:"dismissed_signal_means"`

	ConvertedCount int     `json:"converted_count"`
	DismissedCount int     `json:"dismissed_count"`
	ConversionRate float64 `json:"conversion_rate"`
	DismissalRate  float64 `json:"dismissal_rate"`

	CreatedAt time.Time `json:"created_at"`
}

// DriftAlert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// DriftAlert records a detected scoring-health anomaly. At most one
// unresolved alert exists per (alertType, windowType, siteURL) within the
// dedup window.
type DriftAlert struct {
	ID         string     `json:"id"`
	AlertType  string     `json:"alert_type"`
	Severity   string     `json:"severity"`
	WindowType WindowType `json:"window_type"`
	SiteURL    *string    `json:"site_url,omitempty"`
	Metric     string     `json:"metric"`
	Expected   float64    `json:"expected"`
	Actual     float64    `json:"actual"`
	Message    string     `json:"message"`

	Acknowledged bool       `json:"acknowledged"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// QualityFlags capture how complete a training datapoint is.
type QualityFlags struct {
	HasOutcome     bool  `json:"has_outcome"`
	HasEvents      bool  `json:"has_events"`
	HasNarrative   bool  `json:"has_narrative"`
	HasFrictions   bool  `json:"has_frictions"`
	SessionAgeSec  int   `json:"session_age_sec"`
	EventCount     int   `json:"event_count"`
	OutcomeDelayMs int64 `json:"outcome_delay_ms"`
}

// TrainingDatapoint denormalizes the full decision chain for one terminal
// intervention. Creation is idempotent keyed by InterventionID.
type TrainingDatapoint struct {
	ID             string `json:"id"`
	InterventionID string `json:"intervention_id"`
	SessionID      string `json:"session_id"`
	EvaluationID   string `json:"evaluation_id"`

	SessionSnapshot  map[string]any   `json:"session_snapshot"`
	Events           []TrackEvent     `json:"events"`
	Signals          Signals          `json:"signals"`
	Composite        float64          `json:"composite"`
	Tier             Tier             `json:"tier"`
	Decision         Decision         `json:"decision"`
	GateOverride     string           `json:"gate_override,omitempty"`
	Narrative        string           `json:"narrative,omitempty"`
	Frictions        []string         `json:"frictions,omitempty"`
	InterventionType InterventionType `json:"intervention_type"`
	Engine           Engine           `json:"engine"`

	Outcome          InterventionStatus `json:"outcome"`
	ConversionAction string             `json:"conversion_action,omitempty"`
	OutcomeDelayMs   int64              `json:"outcome_delay_ms"`

	Quality   QualityFlags `json:"quality_flags"`
	CreatedAt time.Time    `json:"created_at"`
}

// JobRun records one execution of a scheduled or manually triggered job.
type JobRun struct {
	ID           string     `json:"id"`
	JobName      string     `json:"job_name"`
	Status       JobStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMs   *int64     `json:"duration_ms,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	TriggeredBy  string     `json:"triggered_by"`
}
