package models

import (
	"fmt"
	"math"
	"time"
)

// WeightSumTolerance bounds |Σ weights − 1.0| for a valid scoring config.
const WeightSumTolerance = 0.001

// Weights are the per-signal multipliers of the composite score.
type Weights struct {
	Intent      float64 `json:"intent" yaml:"intent"`
	Friction    float64 `json:"friction" yaml:"friction"`
	Clarity     float64 `json:"clarity" yaml:"clarity"`
	Receptivity float64 `json:"receptivity" yaml:"receptivity"`
	Value       float64 `json:"value" yaml:"value"`
}

// Sum returns the total of all five weights.
func (w Weights) Sum() float64 {
	return w.Intent + w.Friction + w.Clarity + w.Receptivity + w.Value
}

// Validate checks the weights sum to 1.0 within tolerance.
func (w Weights) Validate() error {
	if d := math.Abs(w.Sum() - 1.0); d >= WeightSumTolerance {
		return fmt.Errorf("weights must sum to 1.0 (got %.4f)", w.Sum())
	}
	return nil
}

// Signals are the five adjusted signal scores, each in [0,100].
type Signals struct {
	Intent      int `json:"intent"`
	Friction    int `json:"friction"`
	Clarity     int `json:"clarity"`
	Receptivity int `json:"receptivity"`
	Value       int `json:"value"`
}

// SignalMeans are per-signal averages over a set of evaluations.
type SignalMeans struct {
	Intent      float64 `json:"intent"`
	Friction    float64 `json:"friction"`
	Clarity     float64 `json:"clarity"`
	Receptivity float64 `json:"receptivity"`
	Value       float64 `json:"value"`
}

// Thresholds are the upper bounds of each tier bucket. A composite above
// Active falls into ESCALATE. Must be strictly ascending.
type Thresholds struct {
	Monitor float64 `json:"monitor" yaml:"monitor"`
	Passive float64 `json:"passive" yaml:"passive"`
	Nudge   float64 `json:"nudge" yaml:"nudge"`
	Active  float64 `json:"active" yaml:"active"`
}

// Validate checks the thresholds are strictly ascending.
func (t Thresholds) Validate() error {
	if !(t.Monitor < t.Passive && t.Passive < t.Nudge && t.Nudge < t.Active) {
		return fmt.Errorf("thresholds must be strictly ascending (monitor=%v passive=%v nudge=%v active=%v)",
			t.Monitor, t.Passive, t.Nudge, t.Active)
	}
	return nil
}

// TierFor buckets a composite score.
func (t Thresholds) TierFor(composite float64) Tier {
	switch {
	case composite <= t.Monitor:
		return TierMonitor
	case composite <= t.Passive:
		return TierPassive
	case composite <= t.Nudge:
		return TierNudge
	case composite <= t.Active:
		return TierActive
	default:
		return TierEscalate
	}
}

// GateParams are the hard-override thresholds evaluated after scoring.
type GateParams struct {
	MinSessionAgeSec        int `json:"min_session_age_sec" yaml:"min_session_age_sec"`
	DismissalsToSuppress    int `json:"dismissals_to_suppress" yaml:"dismissals_to_suppress"`
	ReceptivityFloor        int `json:"receptivity_floor" yaml:"receptivity_floor"`
	CooldownAfterActiveSec  int `json:"cooldown_after_active_sec" yaml:"cooldown_after_active_sec"`
	CooldownAfterNudgeSec   int `json:"cooldown_after_nudge_sec" yaml:"cooldown_after_nudge_sec"`
	CooldownAfterDismissSec int `json:"cooldown_after_dismiss_sec" yaml:"cooldown_after_dismiss_sec"`
	MaxActive               int `json:"max_active" yaml:"max_active"`
	MaxNudge                int `json:"max_nudge" yaml:"max_nudge"`
	MaxNonPassive           int `json:"max_non_passive" yaml:"max_non_passive"`

	// DuplicateFrictionMode controls when DUPLICATE_FRICTION suppresses:
	// "all" (default) requires every detected friction to have been
	// intervened on already; "any" suppresses on any overlap.
	DuplicateFrictionMode string `json:"duplicate_friction_mode" yaml:"duplicate_friction_mode"`
}

// ScoringConfig is a versioned scoring parameter set. At most one config is
// active per siteURL scope (nil = global) at any time.
type ScoringConfig struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	SiteURL    *string    `json:"site_url,omitempty"`
	Weights    Weights    `json:"weights"`
	Thresholds Thresholds `json:"thresholds"`
	Gates      GateParams `json:"gates"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Validate checks all config invariants rejected at the admin boundary.
func (c *ScoringConfig) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	return c.Thresholds.Validate()
}

// Evaluation is the persisted result of scoring one flushed event batch.
// Immutable.
type Evaluation struct {
	ID               string           `json:"id"`
	SessionID        string           `json:"session_id"`
	EventIDs         []string         `json:"event_batch_ids"`
	Narrative        string           `json:"narrative,omitempty"`
	FrictionsFound   []string         `json:"frictions_found,omitempty"`
	Signals          Signals          `json:"signals"`
	Composite        float64          `json:"composite_score"`
	WeightsUsed      Weights          `json:"weights_used"`
	Tier             Tier             `json:"tier"`
	Decision         Decision         `json:"decision"`
	GateOverride     string           `json:"gate_override,omitempty"`
	InterventionType InterventionType `json:"intervention_type,omitempty"`
	Reasoning        string           `json:"reasoning,omitempty"`
	Engine           Engine           `json:"engine"`
	CreatedAt        time.Time        `json:"created_at"`
}
