package models

import (
	"fmt"
	"math"
	"time"
)

// VariantWeightTolerance bounds |Σ variant weights − 1.0|.
const VariantWeightTolerance = 0.01

// Variant is one arm of an experiment. EvalEngine and ScoringConfigID are
// the overrides the resolver hands to the evaluation coordinator; either
// may be empty (no override).
type Variant struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Weight          float64 `json:"weight"`
	EvalEngine      Engine  `json:"eval_engine,omitempty"`
	ScoringConfigID string  `json:"scoring_config_id,omitempty"`
}

// Experiment is an A/B rollout of evaluation overrides.
type Experiment struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	SiteURL        *string          `json:"site_url,omitempty"`
	Status         ExperimentStatus `json:"status"`
	TrafficPercent float64          `json:"traffic_percent"`
	Variants       []Variant        `json:"variants"`
	PrimaryMetric  string           `json:"primary_metric"`
	MinSampleSize  int              `json:"min_sample_size"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Validate checks experiment invariants rejected at the admin boundary.
func (e *Experiment) Validate() error {
	if len(e.Variants) < 2 {
		return fmt.Errorf("experiment requires at least 2 variants (got %d)", len(e.Variants))
	}
	if e.TrafficPercent < 0 || e.TrafficPercent > 100 {
		return fmt.Errorf("traffic_percent must be in [0,100] (got %v)", e.TrafficPercent)
	}
	var sum float64
	for _, v := range e.Variants {
		if v.ID == "" {
			return fmt.Errorf("variant %q missing id", v.Name)
		}
		sum += v.Weight
	}
	if math.Abs(sum-1.0) >= VariantWeightTolerance {
		return fmt.Errorf("variant weights must sum to 1.0 (got %.4f)", sum)
	}
	return nil
}

// ExperimentAssignment pins a session to a variant. Created once, immutable.
type ExperimentAssignment struct {
	ExperimentID string    `json:"experiment_id"`
	SessionID    string    `json:"session_id"`
	VariantID    string    `json:"variant_id"`
	AssignedAt   time.Time `json:"assigned_at"`
}
