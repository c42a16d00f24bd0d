// Package config loads, validates, and exposes the engine configuration
// from engage.yaml plus environment variables.
package config

import (
	"time"

	"github.com/engagekit/engage/pkg/models"
)

// Config is the fully resolved, validated runtime configuration.
type Config struct {
	System      SystemConfig      `yaml:"system"`
	Evaluation  EvaluationConfig  `yaml:"evaluation"`
	LLM         LLMConfig         `yaml:"llm"`
	Shadow      ShadowConfig      `yaml:"shadow"`
	Experiments ExperimentsConfig `yaml:"experiments"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Drift       DriftConfig       `yaml:"drift"`
	Gates       models.GateParams `yaml:"gates"`

	// Frictions maps friction ids (F###) to severity overrides layered on
	// the compiled catalog defaults.
	Frictions map[string]int `yaml:"frictions"`
}

// SystemConfig groups system-wide infrastructure settings.
type SystemConfig struct {
	AllowedWSOrigins []string     `yaml:"allowed_ws_origins"`
	Slack            *SlackConfig `yaml:"slack"`
}

// SlackConfig holds drift-alert notification settings.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	Channel  string `yaml:"channel"`
}

// EvaluationConfig controls batching and engine selection.
type EvaluationConfig struct {
	BatchIntervalMs  int           `yaml:"batch_interval_ms"`
	BatchMaxEvents   int           `yaml:"batch_max_events"`
	MaxContextEvents int           `yaml:"max_context_events"`
	Engine           models.Engine `yaml:"engine"` // llm | fast | auto
}

// BatchInterval returns the flush interval as a duration.
func (c EvaluationConfig) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalMs) * time.Millisecond
}

// LLMConfig controls the external analyst call.
type LLMConfig struct {
	TimeoutMs int    `yaml:"timeout_ms"`
	Model     string `yaml:"model"`
}

// Timeout returns the analyst deadline as a duration.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// ShadowConfig controls the rule-only comparison pass.
type ShadowConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ExperimentsConfig controls A/B assignment.
type ExperimentsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// JobsConfig controls the background scheduler.
type JobsConfig struct {
	DisableScheduler      bool          `yaml:"disable_scheduler"`
	NightlyBatchAt        string        `yaml:"nightly_batch_at"` // "HH:MM" UTC
	DriftCheckInterval    time.Duration `yaml:"drift_check_interval"`
	RolloutHealthInterval time.Duration `yaml:"rollout_health_interval"`
	MaxRunDuration        time.Duration `yaml:"max_run_duration"`
}

// DriftConfig holds the anomaly-detection thresholds.
type DriftConfig struct {
	TierAgreementFloor        float64 `yaml:"tier_agreement_floor"`
	DecisionAgreementFloor    float64 `yaml:"decision_agreement_floor"`
	MaxCompositeDivergence    float64 `yaml:"max_composite_divergence"`
	SignalShiftThreshold      float64 `yaml:"signal_shift_threshold"`
	ConversionRateDropPercent float64 `yaml:"conversion_rate_drop_percent"`
}
