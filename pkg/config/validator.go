package config

import (
	"fmt"
	"regexp"

	"github.com/engagekit/engage/pkg/models"
)

var frictionIDPattern = regexp.MustCompile(`^F\d{3}$`)
var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// Validate performs comprehensive validation of a loaded configuration
// (fail-fast, stops at first error).
func Validate(cfg *Config) error {
	if cfg.Evaluation.BatchIntervalMs <= 0 {
		return NewValidationError("evaluation.batch_interval_ms", fmt.Errorf("must be positive (got %d)", cfg.Evaluation.BatchIntervalMs))
	}
	if cfg.Evaluation.BatchMaxEvents <= 0 {
		return NewValidationError("evaluation.batch_max_events", fmt.Errorf("must be positive (got %d)", cfg.Evaluation.BatchMaxEvents))
	}
	if cfg.Evaluation.MaxContextEvents <= 0 {
		return NewValidationError("evaluation.max_context_events", fmt.Errorf("must be positive (got %d)", cfg.Evaluation.MaxContextEvents))
	}

	switch cfg.Evaluation.Engine {
	case models.EngineLLM, models.EngineFast, models.EngineAuto:
	default:
		return NewValidationError("evaluation.engine", fmt.Errorf("must be llm, fast, or auto (got %q)", cfg.Evaluation.Engine))
	}

	if cfg.LLM.TimeoutMs <= 0 {
		return NewValidationError("llm.timeout_ms", fmt.Errorf("must be positive (got %d)", cfg.LLM.TimeoutMs))
	}

	if !clockPattern.MatchString(cfg.Jobs.NightlyBatchAt) {
		return NewValidationError("jobs.nightly_batch_at", fmt.Errorf("must be HH:MM (got %q)", cfg.Jobs.NightlyBatchAt))
	}
	if cfg.Jobs.DriftCheckInterval <= 0 {
		return NewValidationError("jobs.drift_check_interval", fmt.Errorf("must be positive"))
	}
	if cfg.Jobs.RolloutHealthInterval <= 0 {
		return NewValidationError("jobs.rollout_health_interval", fmt.Errorf("must be positive"))
	}
	if cfg.Jobs.MaxRunDuration <= 0 {
		return NewValidationError("jobs.max_run_duration", fmt.Errorf("must be positive"))
	}

	if err := validateDrift(&cfg.Drift); err != nil {
		return err
	}
	if err := validateGates(&cfg.Gates); err != nil {
		return err
	}

	for id, sev := range cfg.Frictions {
		if !frictionIDPattern.MatchString(id) {
			return NewValidationError("frictions", fmt.Errorf("invalid friction id %q (want F###)", id))
		}
		if sev < 0 || sev > 100 {
			return NewValidationError("frictions", fmt.Errorf("severity for %s must be in [0,100] (got %d)", id, sev))
		}
	}

	if cfg.System.Slack != nil && cfg.System.Slack.Enabled {
		if cfg.System.Slack.Channel == "" {
			return NewValidationError("system.slack.channel", fmt.Errorf("required when slack is enabled"))
		}
		if cfg.System.Slack.TokenEnv == "" {
			cfg.System.Slack.TokenEnv = "SLACK_BOT_TOKEN"
		}
	}

	return nil
}

func validateDrift(d *DriftConfig) error {
	if d.TierAgreementFloor <= 0 || d.TierAgreementFloor > 1 {
		return NewValidationError("drift.tier_agreement_floor", fmt.Errorf("must be in (0,1] (got %v)", d.TierAgreementFloor))
	}
	if d.DecisionAgreementFloor <= 0 || d.DecisionAgreementFloor > 1 {
		return NewValidationError("drift.decision_agreement_floor", fmt.Errorf("must be in (0,1] (got %v)", d.DecisionAgreementFloor))
	}
	if d.MaxCompositeDivergence <= 0 {
		return NewValidationError("drift.max_composite_divergence", fmt.Errorf("must be positive"))
	}
	if d.SignalShiftThreshold <= 0 {
		return NewValidationError("drift.signal_shift_threshold", fmt.Errorf("must be positive"))
	}
	if d.ConversionRateDropPercent <= 0 || d.ConversionRateDropPercent > 100 {
		return NewValidationError("drift.conversion_rate_drop_percent", fmt.Errorf("must be in (0,100] (got %v)", d.ConversionRateDropPercent))
	}
	return nil
}

func validateGates(g *models.GateParams) error {
	if g.MinSessionAgeSec < 0 {
		return NewValidationError("gates.min_session_age_sec", fmt.Errorf("must be non-negative"))
	}
	if g.DismissalsToSuppress <= 0 {
		return NewValidationError("gates.dismissals_to_suppress", fmt.Errorf("must be positive"))
	}
	if g.ReceptivityFloor < 0 || g.ReceptivityFloor > 100 {
		return NewValidationError("gates.receptivity_floor", fmt.Errorf("must be in [0,100]"))
	}
	switch g.DuplicateFrictionMode {
	case "all", "any":
	default:
		return NewValidationError("gates.duplicate_friction_mode", fmt.Errorf("must be all or any (got %q)", g.DuplicateFrictionMode))
	}
	return nil
}
