package config

import (
	"time"

	"github.com/engagekit/engage/pkg/models"
)

// Default returns the built-in configuration. User YAML overlays these
// values field by field.
func Default() *Config {
	return &Config{
		System: SystemConfig{
			AllowedWSOrigins: nil,
		},
		Evaluation: EvaluationConfig{
			BatchIntervalMs:  5000,
			BatchMaxEvents:   10,
			MaxContextEvents: 100,
			Engine:           models.EngineAuto,
		},
		LLM: LLMConfig{
			TimeoutMs: 15000,
			Model:     "claude-sonnet-4-5",
		},
		Shadow:      ShadowConfig{Enabled: true},
		Experiments: ExperimentsConfig{Enabled: true},
		Jobs: JobsConfig{
			DisableScheduler:      false,
			NightlyBatchAt:        "02:00",
			DriftCheckInterval:    15 * time.Minute,
			RolloutHealthInterval: 30 * time.Minute,
			MaxRunDuration:        10 * time.Minute,
		},
		Drift: DriftConfig{
			TierAgreementFloor:        0.85,
			DecisionAgreementFloor:    0.90,
			MaxCompositeDivergence:    15,
			SignalShiftThreshold:      12,
			ConversionRateDropPercent: 20,
		},
		Gates: DefaultGates(),
	}
}

// DefaultGates returns the compiled gate parameter defaults.
func DefaultGates() models.GateParams {
	return models.GateParams{
		MinSessionAgeSec:        30,
		DismissalsToSuppress:    3,
		ReceptivityFloor:        25,
		CooldownAfterActiveSec:  180,
		CooldownAfterNudgeSec:   90,
		CooldownAfterDismissSec: 300,
		MaxActive:               2,
		MaxNudge:                3,
		MaxNonPassive:           4,
		DuplicateFrictionMode:   "all",
	}
}

// DefaultWeights returns the compiled scoring weights used when no config
// is active for a scope.
func DefaultWeights() models.Weights {
	return models.Weights{
		Intent:      0.25,
		Friction:    0.25,
		Clarity:     0.15,
		Receptivity: 0.20,
		Value:       0.15,
	}
}

// DefaultThresholds returns the compiled tier thresholds.
func DefaultThresholds() models.Thresholds {
	return models.Thresholds{Monitor: 29, Passive: 49, Nudge: 64, Active: 79}
}
