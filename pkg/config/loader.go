package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the expected configuration file inside the config dir.
const ConfigFileName = "engage.yaml"

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Overlay engage.yaml from configDir (if present)
//  3. Expand environment variables in the YAML content
//  4. Validate the merged result
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"engine", cfg.Evaluation.Engine,
		"batch_interval_ms", cfg.Evaluation.BatchIntervalMs,
		"shadow_enabled", cfg.Shadow.Enabled,
		"experiments_enabled", cfg.Experiments.Enabled,
		"scheduler_disabled", cfg.Jobs.DisableScheduler)

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("No config file found, using built-in defaults", "path", path)
			return cfg, nil
		}
		return nil, NewLoadError(ConfigFileName, err)
	}

	expanded := ExpandEnv(data)
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, NewLoadError(ConfigFileName, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	return cfg, nil
}
