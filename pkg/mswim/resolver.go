package mswim

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/engagekit/engage/pkg/config"
	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store"
)

// ConfigResolver resolves the scoring config an evaluation runs under:
// per-session experiment override first, then the site-scoped active
// config, then the global active config, then compiled defaults.
type ConfigResolver struct {
	configs store.ScoringConfigStore
	logger  *slog.Logger

	mu        sync.RWMutex
	overrides map[string]string // sessionID -> scoring config ID
}

// NewConfigResolver builds a resolver over the scoring config store.
func NewConfigResolver(configs store.ScoringConfigStore, logger *slog.Logger) *ConfigResolver {
	return &ConfigResolver{
		configs:   configs,
		logger:    logger.With("component", "config_resolver"),
		overrides: make(map[string]string),
	}
}

// SetOverride registers a per-session config override for the duration of
// an evaluation. The caller must pair it with ReleaseOverride.
func (r *ConfigResolver) SetOverride(sessionID, configID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[sessionID] = configID
}

// ReleaseOverride removes a per-session override. Safe to call when no
// override is set.
func (r *ConfigResolver) ReleaseOverride(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, sessionID)
}

func (r *ConfigResolver) overrideFor(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.overrides[sessionID]
	return id, ok
}

// Resolve returns the config to score the session under. A missing or
// broken override falls through to the site/global chain; store errors on
// the chain itself fall back to compiled defaults rather than failing the
// evaluation.
func (r *ConfigResolver) Resolve(ctx context.Context, sessionID, siteURL string) *models.ScoringConfig {
	if id, ok := r.overrideFor(sessionID); ok {
		cfg, err := r.configs.Get(ctx, id)
		if err == nil {
			return cfg
		}
		r.logger.Warn("Override config lookup failed, falling through",
			"session_id", sessionID, "config_id", id, "error", err)
	}

	if siteURL != "" {
		cfg, err := r.configs.GetActive(ctx, &siteURL)
		if err == nil {
			return cfg
		}
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Error("Site config lookup failed", "site_url", siteURL, "error", err)
		}
	}

	cfg, err := r.configs.GetActive(ctx, nil)
	if err == nil {
		return cfg
	}
	if !errors.Is(err, store.ErrNotFound) {
		r.logger.Error("Global config lookup failed", "error", err)
	}
	return DefaultConfig()
}

// DefaultConfig returns the compiled default scoring config. Callers may
// mutate the returned copy freely.
func DefaultConfig() *models.ScoringConfig {
	return &models.ScoringConfig{
		ID:         "default",
		Name:       "compiled-defaults",
		Weights:    config.DefaultWeights(),
		Thresholds: config.DefaultThresholds(),
		Gates:      config.DefaultGates(),
		IsActive:   true,
	}
}
