// Package experiment enrolls sessions into running A/B experiments and
// resolves the evaluation overrides their variant carries. Enrollment and
// variant selection are deterministic hashes of (sessionID, experimentID),
// so a session always resolves to the same variant.
package experiment

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"

	"github.com/engagekit/engage/pkg/clock"
	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store"
)

// Overrides are the evaluation parameters a variant replaces. Zero-valued
// fields leave the configured behavior untouched.
type Overrides struct {
	ExperimentID    string
	VariantID       string
	EvalEngine      models.Engine
	ScoringConfigID string
}

// Resolver assigns sessions to experiment variants.
type Resolver struct {
	experiments store.ExperimentStore
	clock       clock.Clock
	logger      *slog.Logger
	enabled     bool
}

// NewResolver builds a resolver. When enabled is false Resolve always
// returns nil.
func NewResolver(experiments store.ExperimentStore, clk clock.Clock, enabled bool, logger *slog.Logger) *Resolver {
	return &Resolver{
		experiments: experiments,
		clock:       clk,
		logger:      logger.With("component", "experiment_resolver"),
		enabled:     enabled,
	}
}

// Resolve returns the overrides for the session's variant, or nil when the
// session is not enrolled. Errors never propagate: any failure logs and
// returns nil so evaluation proceeds with configured defaults.
func (r *Resolver) Resolve(ctx context.Context, sessionID, siteURL string) *Overrides {
	if !r.enabled {
		return nil
	}

	exp, err := r.findRunning(ctx, siteURL)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("Experiment lookup failed", "session_id", sessionID, "error", err)
		}
		return nil
	}

	if existing, err := r.experiments.GetAssignment(ctx, exp.ID, sessionID); err == nil {
		return r.overridesFor(exp, existing.VariantID)
	} else if !errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("Assignment lookup failed", "experiment_id", exp.ID, "session_id", sessionID, "error", err)
		return nil
	}

	if enrollHash(sessionID, exp.ID) >= exp.TrafficPercent/100 {
		return nil
	}

	variant := pickVariant(exp.Variants, variantHash(sessionID, exp.ID))
	if variant == nil {
		return nil
	}

	assignment := &models.ExperimentAssignment{
		ExperimentID: exp.ID,
		SessionID:    sessionID,
		VariantID:    variant.ID,
		AssignedAt:   r.clock.Now(),
	}
	if err := r.experiments.CreateAssignment(ctx, assignment); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		r.logger.Warn("Assignment persist failed", "experiment_id", exp.ID, "session_id", sessionID, "error", err)
		return nil
	}

	return r.overridesFor(exp, variant.ID)
}

// findRunning prefers a site-scoped running experiment over the global one.
func (r *Resolver) findRunning(ctx context.Context, siteURL string) (*models.Experiment, error) {
	if siteURL != "" {
		exp, err := r.experiments.GetRunning(ctx, &siteURL)
		if err == nil {
			return exp, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return r.experiments.GetRunning(ctx, nil)
}

func (r *Resolver) overridesFor(exp *models.Experiment, variantID string) *Overrides {
	for i := range exp.Variants {
		if exp.Variants[i].ID == variantID {
			v := &exp.Variants[i]
			return &Overrides{
				ExperimentID:    exp.ID,
				VariantID:       v.ID,
				EvalEngine:      v.EvalEngine,
				ScoringConfigID: v.ScoringConfigID,
			}
		}
	}
	r.logger.Warn("Assignment references unknown variant", "experiment_id", exp.ID, "variant_id", variantID)
	return nil
}

// pickVariant selects by cumulative weight in declared order. Falls back to
// the last variant on float underrun so a valid weight set always selects.
func pickVariant(variants []models.Variant, h float64) *models.Variant {
	if len(variants) == 0 {
		return nil
	}
	var cumulative float64
	for i := range variants {
		cumulative += variants[i].Weight
		if h < cumulative {
			return &variants[i]
		}
	}
	return &variants[len(variants)-1]
}

// enrollHash maps (sessionID, experimentID) to [0,1) for the enrollment
// decision. variantHash uses a distinct salt so the two draws are
// independent.
func enrollHash(sessionID, experimentID string) float64 {
	return hashUnit(sessionID + "/" + experimentID + "/enroll")
}

func variantHash(sessionID, experimentID string) float64 {
	return hashUnit(sessionID + "/" + experimentID + "/variant")
}

func hashUnit(s string) float64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return float64(h.Sum64()) / float64(1<<64)
}
