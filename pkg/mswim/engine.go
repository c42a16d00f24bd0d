package mswim

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/engagekit/engage/pkg/models"
)

// Result is the outcome of one scoring pass.
type Result struct {
	Signals      models.Signals
	Composite    float64
	WeightsUsed  models.Weights
	Tier         models.Tier
	Decision     models.Decision
	GateOverride string
	Reasoning    string
}

// Engine scores session contexts against an active scoring config.
type Engine struct {
	catalog FrictionCatalog
}

// NewEngine builds a scoring engine over the given friction catalog.
func NewEngine(catalog FrictionCatalog) *Engine {
	return &Engine{catalog: catalog}
}

// Catalog returns the engine's friction catalog.
func (e *Engine) Catalog() FrictionCatalog { return e.catalog }

// Score runs the full pipeline: adjust the raw signal hints, compute the
// weighted composite, resolve the tier, then apply the gate catalog. Pure
// and synchronous.
func (e *Engine) Score(hints models.Signals, sctx *SessionContext, cfg *models.ScoringConfig) Result {
	signals := adjustAll(hints, sctx, e.catalog)
	composite := Composite(signals, cfg.Weights)
	tier := cfg.Thresholds.TierFor(composite)

	decision := models.DecisionFire
	if tier == models.TierMonitor {
		decision = models.DecisionSuppress
	}

	tier, decision, gate := applyGates(tier, decision, signals, sctx, cfg.Gates)

	return Result{
		Signals:      signals,
		Composite:    composite,
		WeightsUsed:  cfg.Weights,
		Tier:         tier,
		Decision:     decision,
		GateOverride: gate,
		Reasoning:    buildReasoning(signals, cfg.Weights, tier, decision, gate),
	}
}

// Composite computes the weighted sum of the five signals, rounded to two
// decimal places and clamped to [0,100].
func Composite(s models.Signals, w models.Weights) float64 {
	sum := float64(s.Intent)*w.Intent +
		float64(s.Friction)*w.Friction +
		float64(s.Clarity)*w.Clarity +
		float64(s.Receptivity)*w.Receptivity +
		float64(s.Value)*w.Value
	sum = math.Round(sum*100) / 100
	if sum < 0 {
		return 0
	}
	if sum > 100 {
		return 100
	}
	return sum
}

// buildReasoning summarizes a result: the matched gate (if any) and the
// three signals contributing most to the composite.
func buildReasoning(s models.Signals, w models.Weights, tier models.Tier, decision models.Decision, gate string) string {
	type contribution struct {
		name  string
		value float64
	}
	contributions := []contribution{
		{"intent", float64(s.Intent) * w.Intent},
		{"friction", float64(s.Friction) * w.Friction},
		{"clarity", float64(s.Clarity) * w.Clarity},
		{"receptivity", float64(s.Receptivity) * w.Receptivity},
		{"value", float64(s.Value) * w.Value},
	}
	sort.SliceStable(contributions, func(i, j int) bool {
		return contributions[i].value > contributions[j].value
	})

	top := make([]string, 0, 3)
	for _, c := range contributions[:3] {
		top = append(top, fmt.Sprintf("%s=%.1f", c.name, c.value))
	}

	var b strings.Builder
	if gate != "" {
		fmt.Fprintf(&b, "gate %s matched; ", gate)
	}
	fmt.Fprintf(&b, "tier %s, decision %s; top signals: %s", tier, decision, strings.Join(top, ", "))
	return b.String()
}
