package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/engagekit/engage/pkg/clock"
	"github.com/engagekit/engage/pkg/config"
	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store"
)

// Alert dedup window: an unresolved alert with the same identity inside
// this window suppresses re-emission.
const alertDedupWindow = 6 * time.Hour

// Critical severity factors relative to the configured floors.
const (
	tierCriticalFactor     = 0.78
	decisionCriticalFactor = 0.80
)

// Alert types.
const (
	AlertTierAgreementDrop     = "tier_agreement_drop"
	AlertDecisionAgreementDrop = "decision_agreement_drop"
	AlertCompositeDivergence   = "composite_divergence_high"
	AlertSignalShift           = "signal_shift"
	AlertConversionRateDrop    = "conversion_rate_drop"
)

// windowDurations maps window types to their widths.
var windowDurations = map[models.WindowType]time.Duration{
	models.Window1h:  time.Hour,
	models.Window6h:  6 * time.Hour,
	models.Window24h: 24 * time.Hour,
	models.Window7d:  7 * 24 * time.Hour,
}

// Notifier delivers critical drift alerts out of band.
type Notifier interface {
	NotifyDriftAlert(ctx context.Context, alert *models.DriftAlert)
}

// Detector aggregates scoring-health windows and raises alerts against
// the configured thresholds.
type Detector struct {
	db       store.Store
	cfg      config.DriftConfig
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger
}

// NewDetector wires the detector. notifier may be nil.
func NewDetector(db store.Store, cfg config.DriftConfig, notifier Notifier, clk clock.Clock, logger *slog.Logger) *Detector {
	return &Detector{
		db:       db,
		cfg:      cfg,
		notifier: notifier,
		clock:    clk,
		logger:   logger.With("component", "drift_detector"),
	}
}

// ComputeSnapshot aggregates one (window, site) cycle and persists it.
// siteURL nil means the global scope.
func (d *Detector) ComputeSnapshot(ctx context.Context, w models.WindowType, siteURL *string) (*models.DriftSnapshot, error) {
	now := d.clock.Now()
	from := now.Add(-windowDurations[w])

	comparisons, err := d.db.Shadows().ListBetween(ctx, from, now, siteURL)
	if err != nil {
		return nil, fmt.Errorf("list shadow comparisons: %w", err)
	}

	snap := &models.DriftSnapshot{
		ID:         uuid.New().String(),
		WindowType: w,
		SiteURL:    siteURL,
		CreatedAt:  now,
	}

	var tierMatches, decisionMatches int
	var divergenceSum float64
	for _, sc := range comparisons {
		if sc.TierMatch {
			tierMatches++
		}
		if sc.DecisionMatch {
			decisionMatches++
		}
		divergenceSum += sc.CompositeDivergence
	}
	snap.SampleCount = len(comparisons)
	if snap.SampleCount > 0 {
		snap.TierAgreementRate = float64(tierMatches) / float64(snap.SampleCount)
		snap.DecisionAgreementRate = float64(decisionMatches) / float64(snap.SampleCount)
		snap.AvgCompositeDivergence = divergenceSum / float64(snap.SampleCount)
	}

	if err := d.aggregateOutcomes(ctx, snap, from, now, siteURL); err != nil {
		return nil, err
	}

	if err := d.db.Drift().CreateSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}
	return snap, nil
}

// aggregateOutcomes fills the outcome side of a snapshot: converted vs
// dismissed counts, rates over terminal interventions, and per-signal
// means from the joined evaluations.
func (d *Detector) aggregateOutcomes(ctx context.Context, snap *models.DriftSnapshot, from, to time.Time, siteURL *string) error {
	terminal, err := d.db.Interventions().ListTerminalBetween(ctx, from, to, siteURL)
	if err != nil {
		return fmt.Errorf("list terminal interventions: %w", err)
	}

	var convertedSum, dismissedSum models.Signals
	for _, iv := range terminal {
		var bucket *models.Signals
		switch iv.Status {
		case models.StatusConverted:
			snap.ConvertedCount++
			bucket = &convertedSum
		case models.StatusDismissed:
			snap.DismissedCount++
			bucket = &dismissedSum
		default:
			continue
		}
		eval, err := d.db.Evaluations().Get(ctx, iv.EvaluationID)
		if err != nil {
			d.logger.Warn("Evaluation missing for terminal intervention",
				"intervention_id", iv.ID, "evaluation_id", iv.EvaluationID, "error", err)
			continue
		}
		bucket.Intent += eval.Signals.Intent
		bucket.Friction += eval.Signals.Friction
		bucket.Clarity += eval.Signals.Clarity
		bucket.Receptivity += eval.Signals.Receptivity
		bucket.Value += eval.Signals.Value
	}

	if total := len(terminal); total > 0 {
		snap.ConversionRate = float64(snap.ConvertedCount) / float64(total)
		snap.DismissalRate = float64(snap.DismissedCount) / float64(total)
	}
	snap.ConvertedSignalMeans = signalMeans(convertedSum, snap.ConvertedCount)
	snap.DismissedSignalMeans = signalMeans(dismissedSum, snap.DismissedCount)
	return nil
}

func signalMeans(sum models.Signals, n int) models.SignalMeans {
	if n == 0 {
		return models.SignalMeans{}
	}
	f := float64(n)
	return models.SignalMeans{
		Intent:      float64(sum.Intent) / f,
		Friction:    float64(sum.Friction) / f,
		Clarity:     float64(sum.Clarity) / f,
		Receptivity: float64(sum.Receptivity) / f,
		Value:       float64(sum.Value) / f,
	}
}

// DetectAnomalies checks a snapshot against the thresholds and emits
// deduplicated alerts. Returns the number of alerts emitted.
func (d *Detector) DetectAnomalies(ctx context.Context, snap *models.DriftSnapshot) int {
	emitted := 0
	if snap.SampleCount > 0 {
		if snap.TierAgreementRate < d.cfg.TierAgreementFloor {
			severity := models.SeverityWarning
			if snap.TierAgreementRate < tierCriticalFactor*d.cfg.TierAgreementFloor {
				severity = models.SeverityCritical
			}
			emitted += d.emit(ctx, snap, AlertTierAgreementDrop, severity, "tier_agreement_rate",
				d.cfg.TierAgreementFloor, snap.TierAgreementRate,
				fmt.Sprintf("Tier agreement %.2f below floor %.2f", snap.TierAgreementRate, d.cfg.TierAgreementFloor))
		}
		if snap.DecisionAgreementRate < d.cfg.DecisionAgreementFloor {
			severity := models.SeverityWarning
			if snap.DecisionAgreementRate < decisionCriticalFactor*d.cfg.DecisionAgreementFloor {
				severity = models.SeverityCritical
			}
			emitted += d.emit(ctx, snap, AlertDecisionAgreementDrop, severity, "decision_agreement_rate",
				d.cfg.DecisionAgreementFloor, snap.DecisionAgreementRate,
				fmt.Sprintf("Decision agreement %.2f below floor %.2f", snap.DecisionAgreementRate, d.cfg.DecisionAgreementFloor))
		}
		if snap.AvgCompositeDivergence > d.cfg.MaxCompositeDivergence {
			emitted += d.emit(ctx, snap, AlertCompositeDivergence, models.SeverityWarning, "avg_composite_divergence",
				d.cfg.MaxCompositeDivergence, snap.AvgCompositeDivergence,
				fmt.Sprintf("Mean composite divergence %.2f above limit %.2f", snap.AvgCompositeDivergence, d.cfg.MaxCompositeDivergence))
		}
	}
	emitted += d.detectBaselineDrift(ctx, snap)
	return emitted
}

// detectBaselineDrift compares the snapshot to the latest 7-day baseline
// for relative anomalies: signal shift and conversion-rate drop.
func (d *Detector) detectBaselineDrift(ctx context.Context, snap *models.DriftSnapshot) int {
	baseline, err := d.db.Drift().LatestSnapshot(ctx, models.Window7d, snap.SiteURL)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.logger.Warn("Baseline snapshot lookup failed", "error", err)
		}
		return 0
	}
	// The 7d snapshot is its own baseline; skip self-comparison.
	if snap.WindowType == models.Window7d {
		return 0
	}

	emitted := 0
	if snap.ConvertedCount > 0 || snap.DismissedCount > 0 {
		if shift := maxSignalShift(snap.ConvertedSignalMeans, baseline.ConvertedSignalMeans); shift > d.cfg.SignalShiftThreshold {
			emitted += d.emit(ctx, snap, AlertSignalShift, models.SeverityWarning, "converted_signal_means",
				d.cfg.SignalShiftThreshold, shift,
				fmt.Sprintf("Converted signal means shifted %.1f points from 7d baseline", shift))
		}
	}
	if baseline.ConversionRate > 0 && (snap.ConvertedCount > 0 || snap.DismissedCount > 0) {
		dropPct := (baseline.ConversionRate - snap.ConversionRate) / baseline.ConversionRate * 100
		if dropPct > d.cfg.ConversionRateDropPercent {
			emitted += d.emit(ctx, snap, AlertConversionRateDrop, models.SeverityCritical, "conversion_rate",
				baseline.ConversionRate, snap.ConversionRate,
				fmt.Sprintf("Conversion rate dropped %.0f%% vs 7d baseline", dropPct))
		}
	}
	return emitted
}

func maxSignalShift(a, b models.SignalMeans) float64 {
	max := 0.0
	for _, delta := range []float64{
		a.Intent - b.Intent,
		a.Friction - b.Friction,
		a.Clarity - b.Clarity,
		a.Receptivity - b.Receptivity,
		a.Value - b.Value,
	} {
		if delta < 0 {
			delta = -delta
		}
		if delta > max {
			max = delta
		}
	}
	return max
}

// emit writes one alert unless an unresolved alert with the same identity
// exists inside the dedup window. Returns 1 when an alert was created.
func (d *Detector) emit(ctx context.Context, snap *models.DriftSnapshot, alertType, severity, metric string, expected, actual float64, message string) int {
	now := d.clock.Now()
	if _, err := d.db.Drift().FindUnresolvedAlert(ctx, alertType, snap.WindowType, snap.SiteURL, now.Add(-alertDedupWindow)); err == nil {
		return 0
	} else if !errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("Alert dedup lookup failed", "alert_type", alertType, "error", err)
		return 0
	}

	alert := &models.DriftAlert{
		ID:         uuid.New().String(),
		AlertType:  alertType,
		Severity:   severity,
		WindowType: snap.WindowType,
		SiteURL:    snap.SiteURL,
		Metric:     metric,
		Expected:   expected,
		Actual:     actual,
		Message:    message,
		CreatedAt:  now,
	}
	if err := d.db.Drift().CreateAlert(ctx, alert); err != nil {
		d.logger.Error("Failed to persist drift alert", "alert_type", alertType, "error", err)
		return 0
	}
	d.logger.Warn("Drift alert emitted",
		"alert_type", alertType, "severity", severity, "window", snap.WindowType, "metric", metric, "actual", actual)

	if severity == models.SeverityCritical && d.notifier != nil {
		d.notifier.NotifyDriftAlert(ctx, alert)
	}
	return 1
}

// scopes returns the global scope plus every site seen in shadow traffic
// over the widest lookback the caller cares about.
func (d *Detector) scopes(ctx context.Context, lookback time.Duration) []*string {
	now := d.clock.Now()
	out := []*string{nil}
	sites, err := d.db.Shadows().DistinctSitesBetween(ctx, now.Add(-lookback), now)
	if err != nil {
		d.logger.Warn("Distinct site lookup failed", "error", err)
		return out
	}
	for _, site := range sites {
		s := site
		out = append(out, &s)
	}
	return out
}
