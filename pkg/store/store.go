// Package store defines the persistence capability consumed by the engine.
// All entity I/O flows through these interfaces; pkg/store/postgres holds
// the production implementation and pkg/store/memory a process-local one
// used by tests and the zero-dependency dev mode.
package store

import (
	"context"
	"time"

	"github.com/engagekit/engage/pkg/models"
)

// Counter identifies an atomically incremented session counter. Counter
// mutations never read-then-write at the application layer.
type Counter string

// Session counters.
const (
	CounterInterventionsFired Counter = "interventions_fired"
	CounterDismissals         Counter = "dismissals"
	CounterConversions        Counter = "conversions"
	CounterPageViews          Counter = "page_views"
)

// Store aggregates the per-entity stores behind one capability.
type Store interface {
	Sessions() SessionStore
	Events() EventStore
	Evaluations() EvaluationStore
	Interventions() InterventionStore
	ScoringConfigs() ScoringConfigStore
	Experiments() ExperimentStore
	Shadows() ShadowStore
	Drift() DriftStore
	Training() TrainingStore
	JobRuns() JobRunStore
}

// SessionStore owns authoritative session state.
type SessionStore interface {
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)

	// Touch updates last_activity_at and revives an idle session to active.
	Touch(ctx context.Context, id string, at time.Time) error

	// Increment atomically adds delta to a counter.
	Increment(ctx context.Context, id string, c Counter, delta int) error

	UpdateCart(ctx context.Context, id string, value float64, itemCount int) error

	// RecordEntry sets the entry page and UTM fields if not already set.
	RecordEntry(ctx context.Context, id, entryPage, utmSource, utmMedium, utmCampaign string) error

	// RecordExit sets the exit page and accumulates time on site.
	RecordExit(ctx context.Context, id, exitPage string, addTimeMs int64) error

	// End transitions the session to ended. Ending an already ended
	// session is a no-op.
	End(ctx context.Context, id string, at time.Time) error

	// MarkIdleBefore moves every active session whose last activity is
	// older than the cutoff to idle. Returns the number marked.
	MarkIdleBefore(ctx context.Context, cutoff time.Time) (int, error)

	// EndIdleBefore ends every non-ended session whose last activity is
	// older than the cutoff. Returns the number ended.
	EndIdleBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// EventStore persists canonical track events.
type EventStore interface {
	Create(ctx context.Context, ev *models.TrackEvent) error

	// GetByIDs returns events in the order of the given ids. Missing ids
	// are skipped.
	GetByIDs(ctx context.Context, ids []string) ([]models.TrackEvent, error)

	// ListBySession returns the most recent events for a session in
	// chronological order, capped at limit.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]models.TrackEvent, error)

	CountBySession(ctx context.Context, sessionID string) (int, error)
}

// EvaluationStore persists immutable evaluations.
type EvaluationStore interface {
	Create(ctx context.Context, e *models.Evaluation) error
	Get(ctx context.Context, id string) (*models.Evaluation, error)

	// ListRecent returns the latest evaluations for a session, newest
	// first, capped at limit.
	ListRecent(ctx context.Context, sessionID string, limit int) ([]models.Evaluation, error)
}

// InterventionStore persists intervention lifecycle records.
type InterventionStore interface {
	Create(ctx context.Context, iv *models.Intervention) error
	Get(ctx context.Context, id string) (*models.Intervention, error)

	// ListBySession returns all interventions for a session, newest first.
	ListBySession(ctx context.Context, sessionID string) ([]models.Intervention, error)

	// UpdateStatus advances the lifecycle. Returns ErrConflict when the
	// transition violates the lifecycle DAG.
	UpdateStatus(ctx context.Context, id string, status models.InterventionStatus, at time.Time, conversionAction string) (*models.Intervention, error)

	// ListTerminalBetween returns interventions that reached a terminal
	// outcome inside [from,to), optionally scoped to a site.
	ListTerminalBetween(ctx context.Context, from, to time.Time, siteURL *string) ([]models.Intervention, error)
}

// ScoringConfigStore owns scoring config versions and activation.
type ScoringConfigStore interface {
	Create(ctx context.Context, c *models.ScoringConfig) error
	Get(ctx context.Context, id string) (*models.ScoringConfig, error)
	List(ctx context.Context) ([]models.ScoringConfig, error)

	// GetActive returns the active config for the exact scope (nil =
	// global), or ErrNotFound.
	GetActive(ctx context.Context, siteURL *string) (*models.ScoringConfig, error)

	// Activate atomically deactivates any other active config in the
	// target's scope, then activates the target.
	Activate(ctx context.Context, id string) error

	// UpdateWeights replaces the weights of a config. Used by the
	// dashboard tune_weights path; the caller validates first.
	UpdateWeights(ctx context.Context, id string, w models.Weights) error
}

// ExperimentStore owns experiments and their immutable assignments.
type ExperimentStore interface {
	Create(ctx context.Context, e *models.Experiment) error
	Get(ctx context.Context, id string) (*models.Experiment, error)
	List(ctx context.Context) ([]models.Experiment, error)
	SetStatus(ctx context.Context, id string, status models.ExperimentStatus) error

	// GetRunning returns the running experiment for the exact scope
	// (nil = global), or ErrNotFound.
	GetRunning(ctx context.Context, siteURL *string) (*models.Experiment, error)

	GetAssignment(ctx context.Context, experimentID, sessionID string) (*models.ExperimentAssignment, error)

	// CreateAssignment persists an assignment. Returns ErrAlreadyExists
	// if the (experiment, session) pair is already assigned.
	CreateAssignment(ctx context.Context, a *models.ExperimentAssignment) error
}

// ShadowStore persists shadow comparisons.
type ShadowStore interface {
	Create(ctx context.Context, sc *models.ShadowComparison) error
	ListBetween(ctx context.Context, from, to time.Time, siteURL *string) ([]models.ShadowComparison, error)

	// DistinctSitesBetween returns the site URLs seen in comparisons
	// inside [from,to).
	DistinctSitesBetween(ctx context.Context, from, to time.Time) ([]string, error)
}

// DriftStore persists drift snapshots and alerts.
type DriftStore interface {
	CreateSnapshot(ctx context.Context, s *models.DriftSnapshot) error

	// LatestSnapshot returns the newest snapshot for the scope, or
	// ErrNotFound.
	LatestSnapshot(ctx context.Context, w models.WindowType, siteURL *string) (*models.DriftSnapshot, error)

	CreateAlert(ctx context.Context, a *models.DriftAlert) error

	// FindUnresolvedAlert returns an unresolved alert with the matching
	// identity created at or after since, or ErrNotFound.
	FindUnresolvedAlert(ctx context.Context, alertType string, w models.WindowType, siteURL *string, since time.Time) (*models.DriftAlert, error)

	ListAlerts(ctx context.Context, unresolvedOnly bool, limit int) ([]models.DriftAlert, error)
	AcknowledgeAlert(ctx context.Context, id string) error
	ResolveAlert(ctx context.Context, id string, at time.Time) error

	// PruneResolvedBefore deletes resolved alerts older than the cutoff.
	PruneResolvedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// TrainingStore persists denormalized training datapoints.
type TrainingStore interface {
	// Create persists a datapoint. Returns ErrAlreadyExists when a
	// datapoint for the same intervention id exists (idempotency).
	Create(ctx context.Context, dp *models.TrainingDatapoint) error

	GetByIntervention(ctx context.Context, interventionID string) (*models.TrainingDatapoint, error)
	Count(ctx context.Context) (int, error)
}

// JobRunStore persists job run records.
type JobRunStore interface {
	Create(ctx context.Context, r *models.JobRun) error
	Complete(ctx context.Context, id, summary string, duration time.Duration) error
	Fail(ctx context.Context, id, errorMessage string, duration time.Duration) error
	List(ctx context.Context, jobName string, limit int) ([]models.JobRun, error)

	// FailRunning marks every run still in running state as failed.
	// Called once at startup to clear runs orphaned by a crash.
	FailRunning(ctx context.Context, errorMessage string) (int, error)
}
