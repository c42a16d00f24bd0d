// Package jobs runs the background maintenance jobs: drift checks,
// rollout health, and the nightly batch. Every execution is recorded as a
// JobRun; at most one run per job name is in flight at a time.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/engagekit/engage/pkg/clock"
	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store"
)

// Job names.
const (
	JobNightlyBatch  = "nightly_batch"
	JobDriftCheck    = "drift_check"
	JobRolloutHealth = "rollout_health"
)

// DefaultMaxRunDuration bounds a single job execution.
const DefaultMaxRunDuration = 10 * time.Minute

// scopeConcurrency bounds the per-window fan-out across site scopes.
const scopeConcurrency = 4

// Resolved alerts older than this are pruned by the nightly batch.
const resolvedAlertRetention = 30 * 24 * time.Hour

// ErrAlreadyRunning is returned when a job is triggered while a run for
// the same name is still in flight.
var ErrAlreadyRunning = errors.New("job already running")

// ErrUnknownJob is returned for a job name the runner does not know.
var ErrUnknownJob = errors.New("unknown job")

// Runner executes named jobs with per-name mutual exclusion and a hard
// run deadline.
type Runner struct {
	db       store.Store
	detector *Detector
	clock    clock.Clock
	logger   *slog.Logger
	maxRun   time.Duration

	mu   sync.Mutex
	busy map[string]bool
}

// NewRunner wires the job runner. It fails any run records left in
// running state by a previous process.
func NewRunner(db store.Store, detector *Detector, clk clock.Clock, maxRun time.Duration, logger *slog.Logger) *Runner {
	if maxRun <= 0 {
		maxRun = DefaultMaxRunDuration
	}
	r := &Runner{
		db:       db,
		detector: detector,
		clock:    clk,
		logger:   logger.With("component", "job_runner"),
		maxRun:   maxRun,
		busy:     make(map[string]bool),
	}
	if n, err := db.JobRuns().FailRunning(context.Background(), "orphaned by restart"); err != nil {
		r.logger.Warn("Orphaned job cleanup failed", "error", err)
	} else if n > 0 {
		r.logger.Info("Failed orphaned job runs", "count", n)
	}
	return r
}

// Known reports whether a job name is runnable.
func (r *Runner) Known(jobName string) bool {
	switch jobName {
	case JobNightlyBatch, JobDriftCheck, JobRolloutHealth:
		return true
	}
	return false
}

// Run executes one job synchronously and returns its completed run
// record. Concurrent runs of the same job are rejected with
// ErrAlreadyRunning.
func (r *Runner) Run(ctx context.Context, jobName, triggeredBy string) (*models.JobRun, error) {
	if !r.Known(jobName) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobName)
	}

	r.mu.Lock()
	if r.busy[jobName] {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	r.busy[jobName] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.busy, jobName)
		r.mu.Unlock()
	}()

	started := r.clock.Now()
	run := &models.JobRun{
		ID:          uuid.New().String(),
		JobName:     jobName,
		Status:      models.JobRunning,
		StartedAt:   started,
		TriggeredBy: triggeredBy,
	}
	if err := r.db.JobRuns().Create(ctx, run); err != nil {
		return nil, fmt.Errorf("record job start: %w", err)
	}
	r.logger.Info("Job started", "job", jobName, "run_id", run.ID, "triggered_by", triggeredBy)

	jobCtx, cancel := context.WithTimeout(ctx, r.maxRun)
	defer cancel()
	summary, err := r.execute(jobCtx, jobName)
	elapsed := time.Since(started)

	if err != nil {
		msg := err.Error()
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			msg = "timeout"
		}
		if failErr := r.db.JobRuns().Fail(ctx, run.ID, msg, elapsed); failErr != nil {
			r.logger.Error("Failed to record job failure", "job", jobName, "error", failErr)
		}
		r.logger.Error("Job failed", "job", jobName, "run_id", run.ID, "duration", elapsed, "error", err)
		run.Status = models.JobFailed
		run.ErrorMessage = msg
		return run, nil
	}

	if err := r.db.JobRuns().Complete(ctx, run.ID, summary, elapsed); err != nil {
		r.logger.Error("Failed to record job completion", "job", jobName, "error", err)
	}
	r.logger.Info("Job completed", "job", jobName, "run_id", run.ID, "duration", elapsed)
	run.Status = models.JobCompleted
	run.Summary = summary
	return run, nil
}

func (r *Runner) execute(ctx context.Context, jobName string) (string, error) {
	switch jobName {
	case JobDriftCheck:
		return r.runWindows(ctx, []models.WindowType{models.Window1h, models.Window6h}, 6*time.Hour)
	case JobRolloutHealth:
		return r.runWindows(ctx, []models.WindowType{models.Window24h}, 24*time.Hour)
	case JobNightlyBatch:
		return r.nightlyBatch(ctx)
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownJob, jobName)
}

// runWindows snapshots the given windows for the global scope and every
// site with recent shadow traffic, then runs anomaly detection on each.
// Windows run in order; scopes within a window run concurrently, so
// alert dedup never races within one (alertType, window, site) identity.
func (r *Runner) runWindows(ctx context.Context, windows []models.WindowType, lookback time.Duration) (string, error) {
	scopes := r.detector.scopes(ctx, lookback)
	snapshots, alerts := 0, 0
	for _, w := range windows {
		s, a, err := r.snapshotScopes(ctx, w, scopes, true)
		if err != nil {
			return "", err
		}
		snapshots += s
		alerts += a
	}
	return jobSummary(map[string]any{
		"windows":   len(windows),
		"scopes":    len(scopes),
		"snapshots": snapshots,
		"alerts":    alerts,
	}), nil
}

// snapshotScopes computes one window snapshot per scope, fanning out
// across scopes with bounded concurrency.
func (r *Runner) snapshotScopes(ctx context.Context, w models.WindowType, scopes []*string, detect bool) (snapshots, alerts int, err error) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scopeConcurrency)
	for _, site := range scopes {
		g.Go(func() error {
			snap, err := r.detector.ComputeSnapshot(gctx, w, site)
			if err != nil {
				return err
			}
			var n int
			if detect {
				n = r.detector.DetectAnomalies(gctx, snap)
			}
			mu.Lock()
			snapshots++
			alerts += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return snapshots, alerts, nil
}

// nightlyBatch refreshes the wide baselines and prunes stale resolved
// alerts. The 7d window runs first so same-night 24h detection compares
// against a fresh baseline.
func (r *Runner) nightlyBatch(ctx context.Context) (string, error) {
	scopes := r.detector.scopes(ctx, 7*24*time.Hour)
	snapshots, alerts := 0, 0
	for _, w := range []models.WindowType{models.Window7d, models.Window24h} {
		s, a, err := r.snapshotScopes(ctx, w, scopes, w != models.Window7d)
		if err != nil {
			return "", err
		}
		snapshots += s
		alerts += a
	}

	pruned, err := r.db.Drift().PruneResolvedBefore(ctx, r.clock.Now().Add(-resolvedAlertRetention))
	if err != nil {
		return "", fmt.Errorf("prune resolved alerts: %w", err)
	}
	return jobSummary(map[string]any{
		"scopes":        len(scopes),
		"snapshots":     snapshots,
		"alerts":        alerts,
		"pruned_alerts": pruned,
	}), nil
}

func jobSummary(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
