package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store"
)

// ─── experiments ───

type experimentStore Store

const experimentColumns = `id, name, site_url, status, traffic_percent, variants,
	primary_metric, min_sample_size, created_at`

func (s *experimentStore) Create(ctx context.Context, e *models.Experiment) error {
	if err := e.Validate(); err != nil {
		return store.NewValidationError("experiment", err.Error())
	}
	variants, err := json.Marshal(e.Variants)
	if err != nil {
		return fmt.Errorf("failed to marshal variants: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO experiments (`+experimentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Name, e.SiteURL, e.Status, e.TrafficPercent, variants,
		e.PrimaryMetric, e.MinSampleSize, e.CreatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create experiment: %w", err)
	}
	return nil
}

func (s *experimentStore) Get(ctx context.Context, id string) (*models.Experiment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+experimentColumns+` FROM experiments WHERE id = $1`, id)
	e, err := scanExperiment(row)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return e, nil
}

func (s *experimentStore) List(ctx context.Context) ([]models.Experiment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+experimentColumns+` FROM experiments ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()
	var out []models.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read experiments: %w", err)
	}
	return out, nil
}

func (s *experimentStore) SetStatus(ctx context.Context, id string, status models.ExperimentStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE experiments SET status = $2 WHERE id = $1`, id, status,
	)
	if err != nil {
		return fmt.Errorf("failed to set experiment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *experimentStore) GetRunning(ctx context.Context, siteURL *string) (*models.Experiment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+experimentColumns+` FROM experiments
		WHERE status = $1 AND site_url IS NOT DISTINCT FROM $2`,
		models.ExperimentRunning, siteURL)
	e, err := scanExperiment(row)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return e, nil
}

func (s *experimentStore) GetAssignment(ctx context.Context, experimentID, sessionID string) (*models.ExperimentAssignment, error) {
	var a models.ExperimentAssignment
	err := s.pool.QueryRow(ctx, `
		SELECT experiment_id, session_id, variant_id, assigned_at
		FROM experiment_assignments WHERE experiment_id = $1 AND session_id = $2`,
		experimentID, sessionID,
	).Scan(&a.ExperimentID, &a.SessionID, &a.VariantID, &a.AssignedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &a, nil
}

func (s *experimentStore) CreateAssignment(ctx context.Context, a *models.ExperimentAssignment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO experiment_assignments (experiment_id, session_id, variant_id, assigned_at)
		VALUES ($1, $2, $3, $4)`,
		a.ExperimentID, a.SessionID, a.VariantID, a.AssignedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create assignment: %w", err)
	}
	return nil
}

func scanExperiment(row pgx.Row) (*models.Experiment, error) {
	var (
		e        models.Experiment
		variants []byte
	)
	err := row.Scan(&e.ID, &e.Name, &e.SiteURL, &e.Status, &e.TrafficPercent, &variants,
		&e.PrimaryMetric, &e.MinSampleSize, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(variants, &e.Variants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal variants: %w", err)
	}
	return &e, nil
}

// ─── shadow comparisons ───

type shadowStore Store

const shadowColumns = `id, session_id, evaluation_id, prod_signals, shadow_signals,
	prod_composite, shadow_composite, composite_divergence, prod_tier, shadow_tier,
	prod_decision, shadow_decision, tier_match, decision_match, gate_match,
	context_snapshot, site_url, created_at`

func (s *shadowStore) Create(ctx context.Context, sc *models.ShadowComparison) error {
	prodSignals, err := json.Marshal(sc.ProdSignals)
	if err != nil {
		return fmt.Errorf("failed to marshal prod signals: %w", err)
	}
	shadowSignals, err := json.Marshal(sc.ShadowSignals)
	if err != nil {
		return fmt.Errorf("failed to marshal shadow signals: %w", err)
	}
	var snapshot []byte
	if sc.ContextSnapshot != nil {
		if snapshot, err = json.Marshal(sc.ContextSnapshot); err != nil {
			return fmt.Errorf("failed to marshal context snapshot: %w", err)
		}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO shadow_comparisons (`+shadowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		sc.ID, sc.SessionID, sc.EvaluationID, prodSignals, shadowSignals,
		sc.ProdComposite, sc.ShadowComposite, sc.CompositeDivergence, sc.ProdTier, sc.ShadowTier,
		sc.ProdDecision, sc.ShadowDecision, sc.TierMatch, sc.DecisionMatch, sc.GateMatch,
		snapshot, sc.SiteURL, sc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create shadow comparison: %w", err)
	}
	return nil
}

func (s *shadowStore) ListBetween(ctx context.Context, from, to time.Time, siteURL *string) ([]models.ShadowComparison, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+shadowColumns+` FROM shadow_comparisons
		WHERE created_at >= $1 AND created_at < $2
		  AND ($3::text IS NULL OR site_url = $3)`,
		from, to, siteURL,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list shadow comparisons: %w", err)
	}
	defer rows.Close()
	var out []models.ShadowComparison
	for rows.Next() {
		var (
			sc            models.ShadowComparison
			prodSignals   []byte
			shadowSignals []byte
			snapshot      []byte
		)
		if err := rows.Scan(
			&sc.ID, &sc.SessionID, &sc.EvaluationID, &prodSignals, &shadowSignals,
			&sc.ProdComposite, &sc.ShadowComposite, &sc.CompositeDivergence, &sc.ProdTier, &sc.ShadowTier,
			&sc.ProdDecision, &sc.ShadowDecision, &sc.TierMatch, &sc.DecisionMatch, &sc.GateMatch,
			&snapshot, &sc.SiteURL, &sc.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan shadow comparison: %w", err)
		}
		if err := json.Unmarshal(prodSignals, &sc.ProdSignals); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prod signals: %w", err)
		}
		if err := json.Unmarshal(shadowSignals, &sc.ShadowSignals); err != nil {
			return nil, fmt.Errorf("failed to unmarshal shadow signals: %w", err)
		}
		if len(snapshot) > 0 {
			if err := json.Unmarshal(snapshot, &sc.ContextSnapshot); err != nil {
				return nil, fmt.Errorf("failed to unmarshal context snapshot: %w", err)
			}
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read shadow comparisons: %w", err)
	}
	return out, nil
}

func (s *shadowStore) DistinctSitesBetween(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT site_url FROM shadow_comparisons
		WHERE created_at >= $1 AND created_at < $2 AND site_url <> ''
		ORDER BY site_url`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list shadow sites: %w", err)
	}
	defer rows.Close()
	var sites []string
	for rows.Next() {
		var site string
		if err := rows.Scan(&site); err != nil {
			return nil, fmt.Errorf("failed to scan site url: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read shadow sites: %w", err)
	}
	return sites, nil
}

// ─── drift snapshots & alerts ───

type driftStore Store

const driftSnapshotColumns = `id, window_type, site_url, sample_count, tier_agreement_rate,
	decision_agreement_rate, avg_composite_divergence, converted_signal_means,
	dismissed_signal_means, converted_count, dismissed_count, conversion_rate,
	dismissal_rate, created_at`

const driftAlertColumns = `id, alert_type, severity, window_type, site_url, metric,
	expected, actual, message, acknowledged, resolved_at, created_at`

func (s *driftStore) CreateSnapshot(ctx context.Context, snap *models.DriftSnapshot) error {
	converted, err := json.Marshal(snap.ConvertedSignalMeans)
	if err != nil {
		return fmt.Errorf("failed to marshal converted means: %w", err)
	}
	dismissed, err := json.Marshal(snap.DismissedSignalMeans)
	if err != nil {
		return fmt.Errorf("failed to marshal dismissed means: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO drift_snapshots (`+driftSnapshotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		snap.ID, snap.WindowType, snap.SiteURL, snap.SampleCount, snap.TierAgreementRate,
		snap.DecisionAgreementRate, snap.AvgCompositeDivergence, converted,
		dismissed, snap.ConvertedCount, snap.DismissedCount, snap.ConversionRate,
		snap.DismissalRate, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create drift snapshot: %w", err)
	}
	return nil
}

func (s *driftStore) LatestSnapshot(ctx context.Context, w models.WindowType, siteURL *string) (*models.DriftSnapshot, error) {
	var (
		snap      models.DriftSnapshot
		converted []byte
		dismissed []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT `+driftSnapshotColumns+` FROM drift_snapshots
		WHERE window_type = $1 AND site_url IS NOT DISTINCT FROM $2
		ORDER BY created_at DESC LIMIT 1`, w, siteURL,
	).Scan(
		&snap.ID, &snap.WindowType, &snap.SiteURL, &snap.SampleCount, &snap.TierAgreementRate,
		&snap.DecisionAgreementRate, &snap.AvgCompositeDivergence, &converted,
		&dismissed, &snap.ConvertedCount, &snap.DismissedCount, &snap.ConversionRate,
		&snap.DismissalRate, &snap.CreatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	if err := json.Unmarshal(converted, &snap.ConvertedSignalMeans); err != nil {
		return nil, fmt.Errorf("failed to unmarshal converted means: %w", err)
	}
	if err := json.Unmarshal(dismissed, &snap.DismissedSignalMeans); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dismissed means: %w", err)
	}
	return &snap, nil
}

func (s *driftStore) CreateAlert(ctx context.Context, a *models.DriftAlert) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO drift_alerts (`+driftAlertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.AlertType, a.Severity, a.WindowType, a.SiteURL, a.Metric,
		a.Expected, a.Actual, a.Message, a.Acknowledged, a.ResolvedAt, a.CreatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create drift alert: %w", err)
	}
	return nil
}

func (s *driftStore) FindUnresolvedAlert(ctx context.Context, alertType string, w models.WindowType, siteURL *string, since time.Time) (*models.DriftAlert, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+driftAlertColumns+` FROM drift_alerts
		WHERE alert_type = $1 AND window_type = $2 AND site_url IS NOT DISTINCT FROM $3
		  AND resolved_at IS NULL AND created_at >= $4
		ORDER BY created_at DESC LIMIT 1`,
		alertType, w, siteURL, since)
	a, err := scanDriftAlert(row)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return a, nil
}

func (s *driftStore) ListAlerts(ctx context.Context, unresolvedOnly bool, limit int) ([]models.DriftAlert, error) {
	q := `SELECT ` + driftAlertColumns + ` FROM drift_alerts`
	if unresolvedOnly {
		q += ` WHERE resolved_at IS NULL`
	}
	q += ` ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list drift alerts: %w", err)
	}
	defer rows.Close()
	var out []models.DriftAlert
	for rows.Next() {
		a, err := scanDriftAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read drift alerts: %w", err)
	}
	return out, nil
}

func (s *driftStore) AcknowledgeAlert(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE drift_alerts SET acknowledged = TRUE WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *driftStore) ResolveAlert(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE drift_alerts SET resolved_at = $2
		WHERE id = $1 AND resolved_at IS NULL`, id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Resolving an already resolved alert is a no-op.
		var one int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM drift_alerts WHERE id = $1`, id).Scan(&one)
		return mapNoRows(err)
	}
	return nil
}

func (s *driftStore) PruneResolvedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM drift_alerts WHERE resolved_at IS NOT NULL AND resolved_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune resolved alerts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanDriftAlert(row pgx.Row) (*models.DriftAlert, error) {
	var a models.DriftAlert
	err := row.Scan(
		&a.ID, &a.AlertType, &a.Severity, &a.WindowType, &a.SiteURL, &a.Metric,
		&a.Expected, &a.Actual, &a.Message, &a.Acknowledged, &a.ResolvedAt, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ─── training datapoints ───

type trainingStore Store

const trainingColumns = `id, intervention_id, session_id, evaluation_id, session_snapshot,
	events, signals, composite_score, tier, decision, gate_override, narrative, frictions,
	intervention_type, engine, outcome, conversion_action, outcome_delay_ms,
	quality_flags, created_at`

func (s *trainingStore) Create(ctx context.Context, dp *models.TrainingDatapoint) error {
	snapshot, err := json.Marshal(dp.SessionSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal session snapshot: %w", err)
	}
	events, err := json.Marshal(dp.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	signals, err := json.Marshal(dp.Signals)
	if err != nil {
		return fmt.Errorf("failed to marshal signals: %w", err)
	}
	quality, err := json.Marshal(dp.Quality)
	if err != nil {
		return fmt.Errorf("failed to marshal quality flags: %w", err)
	}
	// frictions is a NOT NULL array column; a nil slice would encode as NULL.
	frictions := dp.Frictions
	if frictions == nil {
		frictions = []string{}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO training_datapoints (`+trainingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		dp.ID, dp.InterventionID, dp.SessionID, dp.EvaluationID, snapshot,
		events, signals, dp.Composite, dp.Tier, dp.Decision, dp.GateOverride, dp.Narrative,
		frictions, dp.InterventionType, dp.Engine, dp.Outcome, dp.ConversionAction,
		dp.OutcomeDelayMs, quality, dp.CreatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create training datapoint: %w", err)
	}
	return nil
}

func (s *trainingStore) GetByIntervention(ctx context.Context, interventionID string) (*models.TrainingDatapoint, error) {
	var (
		dp       models.TrainingDatapoint
		snapshot []byte
		events   []byte
		signals  []byte
		quality  []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT `+trainingColumns+` FROM training_datapoints WHERE intervention_id = $1`,
		interventionID,
	).Scan(
		&dp.ID, &dp.InterventionID, &dp.SessionID, &dp.EvaluationID, &snapshot,
		&events, &signals, &dp.Composite, &dp.Tier, &dp.Decision, &dp.GateOverride, &dp.Narrative,
		&dp.Frictions, &dp.InterventionType, &dp.Engine, &dp.Outcome, &dp.ConversionAction,
		&dp.OutcomeDelayMs, &quality, &dp.CreatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	if err := json.Unmarshal(snapshot, &dp.SessionSnapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session snapshot: %w", err)
	}
	if err := json.Unmarshal(events, &dp.Events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal events: %w", err)
	}
	if err := json.Unmarshal(signals, &dp.Signals); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signals: %w", err)
	}
	if err := json.Unmarshal(quality, &dp.Quality); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quality flags: %w", err)
	}
	return &dp, nil
}

func (s *trainingStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM training_datapoints`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count training datapoints: %w", err)
	}
	return n, nil
}

// ─── job runs ───

type jobRunStore Store

const jobRunColumns = `id, job_name, status, started_at, completed_at, duration_ms,
	summary, error_message, triggered_by`

func (s *jobRunStore) Create(ctx context.Context, r *models.JobRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_runs (`+jobRunColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.JobName, r.Status, r.StartedAt, r.CompletedAt, r.DurationMs,
		r.Summary, r.ErrorMessage, r.TriggeredBy,
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create job run: %w", err)
	}
	return nil
}

func (s *jobRunStore) Complete(ctx context.Context, id, summary string, duration time.Duration) error {
	return s.finish(ctx, id, models.JobCompleted, summary, "", duration)
}

func (s *jobRunStore) Fail(ctx context.Context, id, errorMessage string, duration time.Duration) error {
	return s.finish(ctx, id, models.JobFailed, "", errorMessage, duration)
}

func (s *jobRunStore) finish(ctx context.Context, id string, status models.JobStatus, summary, errMsg string, duration time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_runs SET status = $2, summary = $3, error_message = $4,
			duration_ms = $5, completed_at = started_at + make_interval(secs => $6)
		WHERE id = $1`,
		id, status, summary, errMsg, duration.Milliseconds(), duration.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to finish job run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *jobRunStore) List(ctx context.Context, jobName string, limit int) ([]models.JobRun, error) {
	q := `SELECT ` + jobRunColumns + ` FROM job_runs
		WHERE ($1 = '' OR job_name = $1) ORDER BY started_at DESC`
	args := []any{jobName}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list job runs: %w", err)
	}
	defer rows.Close()
	var out []models.JobRun
	for rows.Next() {
		var r models.JobRun
		if err := rows.Scan(
			&r.ID, &r.JobName, &r.Status, &r.StartedAt, &r.CompletedAt, &r.DurationMs,
			&r.Summary, &r.ErrorMessage, &r.TriggeredBy,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read job runs: %w", err)
	}
	return out, nil
}

func (s *jobRunStore) FailRunning(ctx context.Context, errorMessage string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_runs SET status = $1, error_message = $2
		WHERE status = $3`,
		models.JobFailed, errorMessage, models.JobRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail running jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
