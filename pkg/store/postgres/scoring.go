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

// ─── evaluations ───

type evaluationStore Store

const evaluationColumns = `id, session_id, event_ids, narrative, frictions_found, signals,
	composite_score, weights_used, tier, decision, gate_override, intervention_type,
	reasoning, engine, created_at`

func (s *evaluationStore) Create(ctx context.Context, e *models.Evaluation) error {
	signals, err := json.Marshal(e.Signals)
	if err != nil {
		return fmt.Errorf("failed to marshal signals: %w", err)
	}
	weights, err := json.Marshal(e.WeightsUsed)
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	// Array columns are NOT NULL; a nil slice would encode as NULL.
	eventIDs := e.EventIDs
	if eventIDs == nil {
		eventIDs = []string{}
	}
	frictions := e.FrictionsFound
	if frictions == nil {
		frictions = []string{}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO evaluations (`+evaluationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.SessionID, eventIDs, e.Narrative, frictions, signals,
		e.Composite, weights, e.Tier, e.Decision, e.GateOverride, e.InterventionType,
		e.Reasoning, e.Engine, e.CreatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create evaluation: %w", err)
	}
	return nil
}

func (s *evaluationStore) Get(ctx context.Context, id string) (*models.Evaluation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+evaluationColumns+` FROM evaluations WHERE id = $1`, id)
	e, err := scanEvaluation(row)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return e, nil
}

func (s *evaluationStore) ListRecent(ctx context.Context, sessionID string, limit int) ([]models.Evaluation, error) {
	q := `SELECT ` + evaluationColumns + ` FROM evaluations
		WHERE session_id = $1 ORDER BY created_at DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()
	var out []models.Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read evaluations: %w", err)
	}
	return out, nil
}

func scanEvaluation(row pgx.Row) (*models.Evaluation, error) {
	var (
		e       models.Evaluation
		signals []byte
		weights []byte
	)
	err := row.Scan(
		&e.ID, &e.SessionID, &e.EventIDs, &e.Narrative, &e.FrictionsFound, &signals,
		&e.Composite, &weights, &e.Tier, &e.Decision, &e.GateOverride, &e.InterventionType,
		&e.Reasoning, &e.Engine, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(signals, &e.Signals); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signals: %w", err)
	}
	if err := json.Unmarshal(weights, &e.WeightsUsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
	}
	return &e, nil
}

// ─── interventions ───

type interventionStore Store

const interventionColumns = `id, session_id, evaluation_id, type, action_code, friction_id,
	payload, score_at_fire, tier_at_fire, fired_at, status, delivered_at, dismissed_at,
	converted_at, ignored_at, conversion_action`

func (s *interventionStore) Create(ctx context.Context, iv *models.Intervention) error {
	payload, err := json.Marshal(iv.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO interventions (`+interventionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		iv.ID, iv.SessionID, iv.EvaluationID, iv.Type, iv.ActionCode, iv.FrictionID,
		payload, iv.ScoreAtFire, iv.TierAtFire, iv.Timestamp, iv.Status,
		iv.DeliveredAt, iv.DismissedAt, iv.ConvertedAt, iv.IgnoredAt, iv.ConversionAction,
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create intervention: %w", err)
	}
	return nil
}

func (s *interventionStore) Get(ctx context.Context, id string) (*models.Intervention, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+interventionColumns+` FROM interventions WHERE id = $1`, id)
	iv, err := scanIntervention(row)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return iv, nil
}

func (s *interventionStore) ListBySession(ctx context.Context, sessionID string) ([]models.Intervention, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+interventionColumns+` FROM interventions
		WHERE session_id = $1 ORDER BY fired_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list interventions: %w", err)
	}
	return scanInterventions(rows)
}

func (s *interventionStore) UpdateStatus(ctx context.Context, id string, status models.InterventionStatus, at time.Time, conversionAction string) (*models.Intervention, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var current models.InterventionStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM interventions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&current)
	if err != nil {
		return nil, mapNoRows(err)
	}
	if !current.CanTransitionTo(status) {
		return nil, store.ErrConflict
	}

	var stampColumn string
	switch status {
	case models.StatusDelivered:
		stampColumn = "delivered_at"
	case models.StatusDismissed:
		stampColumn = "dismissed_at"
	case models.StatusConverted:
		stampColumn = "converted_at"
	case models.StatusIgnored:
		stampColumn = "ignored_at"
	default:
		return nil, store.NewValidationError("status", "unknown status "+string(status))
	}
	if status != models.StatusConverted {
		conversionAction = ""
	}
	row := tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE interventions SET status = $2, %s = $3, conversion_action = $4
		WHERE id = $1
		RETURNING `+interventionColumns, stampColumn),
		id, status, at, conversionAction,
	)
	iv, err := scanIntervention(row)
	if err != nil {
		return nil, fmt.Errorf("failed to update intervention status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit status update: %w", err)
	}
	return iv, nil
}

func (s *interventionStore) ListTerminalBetween(ctx context.Context, from, to time.Time, siteURL *string) ([]models.Intervention, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixed("i", interventionColumns)+` FROM interventions i
		JOIN sessions s ON s.id = i.session_id
		WHERE i.status = ANY($1)
		  AND COALESCE(i.dismissed_at, i.converted_at, i.ignored_at) >= $2
		  AND COALESCE(i.dismissed_at, i.converted_at, i.ignored_at) < $3
		  AND ($4::text IS NULL OR s.site_url = $4)`,
		[]string{
			string(models.StatusDismissed),
			string(models.StatusConverted),
			string(models.StatusIgnored),
		},
		from, to, siteURL,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminal interventions: %w", err)
	}
	return scanInterventions(rows)
}

func scanIntervention(row pgx.Row) (*models.Intervention, error) {
	var (
		iv      models.Intervention
		payload []byte
	)
	err := row.Scan(
		&iv.ID, &iv.SessionID, &iv.EvaluationID, &iv.Type, &iv.ActionCode, &iv.FrictionID,
		&payload, &iv.ScoreAtFire, &iv.TierAtFire, &iv.Timestamp, &iv.Status,
		&iv.DeliveredAt, &iv.DismissedAt, &iv.ConvertedAt, &iv.IgnoredAt, &iv.ConversionAction,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &iv.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	return &iv, nil
}

func scanInterventions(rows pgx.Rows) ([]models.Intervention, error) {
	defer rows.Close()
	var out []models.Intervention
	for rows.Next() {
		iv, err := scanIntervention(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan intervention: %w", err)
		}
		out = append(out, *iv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read interventions: %w", err)
	}
	return out, nil
}

// ─── scoring configs ───

type scoringConfigStore Store

const scoringConfigColumns = `id, name, site_url, weights, thresholds, gates, is_active, created_at`

func (s *scoringConfigStore) Create(ctx context.Context, c *models.ScoringConfig) error {
	if err := c.Validate(); err != nil {
		return store.NewValidationError("scoring_config", err.Error())
	}
	weights, err := json.Marshal(c.Weights)
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	thresholds, err := json.Marshal(c.Thresholds)
	if err != nil {
		return fmt.Errorf("failed to marshal thresholds: %w", err)
	}
	gates, err := json.Marshal(c.Gates)
	if err != nil {
		return fmt.Errorf("failed to marshal gates: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scoring_configs (`+scoringConfigColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.Name, c.SiteURL, weights, thresholds, gates, c.IsActive, c.CreatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create scoring config: %w", err)
	}
	return nil
}

func (s *scoringConfigStore) Get(ctx context.Context, id string) (*models.ScoringConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+scoringConfigColumns+` FROM scoring_configs WHERE id = $1`, id)
	c, err := scanScoringConfig(row)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return c, nil
}

func (s *scoringConfigStore) List(ctx context.Context) ([]models.ScoringConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scoringConfigColumns+` FROM scoring_configs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scoring configs: %w", err)
	}
	defer rows.Close()
	var out []models.ScoringConfig
	for rows.Next() {
		c, err := scanScoringConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read scoring configs: %w", err)
	}
	return out, nil
}

func (s *scoringConfigStore) GetActive(ctx context.Context, siteURL *string) (*models.ScoringConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+scoringConfigColumns+` FROM scoring_configs
		WHERE is_active AND site_url IS NOT DISTINCT FROM $1`, siteURL)
	c, err := scanScoringConfig(row)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return c, nil
}

func (s *scoringConfigStore) Activate(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var siteURL *string
	err = tx.QueryRow(ctx,
		`SELECT site_url FROM scoring_configs WHERE id = $1 FOR UPDATE`, id,
	).Scan(&siteURL)
	if err != nil {
		return mapNoRows(err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE scoring_configs SET is_active = FALSE
		WHERE id <> $1 AND is_active AND site_url IS NOT DISTINCT FROM $2`,
		id, siteURL,
	); err != nil {
		return fmt.Errorf("failed to deactivate configs in scope: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE scoring_configs SET is_active = TRUE WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("failed to activate scoring config: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit activation: %w", err)
	}
	return nil
}

func (s *scoringConfigStore) UpdateWeights(ctx context.Context, id string, w models.Weights) error {
	if err := w.Validate(); err != nil {
		return store.NewValidationError("weights", err.Error())
	}
	weights, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE scoring_configs SET weights = $2 WHERE id = $1`, id, weights,
	)
	if err != nil {
		return fmt.Errorf("failed to update weights: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanScoringConfig(row pgx.Row) (*models.ScoringConfig, error) {
	var (
		c          models.ScoringConfig
		weights    []byte
		thresholds []byte
		gates      []byte
	)
	err := row.Scan(&c.ID, &c.Name, &c.SiteURL, &weights, &thresholds, &gates, &c.IsActive, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(weights, &c.Weights); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
	}
	if err := json.Unmarshal(thresholds, &c.Thresholds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal thresholds: %w", err)
	}
	if err := json.Unmarshal(gates, &c.Gates); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gates: %w", err)
	}
	return &c, nil
}
