// Package postgres implements the store capability on PostgreSQL via pgx.
// Schema is managed by the embedded migrations in pkg/database; every
// query here assumes the migrated schema.
package postgres

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/engagekit/engage/pkg/store"
)

// Store is the PostgreSQL-backed store aggregate. All per-entity stores
// share one pgxpool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store over an existing connection pool. The caller owns
// the pool's lifecycle.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ store.Store = (*Store)(nil)

// Sessions returns the session store.
func (s *Store) Sessions() store.SessionStore { return (*sessionStore)(s) }

// Events returns the event store.
func (s *Store) Events() store.EventStore { return (*eventStore)(s) }

// Evaluations returns the evaluation store.
func (s *Store) Evaluations() store.EvaluationStore { return (*evaluationStore)(s) }

// Interventions returns the intervention store.
func (s *Store) Interventions() store.InterventionStore { return (*interventionStore)(s) }

// ScoringConfigs returns the scoring config store.
func (s *Store) ScoringConfigs() store.ScoringConfigStore { return (*scoringConfigStore)(s) }

// Experiments returns the experiment store.
func (s *Store) Experiments() store.ExperimentStore { return (*experimentStore)(s) }

// Shadows returns the shadow comparison store.
func (s *Store) Shadows() store.ShadowStore { return (*shadowStore)(s) }

// Drift returns the drift store.
func (s *Store) Drift() store.DriftStore { return (*driftStore)(s) }

// Training returns the training datapoint store.
func (s *Store) Training() store.TrainingStore { return (*trainingStore)(s) }

// JobRuns returns the job run store.
func (s *Store) JobRuns() store.JobRunStore { return (*jobRunStore)(s) }

// uniqueViolation is the PostgreSQL error code for unique constraint
// violations; mapped to store.ErrAlreadyExists at insert sites.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// mapNoRows converts pgx.ErrNoRows into the store's sentinel.
func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// prefixed qualifies every name in a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
