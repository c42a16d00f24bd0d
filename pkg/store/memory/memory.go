// Package memory is a process-local implementation of the store
// capability. It backs unit tests and the zero-dependency dev mode; the
// production deployment uses pkg/store/postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store"
)

// Store holds every entity in maps guarded by a single mutex. Operations
// copy records on the way in and out so callers never share memory with
// the store.
type Store struct {
	mu sync.RWMutex

	sessions      map[string]*models.Session
	events        map[string]*models.TrackEvent
	sessionEvents map[string][]string // session id → event ids, receipt order
	evaluations   map[string]*models.Evaluation
	evalOrder     map[string][]string // session id → evaluation ids, oldest first
	interventions map[string]*models.Intervention
	ivOrder       map[string][]string
	configs       map[string]*models.ScoringConfig
	experiments   map[string]*models.Experiment
	assignments   map[string]*models.ExperimentAssignment // expID+"/"+sessionID
	shadows       []*models.ShadowComparison
	snapshots     []*models.DriftSnapshot
	alerts        map[string]*models.DriftAlert
	datapoints    map[string]*models.TrainingDatapoint // keyed by intervention id
	jobRuns       map[string]*models.JobRun
	jobRunOrder   []string
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions:      make(map[string]*models.Session),
		events:        make(map[string]*models.TrackEvent),
		sessionEvents: make(map[string][]string),
		evaluations:   make(map[string]*models.Evaluation),
		evalOrder:     make(map[string][]string),
		interventions: make(map[string]*models.Intervention),
		ivOrder:       make(map[string][]string),
		configs:       make(map[string]*models.ScoringConfig),
		experiments:   make(map[string]*models.Experiment),
		assignments:   make(map[string]*models.ExperimentAssignment),
		alerts:        make(map[string]*models.DriftAlert),
		datapoints:    make(map[string]*models.TrainingDatapoint),
		jobRuns:       make(map[string]*models.JobRun),
	}
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

// ─── sessions ───

type sessionStore Store

func (s *sessionStore) Create(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return store.ErrAlreadyExists
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *sessionStore) Get(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *sessionStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if sess.Status == models.SessionEnded {
		return nil
	}
	sess.LastActivityAt = at
	sess.Status = models.SessionActive
	return nil
}

func (s *sessionStore) Increment(_ context.Context, id string, c store.Counter, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	switch c {
	case store.CounterInterventionsFired:
		sess.InterventionsFired += delta
	case store.CounterDismissals:
		sess.Dismissals += delta
	case store.CounterConversions:
		sess.Conversions += delta
	case store.CounterPageViews:
		sess.PageViews += delta
	default:
		return store.NewValidationError("counter", "unknown counter "+string(c))
	}
	return nil
}

func (s *sessionStore) UpdateCart(_ context.Context, id string, value float64, itemCount int) error {
	if itemCount < 0 {
		return store.NewValidationError("cart.item_count", "must be non-negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.CartValue = value
	sess.CartItemCount = itemCount
	return nil
}

func (s *sessionStore) RecordEntry(_ context.Context, id, entryPage, utmSource, utmMedium, utmCampaign string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if sess.EntryPage != "" {
		return nil
	}
	sess.EntryPage = entryPage
	sess.UTMSource = utmSource
	sess.UTMMedium = utmMedium
	sess.UTMCampaign = utmCampaign
	return nil
}

func (s *sessionStore) RecordExit(_ context.Context, id, exitPage string, addTimeMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if exitPage != "" {
		sess.ExitPage = exitPage
	}
	if addTimeMs > 0 {
		sess.TotalTimeOnSiteMs += addTimeMs
	}
	return nil
}

func (s *sessionStore) End(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if sess.Status == models.SessionEnded {
		return nil
	}
	sess.Status = models.SessionEnded
	ended := at
	sess.EndedAt = &ended
	return nil
}

func (s *sessionStore) MarkIdleBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.Status == models.SessionActive && sess.LastActivityAt.Before(cutoff) {
			sess.Status = models.SessionIdle
			n++
		}
	}
	return n, nil
}

func (s *sessionStore) EndIdleBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.Status != models.SessionEnded && sess.LastActivityAt.Before(cutoff) {
			sess.Status = models.SessionEnded
			ended := cutoff
			sess.EndedAt = &ended
			n++
		}
	}
	return n, nil
}

// ─── events ───

type eventStore Store

func (s *eventStore) Create(_ context.Context, ev *models.TrackEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; ok {
		return store.ErrAlreadyExists
	}
	cp := *ev
	s.events[ev.ID] = &cp
	s.sessionEvents[ev.SessionID] = append(s.sessionEvents[ev.SessionID], ev.ID)
	return nil
}

func (s *eventStore) GetByIDs(_ context.Context, ids []string) ([]models.TrackEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TrackEvent, 0, len(ids))
	for _, id := range ids {
		if ev, ok := s.events[id]; ok {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (s *eventStore) ListBySession(_ context.Context, sessionID string, limit int) ([]models.TrackEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.sessionEvents[sessionID]
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	out := make([]models.TrackEvent, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.events[id])
	}
	return out, nil
}

func (s *eventStore) CountBySession(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessionEvents[sessionID]), nil
}

// sortAlertsNewest orders alerts newest first; shared by drift listing.
func sortAlertsNewest(alerts []models.DriftAlert) {
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
}
