package memory

import (
	"context"
	"sort"
	"time"

	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store"
)

// ─── experiments ───

type experimentStore Store

func (s *experimentStore) Create(_ context.Context, e *models.Experiment) error {
	if err := e.Validate(); err != nil {
		return store.NewValidationError("experiment", err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[e.ID]; ok {
		return store.ErrAlreadyExists
	}
	cp := *e
	cp.Variants = append([]models.Variant(nil), e.Variants...)
	s.experiments[e.ID] = &cp
	return nil
}

func (s *experimentStore) Get(_ context.Context, id string) (*models.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.experiments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	cp.Variants = append([]models.Variant(nil), e.Variants...)
	return &cp, nil
}

func (s *experimentStore) List(_ context.Context) ([]models.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Experiment, 0, len(s.experiments))
	for _, e := range s.experiments {
		cp := *e
		cp.Variants = append([]models.Variant(nil), e.Variants...)
		out = append(out, cp)
	}
	return out, nil
}

func (s *experimentStore) SetStatus(_ context.Context, id string, status models.ExperimentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.experiments[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Status = status
	return nil
}

func (s *experimentStore) GetRunning(_ context.Context, siteURL *string) (*models.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.experiments {
		if e.Status == models.ExperimentRunning && sameScope(e.SiteURL, siteURL) {
			cp := *e
			cp.Variants = append([]models.Variant(nil), e.Variants...)
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *experimentStore) GetAssignment(_ context.Context, experimentID, sessionID string) (*models.ExperimentAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[experimentID+"/"+sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *experimentStore) CreateAssignment(_ context.Context, a *models.ExperimentAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := a.ExperimentID + "/" + a.SessionID
	if _, ok := s.assignments[key]; ok {
		return store.ErrAlreadyExists
	}
	cp := *a
	s.assignments[key] = &cp
	return nil
}

// ─── shadow comparisons ───

type shadowStore Store

func (s *shadowStore) Create(_ context.Context, sc *models.ShadowComparison) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sc
	s.shadows = append(s.shadows, &cp)
	return nil
}

func (s *shadowStore) ListBetween(_ context.Context, from, to time.Time, siteURL *string) ([]models.ShadowComparison, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ShadowComparison
	for _, sc := range s.shadows {
		if sc.CreatedAt.Before(from) || !sc.CreatedAt.Before(to) {
			continue
		}
		if siteURL != nil && sc.SiteURL != *siteURL {
			continue
		}
		out = append(out, *sc)
	}
	return out, nil
}

func (s *shadowStore) DistinctSitesBetween(_ context.Context, from, to time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, sc := range s.shadows {
		if sc.CreatedAt.Before(from) || !sc.CreatedAt.Before(to) || sc.SiteURL == "" {
			continue
		}
		seen[sc.SiteURL] = true
	}
	sites := make([]string, 0, len(seen))
	for site := range seen {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return sites, nil
}

// ─── drift snapshots & alerts ───

type driftStore Store

func (s *driftStore) CreateSnapshot(_ context.Context, snap *models.DriftSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.snapshots = append(s.snapshots, &cp)
	return nil
}

func (s *driftStore) LatestSnapshot(_ context.Context, w models.WindowType, siteURL *string) (*models.DriftSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.DriftSnapshot
	for _, snap := range s.snapshots {
		if snap.WindowType != w || !sameScope(snap.SiteURL, siteURL) {
			continue
		}
		if latest == nil || snap.CreatedAt.After(latest.CreatedAt) {
			latest = snap
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *driftStore) CreateAlert(_ context.Context, a *models.DriftAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; ok {
		return store.ErrAlreadyExists
	}
	cp := *a
	s.alerts[a.ID] = &cp
	return nil
}

func (s *driftStore) FindUnresolvedAlert(_ context.Context, alertType string, w models.WindowType, siteURL *string, since time.Time) (*models.DriftAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.alerts {
		if a.AlertType != alertType || a.WindowType != w || !sameScope(a.SiteURL, siteURL) {
			continue
		}
		if a.ResolvedAt == nil && !a.CreatedAt.Before(since) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *driftStore) ListAlerts(_ context.Context, unresolvedOnly bool, limit int) ([]models.DriftAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.DriftAlert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if unresolvedOnly && a.ResolvedAt != nil {
			continue
		}
		out = append(out, *a)
	}
	sortAlertsNewest(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *driftStore) AcknowledgeAlert(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.Acknowledged = true
	return nil
}

func (s *driftStore) ResolveAlert(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return store.ErrNotFound
	}
	if a.ResolvedAt == nil {
		ts := at
		a.ResolvedAt = &ts
	}
	return nil
}

func (s *driftStore) PruneResolvedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, a := range s.alerts {
		if a.ResolvedAt != nil && a.ResolvedAt.Before(cutoff) {
			delete(s.alerts, id)
			n++
		}
	}
	return n, nil
}

// ─── training datapoints ───

type trainingStore Store

func (s *trainingStore) Create(_ context.Context, dp *models.TrainingDatapoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.datapoints[dp.InterventionID]; ok {
		return store.ErrAlreadyExists
	}
	cp := *dp
	cp.Events = append([]models.TrackEvent(nil), dp.Events...)
	s.datapoints[dp.InterventionID] = &cp
	return nil
}

func (s *trainingStore) GetByIntervention(_ context.Context, interventionID string) (*models.TrainingDatapoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dp, ok := s.datapoints[interventionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *dp
	return &cp, nil
}

func (s *trainingStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.datapoints), nil
}

// ─── job runs ───

type jobRunStore Store

func (s *jobRunStore) Create(_ context.Context, r *models.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobRuns[r.ID]; ok {
		return store.ErrAlreadyExists
	}
	cp := *r
	s.jobRuns[r.ID] = &cp
	s.jobRunOrder = append(s.jobRunOrder, r.ID)
	return nil
}

func (s *jobRunStore) Complete(_ context.Context, id, summary string, duration time.Duration) error {
	return s.finish(id, models.JobCompleted, summary, "", duration)
}

func (s *jobRunStore) Fail(_ context.Context, id, errorMessage string, duration time.Duration) error {
	return s.finish(id, models.JobFailed, "", errorMessage, duration)
}

func (s *jobRunStore) finish(id string, status models.JobStatus, summary, errMsg string, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobRuns[id]
	if !ok {
		return store.ErrNotFound
	}
	now := r.StartedAt.Add(duration)
	ms := duration.Milliseconds()
	r.Status = status
	r.CompletedAt = &now
	r.DurationMs = &ms
	r.Summary = summary
	r.ErrorMessage = errMsg
	return nil
}

func (s *jobRunStore) List(_ context.Context, jobName string, limit int) ([]models.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.JobRun, 0, limit)
	for i := len(s.jobRunOrder) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		r := s.jobRuns[s.jobRunOrder[i]]
		if jobName != "" && r.JobName != jobName {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (s *jobRunStore) FailRunning(_ context.Context, errorMessage string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.jobRuns {
		if r.Status == models.JobRunning {
			r.Status = models.JobFailed
			r.ErrorMessage = errorMessage
			n++
		}
	}
	return n, nil
}
