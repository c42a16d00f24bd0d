package memory

import (
	"context"
	"time"

	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store"
)

// ─── evaluations ───

type evaluationStore Store

func (s *evaluationStore) Create(_ context.Context, e *models.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.evaluations[e.ID]; ok {
		return store.ErrAlreadyExists
	}
	cp := *e
	cp.EventIDs = append([]string(nil), e.EventIDs...)
	cp.FrictionsFound = append([]string(nil), e.FrictionsFound...)
	s.evaluations[e.ID] = &cp
	s.evalOrder[e.SessionID] = append(s.evalOrder[e.SessionID], e.ID)
	return nil
}

func (s *evaluationStore) Get(_ context.Context, id string) (*models.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.evaluations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *evaluationStore) ListRecent(_ context.Context, sessionID string, limit int) ([]models.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.evalOrder[sessionID]
	out := make([]models.Evaluation, 0, limit)
	for i := len(ids) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, *s.evaluations[ids[i]])
	}
	return out, nil
}

// ─── interventions ───

type interventionStore Store

func (s *interventionStore) Create(_ context.Context, iv *models.Intervention) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.interventions[iv.ID]; ok {
		return store.ErrAlreadyExists
	}
	cp := *iv
	s.interventions[iv.ID] = &cp
	s.ivOrder[iv.SessionID] = append(s.ivOrder[iv.SessionID], iv.ID)
	return nil
}

func (s *interventionStore) Get(_ context.Context, id string) (*models.Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	iv, ok := s.interventions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *iv
	return &cp, nil
}

func (s *interventionStore) ListBySession(_ context.Context, sessionID string) ([]models.Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.ivOrder[sessionID]
	out := make([]models.Intervention, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, *s.interventions[ids[i]])
	}
	return out, nil
}

func (s *interventionStore) UpdateStatus(_ context.Context, id string, status models.InterventionStatus, at time.Time, conversionAction string) (*models.Intervention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iv, ok := s.interventions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !iv.Status.CanTransitionTo(status) {
		return nil, store.ErrConflict
	}
	iv.Status = status
	ts := at
	switch status {
	case models.StatusDelivered:
		iv.DeliveredAt = &ts
	case models.StatusDismissed:
		iv.DismissedAt = &ts
	case models.StatusConverted:
		iv.ConvertedAt = &ts
		iv.ConversionAction = conversionAction
	case models.StatusIgnored:
		iv.IgnoredAt = &ts
	}
	cp := *iv
	return &cp, nil
}

func (s *interventionStore) ListTerminalBetween(_ context.Context, from, to time.Time, siteURL *string) ([]models.Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Intervention
	for _, iv := range s.interventions {
		outcome := iv.OutcomeAt()
		if outcome == nil || outcome.Before(from) || !outcome.Before(to) {
			continue
		}
		if siteURL != nil {
			sess, ok := s.sessions[iv.SessionID]
			if !ok || sess.SiteURL != *siteURL {
				continue
			}
		}
		out = append(out, *iv)
	}
	return out, nil
}

// ─── scoring configs ───

type scoringConfigStore Store

func (s *scoringConfigStore) Create(_ context.Context, c *models.ScoringConfig) error {
	if err := c.Validate(); err != nil {
		return store.NewValidationError("scoring_config", err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[c.ID]; ok {
		return store.ErrAlreadyExists
	}
	cp := *c
	s.configs[c.ID] = &cp
	return nil
}

func (s *scoringConfigStore) Get(_ context.Context, id string) (*models.ScoringConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *scoringConfigStore) List(_ context.Context) ([]models.ScoringConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ScoringConfig, 0, len(s.configs))
	for _, c := range s.configs {
		out = append(out, *c)
	}
	return out, nil
}

func (s *scoringConfigStore) GetActive(_ context.Context, siteURL *string) (*models.ScoringConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.configs {
		if c.IsActive && sameScope(c.SiteURL, siteURL) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *scoringConfigStore) Activate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.configs[id]
	if !ok {
		return store.ErrNotFound
	}
	for _, c := range s.configs {
		if c.ID != id && c.IsActive && sameScope(c.SiteURL, target.SiteURL) {
			c.IsActive = false
		}
	}
	target.IsActive = true
	return nil
}

func (s *scoringConfigStore) UpdateWeights(_ context.Context, id string, w models.Weights) error {
	if err := w.Validate(); err != nil {
		return store.NewValidationError("weights", err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Weights = w
	return nil
}

func sameScope(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
