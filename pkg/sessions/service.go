// Package sessions resolves visitor keys to authoritative session records
// and expires idle sessions in the background.
package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/engagekit/engage/pkg/clock"
	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/store"
)

const (
	// CacheTTL is how long a visitorKey → session binding stays valid
	// without activity.
	CacheTTL = 30 * time.Minute

	// SweepInterval is how often the background sweeper advances idle
	// sessions through the lifecycle.
	SweepInterval = 5 * time.Minute

	// IdleAfter is the inactivity span after which a session is marked
	// idle. A later touch revives it.
	IdleAfter = 10 * time.Minute

	// IdleTimeout is the inactivity span after which a session is ended.
	IdleTimeout = 30 * time.Minute
)

// cacheEntry binds a visitor key to its live session.
type cacheEntry struct {
	sessionID    string
	lastActivity time.Time
}

// Meta carries the connection-level attributes a track frame asserts about
// its visitor.
type Meta struct {
	VisitorID       string
	SiteURL         string
	DeviceType      models.DeviceType
	ReferrerType    models.ReferrerType
	IsLoggedIn      bool
	IsRepeatVisitor bool
}

// Service is the session store facade: cached resolution plus the idle
// sweeper.
type Service struct {
	sessions store.SessionStore
	clock    clock.Clock
	logger   *slog.Logger

	// group serializes concurrent resolutions of the same visitor key, so
	// a first-contact burst cannot create duplicate sessions while the
	// winning Create is still in flight against the store.
	group singleflight.Group

	mu    sync.Mutex
	cache map[string]*cacheEntry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates the session service. Call Start to run the sweeper.
func NewService(sessions store.SessionStore, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{
		sessions: sessions,
		clock:    clk,
		logger:   logger.With("component", "session_service"),
		cache:    make(map[string]*cacheEntry),
		stopCh:   make(chan struct{}),
	}
}

// GetOrCreate resolves the visitor key to its session, creating a new
// session when the key is unknown, stale, or its session has ended.
// Concurrent calls for the same key share one resolution.
func (s *Service) GetOrCreate(ctx context.Context, visitorKey string, meta Meta) (*models.Session, error) {
	v, err, _ := s.group.Do(visitorKey, func() (any, error) {
		return s.resolve(ctx, visitorKey, meta)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Session), nil
}

func (s *Service) resolve(ctx context.Context, visitorKey string, meta Meta) (*models.Session, error) {
	now := s.clock.Now()

	s.mu.Lock()
	entry, ok := s.cache[visitorKey]
	if ok && now.Sub(entry.lastActivity) < CacheTTL {
		entry.lastActivity = now
		sessionID := entry.sessionID
		s.mu.Unlock()

		session, err := s.sessions.Get(ctx, sessionID)
		if err == nil && session.Status != models.SessionEnded {
			if err := s.sessions.Touch(ctx, sessionID, now); err != nil {
				s.logger.Warn("Session touch failed", "session_id", sessionID, "error", err)
			}
			session.Status = models.SessionActive
			session.LastActivityAt = now
			return session, nil
		}
		// Ended or missing underneath the cache: fall through and
		// create a replacement.
		s.mu.Lock()
	}
	s.mu.Unlock()

	session := &models.Session{
		ID:              uuid.New().String(),
		VisitorID:       meta.VisitorID,
		SiteURL:         meta.SiteURL,
		DeviceType:      meta.DeviceType,
		ReferrerType:    meta.ReferrerType,
		IsLoggedIn:      meta.IsLoggedIn,
		IsRepeatVisitor: meta.IsRepeatVisitor,
		StartedAt:       now,
		LastActivityAt:  now,
		Status:          models.SessionActive,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[visitorKey] = &cacheEntry{sessionID: session.ID, lastActivity: now}
	s.mu.Unlock()

	s.logger.Info("Session created", "session_id", session.ID, "site_url", meta.SiteURL)
	return session, nil
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Session, error) {
	return s.sessions.Get(ctx, id)
}

// Start launches the idle sweeper.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.sweepLoop()
	s.logger.Info("Session sweeper started", "interval", SweepInterval, "idle_timeout", IdleTimeout)
}

// Stop terminates the sweeper and waits for it to exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Sweep marks inactive sessions idle, ends sessions idle past the timeout,
// and evicts stale cache entries. Exposed for deterministic tests.
func (s *Service) Sweep(ctx context.Context) {
	now := s.clock.Now()

	idled, err := s.sessions.MarkIdleBefore(ctx, now.Add(-IdleAfter))
	if err != nil {
		s.logger.Error("Idle mark failed", "error", err)
		return
	}
	ended, err := s.sessions.EndIdleBefore(ctx, now.Add(-IdleTimeout))
	if err != nil {
		s.logger.Error("Idle sweep failed", "error", err)
		return
	}
	if idled > 0 || ended > 0 {
		s.logger.Info("Idle sweep", "marked_idle", idled, "ended", ended)
	}

	s.mu.Lock()
	for key, entry := range s.cache {
		if now.Sub(entry.lastActivity) >= CacheTTL {
			delete(s.cache, key)
		}
	}
	s.mu.Unlock()
}
