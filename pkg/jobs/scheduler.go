package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/engagekit/engage/pkg/config"
)

// Scheduler interval defaults.
const (
	DefaultDriftCheckInterval    = 15 * time.Minute
	DefaultRolloutHealthInterval = 30 * time.Minute
	defaultNightlyBatchAt        = "02:00"
)

// Scheduler drives the periodic jobs. The interval jobs tick on fixed
// periods; the nightly batch fires once a day at a configured UTC time.
type Scheduler struct {
	runner *Runner
	cfg    config.JobsConfig
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewScheduler(runner *Runner, cfg config.JobsConfig, logger *slog.Logger) *Scheduler {
	if cfg.DriftCheckInterval <= 0 {
		cfg.DriftCheckInterval = DefaultDriftCheckInterval
	}
	if cfg.RolloutHealthInterval <= 0 {
		cfg.RolloutHealthInterval = DefaultRolloutHealthInterval
	}
	if cfg.NightlyBatchAt == "" {
		cfg.NightlyBatchAt = defaultNightlyBatchAt
	}
	return &Scheduler{
		runner: runner,
		cfg:    cfg,
		logger: logger.With("component", "job_scheduler"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the scheduling loops. A second call is a no-op.
func (s *Scheduler) Start() {
	if s.cfg.DisableScheduler {
		s.logger.Info("Scheduler disabled by config")
		return
	}
	s.wg.Add(3)
	go s.tickLoop(JobDriftCheck, s.cfg.DriftCheckInterval)
	go s.tickLoop(JobRolloutHealth, s.cfg.RolloutHealthInterval)
	go s.nightlyLoop()
	s.logger.Info("Scheduler started",
		"drift_check_interval", s.cfg.DriftCheckInterval,
		"rollout_health_interval", s.cfg.RolloutHealthInterval,
		"nightly_batch_at", s.cfg.NightlyBatchAt)
}

// Stop signals the loops to exit and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) tickLoop(jobName string, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.trigger(jobName)
		}
	}
}

func (s *Scheduler) nightlyLoop() {
	defer s.wg.Done()
	for {
		wait, err := untilNext(s.cfg.NightlyBatchAt, time.Now().UTC())
		if err != nil {
			s.logger.Error("Invalid nightly_batch_at, nightly batch disabled",
				"value", s.cfg.NightlyBatchAt, "error", err)
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			s.trigger(JobNightlyBatch)
		}
	}
}

func (s *Scheduler) trigger(jobName string) {
	if _, err := s.runner.Run(context.Background(), jobName, "scheduler"); err != nil {
		s.logger.Warn("Scheduled run skipped", "job", jobName, "error", err)
	}
}

// untilNext returns the duration until the next occurrence of the "HH:MM"
// UTC time of day.
func untilNext(at string, now time.Time) (time.Duration, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(at, "%02d:%02d", &hh, &mm); err != nil {
		return 0, fmt.Errorf("parse %q: %w", at, err)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("time of day %q out of range", at)
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now), nil
}
