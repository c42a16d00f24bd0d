package eval

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/engagekit/engage/pkg/clock"
	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/mswim"
	"github.com/engagekit/engage/pkg/store"
)

// shadowQueueSize bounds the comparison backlog; overflow drops the job
// with a log rather than stalling the primary path.
const shadowQueueSize = 256

// shadowJob carries everything needed to re-score a production evaluation
// with rules only.
type shadowJob struct {
	evaluationID string
	sessionCtx   *mswim.SessionContext
	config       *models.ScoringConfig
	prod         mswim.Result
}

// Shadow runs rule-only comparison passes against llm evaluations and
// persists the divergence records drift detection aggregates over.
type Shadow struct {
	shadows store.ShadowStore
	engine  *mswim.Engine
	clock   clock.Clock
	logger  *slog.Logger

	jobs     chan shadowJob
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewShadow creates the comparator and starts its worker.
func NewShadow(shadows store.ShadowStore, engine *mswim.Engine, clk clock.Clock, logger *slog.Logger) *Shadow {
	s := &Shadow{
		shadows: shadows,
		engine:  engine,
		clock:   clk,
		logger:  logger.With("component", "shadow_comparator"),
		jobs:    make(chan shadowJob, shadowQueueSize),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Submit enqueues a comparison without blocking the caller. A full queue
// drops the job.
func (s *Shadow) Submit(job shadowJob) {
	select {
	case s.jobs <- job:
	default:
		s.logger.Warn("Shadow queue full, comparison dropped", "evaluation_id", job.evaluationID)
	}
}

// Stop drains the queue and waits for the worker.
func (s *Shadow) Stop() {
	s.stopOnce.Do(func() { close(s.jobs) })
	s.wg.Wait()
}

func (s *Shadow) run() {
	defer s.wg.Done()
	for job := range s.jobs {
		s.compare(job)
	}
}

// compare re-scores the session with synthesized hints over the same
// friction union the production pass used. Failures log and are never
// surfaced to the primary path.
func (s *Shadow) compare(job shadowJob) {
	hints := mswim.SynthesizeHints(job.sessionCtx, s.engine.Catalog())
	shadow := s.engine.Score(hints, job.sessionCtx, job.config)

	record := &models.ShadowComparison{
		ID:                  uuid.New().String(),
		SessionID:           job.sessionCtx.SessionID,
		EvaluationID:        job.evaluationID,
		ProdSignals:         job.prod.Signals,
		ShadowSignals:       shadow.Signals,
		ProdComposite:       job.prod.Composite,
		ShadowComposite:     shadow.Composite,
		CompositeDivergence: math.Abs(job.prod.Composite - shadow.Composite),
		ProdTier:            job.prod.Tier,
		ShadowTier:          shadow.Tier,
		ProdDecision:        job.prod.Decision,
		ShadowDecision:      shadow.Decision,
		TierMatch:           job.prod.Tier == shadow.Tier,
		DecisionMatch:       job.prod.Decision == shadow.Decision,
		GateMatch:           job.prod.GateOverride == shadow.GateOverride,
		SiteURL:             job.sessionCtx.SiteURL,
		CreatedAt:           s.clock.Now(),
	}

	if err := s.shadows.Create(context.Background(), record); err != nil {
		s.logger.Warn("Shadow comparison persist failed",
			"evaluation_id", job.evaluationID, "error", err)
	}
}
