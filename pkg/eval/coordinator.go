// Package eval coordinates batch evaluations: experiment overrides, engine
// dispatch, MSWIM scoring, persistence, and hand-off to the intervention
// writer. Evaluations for one session are strictly serialized.
package eval

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/engagekit/engage/pkg/clock"
	"github.com/engagekit/engage/pkg/experiment"
	"github.com/engagekit/engage/pkg/llm"
	"github.com/engagekit/engage/pkg/models"
	"github.com/engagekit/engage/pkg/mswim"
	"github.com/engagekit/engage/pkg/store"
	"github.com/engagekit/engage/pkg/ws"
)

// DefaultLLMTimeout bounds the analyst call when config leaves it unset.
const DefaultLLMTimeout = 15 * time.Second

// DefaultMaxContextEvents caps total events handed to the analyst.
const DefaultMaxContextEvents = 100

// autoEscalateComposite is the fast-path composite at or above which the
// auto engine re-runs through the analyst.
const autoEscalateComposite = 65

// autoEscalateSeverity is the friction severity at or above which the auto
// engine re-runs through the analyst.
const autoEscalateSeverity = 75

// Dispatcher consumes fire decisions. Implemented by the intervention
// writer.
type Dispatcher interface {
	Dispatch(ctx context.Context, eval *models.Evaluation, session *models.Session)
}

// Broadcaster publishes dashboard mirrors of pipeline records.
type Broadcaster interface {
	BroadcastToChannel(channel string, v any)
}

// lane is one session's FIFO of pending batches. running marks a drain
// goroutine in flight.
type lane struct {
	pending [][]string
	running bool
}

// Coordinator runs evaluateEventBatch with per-session serialization.
type Coordinator struct {
	db          store.Store
	engine      *mswim.Engine
	configs     *mswim.ConfigResolver
	experiments *experiment.Resolver
	analyst     llm.Analyst
	shadow      *Shadow
	dispatcher  Dispatcher
	broadcaster Broadcaster
	clock       clock.Clock
	logger      *slog.Logger

	defaultEngine    models.Engine
	maxContextEvents int
	llmTimeout       time.Duration

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

// Options groups the coordinator's tunables.
type Options struct {
	Engine           models.Engine
	MaxContextEvents int
	LLMTimeout       time.Duration
}

// NewCoordinator wires the evaluation pipeline. shadow and dispatcher may
// be nil (shadow disabled, decisions unconsumed), which tests use freely.
func NewCoordinator(db store.Store, engine *mswim.Engine, configs *mswim.ConfigResolver, experiments *experiment.Resolver, analyst llm.Analyst, shadow *Shadow, dispatcher Dispatcher, broadcaster Broadcaster, clk clock.Clock, opts Options, logger *slog.Logger) *Coordinator {
	if opts.Engine == "" {
		opts.Engine = models.EngineAuto
	}
	if opts.MaxContextEvents <= 0 {
		opts.MaxContextEvents = DefaultMaxContextEvents
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = DefaultLLMTimeout
	}
	return &Coordinator{
		db:               db,
		engine:           engine,
		configs:          configs,
		experiments:      experiments,
		analyst:          analyst,
		shadow:           shadow,
		dispatcher:       dispatcher,
		broadcaster:      broadcaster,
		clock:            clk,
		logger:           logger.With("component", "eval_coordinator"),
		defaultEngine:    opts.Engine,
		maxContextEvents: opts.MaxContextEvents,
		llmTimeout:       opts.LLMTimeout,
		lanes:            make(map[string]*lane),
	}
}

// Enqueue accepts a flushed batch. Batches for one session run strictly in
// order, at most one in flight; distinct sessions evaluate concurrently.
// This is the batcher's flush callback.
func (c *Coordinator) Enqueue(sessionID string, eventIDs []string) {
	if len(eventIDs) == 0 {
		return
	}
	c.mu.Lock()
	l := c.lanes[sessionID]
	if l == nil {
		l = &lane{}
		c.lanes[sessionID] = l
	}
	l.pending = append(l.pending, eventIDs)
	if !l.running {
		l.running = true
		c.wg.Add(1)
		go c.drain(sessionID, l)
	}
	c.mu.Unlock()
}

func (c *Coordinator) drain(sessionID string, l *lane) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(l.pending) == 0 {
			l.running = false
			delete(c.lanes, sessionID)
			c.mu.Unlock()
			return
		}
		batch := l.pending[0]
		l.pending = l.pending[1:]
		c.mu.Unlock()

		if _, err := c.EvaluateEventBatch(context.Background(), sessionID, batch); err != nil {
			c.logger.Error("Evaluation failed, batch dropped",
				"session_id", sessionID, "event_count", len(batch), "error", err)
		}
	}
}

// Drain waits for all in-flight evaluations, up to the grace period. Used
// at graceful shutdown after the batcher's FlushAll.
func (c *Coordinator) Drain(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		c.logger.Warn("Evaluation drain timed out", "grace", grace)
		return false
	}
}

// EvaluateEventBatch scores one flushed batch and returns the persisted
// evaluation. Callers outside the lane machinery (tests, admin replays)
// may invoke it directly.
func (c *Coordinator) EvaluateEventBatch(ctx context.Context, sessionID string, eventIDs []string) (*models.Evaluation, error) {
	session, err := c.db.Sessions().Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	engineSel := c.defaultEngine
	if overrides := c.experiments.Resolve(ctx, sessionID, session.SiteURL); overrides != nil {
		if overrides.EvalEngine != "" {
			engineSel = overrides.EvalEngine
		}
		if overrides.ScoringConfigID != "" {
			c.configs.SetOverride(sessionID, overrides.ScoringConfigID)
			defer c.configs.ReleaseOverride(sessionID)
		}
	}

	ec, err := c.buildEvaluationContext(ctx, session, eventIDs)
	if err != nil {
		return nil, err
	}
	eventCount, err := c.db.Events().CountBySession(ctx, sessionID)
	if err != nil {
		eventCount = len(ec.EventHistory) + len(ec.NewEvents)
	}

	now := c.clock.Now()
	sctx := deriveSessionContext(ec, eventCount, now)
	scoringConfig := c.configs.Resolve(ctx, sessionID, session.SiteURL)

	outcome := c.dispatchEngine(ctx, engineSel, ec, sctx, scoringConfig)

	eval := &models.Evaluation{
		ID:               uuid.New().String(),
		SessionID:        sessionID,
		EventIDs:         eventIDs,
		Narrative:        outcome.narrative,
		FrictionsFound:   sctx.FrictionIDs,
		Signals:          outcome.result.Signals,
		Composite:        outcome.result.Composite,
		WeightsUsed:      outcome.result.WeightsUsed,
		Tier:             outcome.result.Tier,
		Decision:         outcome.result.Decision,
		GateOverride:     outcome.result.GateOverride,
		InterventionType: models.TypeForTier[outcome.result.Tier],
		Reasoning:        outcome.reasoning,
		Engine:           outcome.engine,
		CreatedAt:        now,
	}
	if err := c.db.Evaluations().Create(ctx, eval); err != nil {
		return nil, err
	}

	if c.broadcaster != nil {
		c.broadcaster.BroadcastToChannel(ws.ChannelDashboard, map[string]any{
			"type":       ws.FrameEvaluation,
			"evaluation": eval,
		})
	}

	if outcome.engine == models.EngineLLM && c.shadow != nil {
		c.shadow.Submit(shadowJob{
			evaluationID: eval.ID,
			sessionCtx:   sctx,
			config:       scoringConfig,
			prod:         outcome.result,
		})
	}

	if eval.Decision == models.DecisionFire && eval.InterventionType != "" && c.dispatcher != nil {
		c.dispatcher.Dispatch(ctx, eval, session)
	}

	return eval, nil
}

// engineOutcome is the scored result plus its provenance.
type engineOutcome struct {
	result    mswim.Result
	engine    models.Engine
	narrative string
	reasoning string
}

// dispatchEngine runs the selected evaluation path. The auto path runs
// fast first and escalates to the analyst when the fast result looks
// serious.
func (c *Coordinator) dispatchEngine(ctx context.Context, sel models.Engine, ec *llm.EvaluationContext, sctx *mswim.SessionContext, cfg *models.ScoringConfig) engineOutcome {
	switch sel {
	case models.EngineLLM:
		return c.runLLM(ctx, ec, sctx, cfg)
	case models.EngineFast:
		return c.runFast(sctx, cfg)
	default: // auto
		fast := c.runFast(sctx, cfg)
		if c.shouldAutoEscalate(fast.result, sctx) {
			return c.runLLM(ctx, ec, sctx, cfg)
		}
		return fast
	}
}

func (c *Coordinator) shouldAutoEscalate(fast mswim.Result, sctx *mswim.SessionContext) bool {
	if fast.Composite >= autoEscalateComposite {
		return true
	}
	if strings.HasPrefix(fast.GateOverride, "FORCE_ESCALATE") {
		return true
	}
	catalog := c.engine.Catalog()
	for _, id := range sctx.FrictionIDs {
		if catalog.Severity(id) >= autoEscalateSeverity {
			return true
		}
	}
	return false
}

func (c *Coordinator) runFast(sctx *mswim.SessionContext, cfg *models.ScoringConfig) engineOutcome {
	hints := mswim.SynthesizeHints(sctx, c.engine.Catalog())
	result := c.engine.Score(hints, sctx, cfg)
	return engineOutcome{
		result:    result,
		engine:    models.EngineFast,
		reasoning: result.Reasoning,
	}
}

// runLLM calls the analyst under the configured deadline. Timeouts and
// failures fall back to the fast path; a timeout marks the reasoning so
// downstream consumers can tell the two apart.
func (c *Coordinator) runLLM(ctx context.Context, ec *llm.EvaluationContext, sctx *mswim.SessionContext, cfg *models.ScoringConfig) engineOutcome {
	llmCtx, cancel := context.WithTimeout(ctx, c.llmTimeout)
	defer cancel()

	out, err := c.analyst.Analyze(llmCtx, ec)
	if err != nil {
		fallback := c.runFast(sctx, cfg)
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("Analyst timed out, fast fallback", "session_id", sctx.SessionID, "timeout", c.llmTimeout)
			fallback.reasoning = "[llm_timeout] " + fallback.reasoning
		} else {
			c.logger.Warn("Analyst failed, fast fallback", "session_id", sctx.SessionID, "error", err)
		}
		return fallback
	}

	sctx.FrictionIDs = unionFrictions(sctx.FrictionIDs, out.DetectedFrictionIDs)
	result := c.engine.Score(out.Signals, sctx, cfg)

	reasoning := result.Reasoning
	if out.Reasoning != "" {
		reasoning = out.Reasoning + " | " + result.Reasoning
	}
	return engineOutcome{
		result:    result,
		engine:    models.EngineLLM,
		narrative: out.Narrative,
		reasoning: reasoning,
	}
}
