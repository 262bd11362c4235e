package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/batch"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/budget"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/checkpoint"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/costs"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/db"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/errtrack"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/routing"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/state"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/ticketing"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/tracing"
)

// ErrConfig marks problems detected before a session starts. It is the only
// error class Run and Resume return.
var ErrConfig = errors.New("workflow configuration error")

// Caller performs one model call with retries and fallback.
type Caller interface {
	RouteWithFallback(ctx context.Context, req routing.Request) (*routing.FallbackResult, error)
}

// Fetcher returns the page record for one URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (state.Page, error)
}

// SummaryStore persists the final row for a session.
type SummaryStore interface {
	SaveSessionSummary(ctx context.Context, s *db.SessionSummary) error
}

// Deps are the collaborators the engine drives. Caller, Fetcher and Tickets
// are required; everything else has an in-process default.
type Deps struct {
	Caller    Caller
	Fetcher   Fetcher
	Tickets   ticketing.Client
	Policy    policy.Engine
	Store     checkpoint.Store
	Tracker   *costs.Tracker
	Errors    *errtrack.Aggregator
	Batch     *batch.Executor
	Budget    *budget.TokenBudget
	Events    *streaming.Manager
	Summaries SummaryStore
}

// Options tune model calls made by stages.
type Options struct {
	// CompactionThreshold sets Compaction.Needed after each stage.
	CompactionThreshold float64
	MaxTokens           int
	Temperature         float64
	// MaxTickets is passed to the policy gate; 0 means unlimited.
	MaxTickets int
}

// DefaultOptions returns the stage call defaults.
func DefaultOptions() Options {
	return Options{CompactionThreshold: 0.7, MaxTokens: 2048, Temperature: 0.2}
}

type stageFunc func(ctx context.Context, s *state.SessionState) (state.Update, error)

// Engine runs inspection sessions over the fixed stage topology.
type Engine struct {
	deps   Deps
	opts   Options
	stages map[string]stageFunc
	logger *zap.Logger
}

// New validates deps and fills defaults.
func New(deps Deps, opts Options, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Caller == nil || deps.Fetcher == nil || deps.Tickets == nil {
		return nil, fmt.Errorf("%w: caller, fetcher and ticketing client are required", ErrConfig)
	}
	if deps.Store == nil {
		deps.Store = checkpoint.NewMemoryStore()
	}
	if deps.Tracker == nil {
		deps.Tracker = costs.NewTracker(nil, logger)
	}
	if deps.Errors == nil {
		deps.Errors = errtrack.New(logger)
	}
	if deps.Batch == nil {
		deps.Batch = batch.NewExecutor(0, logger)
	}
	if deps.Budget == nil {
		deps.Budget = budget.New()
	}
	def := DefaultOptions()
	if opts.CompactionThreshold <= 0 {
		opts.CompactionThreshold = def.CompactionThreshold
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = def.MaxTokens
	}
	if opts.Temperature <= 0 {
		opts.Temperature = def.Temperature
	}

	e := &Engine{deps: deps, opts: opts, logger: logger}
	e.stages = map[string]stageFunc{
		StagePlan:          e.plan,
		StageCrawl:         e.crawl,
		StageAnalyze:       e.analyze,
		StageClassify:      e.classify,
		StageValidate:      e.validate,
		StageReport:        e.report,
		StageCreateTickets: e.createTickets,
		StageSummarize:     e.summarize,
	}
	return e, nil
}

// Errors returns the process-wide aggregator.
func (e *Engine) Errors() *errtrack.Aggregator { return e.deps.Errors }

// Tracker returns the cost tracker.
func (e *Engine) Tracker() *costs.Tracker { return e.deps.Tracker }

// Run starts a new session. An empty sessionID gets a generated one.
func (e *Engine) Run(ctx context.Context, sessionID string, cfg state.Config) (*state.SessionState, error) {
	if err := validateSession(cfg); err != nil {
		return nil, err
	}
	if err := validateRoutes(); err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	s := state.New(sessionID, cfg)
	s.NextStage = StagePlan
	metrics.SessionsStarted.WithLabelValues("run").Inc()
	e.publish(s, streaming.EventSessionStarted, "", "session started", map[string]interface{}{"target": cfg.Target})
	e.logger.Info("Session started",
		zap.String("session_id", sessionID),
		zap.String("target", cfg.Target),
		zap.Int("max_items", cfg.MaxItems),
	)
	return e.loop(ctx, s), nil
}

// Resume loads the last checkpoint of a session, applies overrides and
// continues from the stage after the one that last finished.
func (e *Engine) Resume(ctx context.Context, sessionID string, overrides map[string]string) (*state.SessionState, error) {
	if err := validateRoutes(); err != nil {
		return nil, err
	}
	s, err := e.deps.Store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: resume %s: %w", ErrConfig, sessionID, err)
	}
	if err := s.ApplyOverrides(overrides); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := validateSession(s.Config); err != nil {
		return nil, err
	}
	if s.NextStage == "" || s.NextStage == StageEnd {
		e.logger.Info("Session already finished", zap.String("session_id", sessionID), zap.String("status", s.Status))
		return s, nil
	}
	if _, ok := e.stages[s.NextStage]; !ok {
		return nil, fmt.Errorf("%w: checkpoint names unknown stage %q", ErrConfig, s.NextStage)
	}

	e.deps.Tracker.Restore(s.Usage)
	s.Status = models.StatusRunning
	metrics.SessionsStarted.WithLabelValues("resume").Inc()
	e.publish(s, streaming.EventSessionStarted, s.NextStage, "session resumed", map[string]interface{}{"overrides": len(overrides)})
	e.logger.Info("Session resumed",
		zap.String("session_id", sessionID),
		zap.String("next_stage", s.NextStage),
		zap.Int("max_items", s.Config.MaxItems),
	)
	return e.loop(ctx, s), nil
}

// loop drives stages until End or cancellation. The returned state is the
// engine's own copy; callers may keep it.
func (e *Engine) loop(ctx context.Context, s *state.SessionState) *state.SessionState {
	stage := s.NextStage
	for stage != StageEnd {
		if ctx.Err() != nil {
			s.Status = models.StatusCancelled
			s.NextStage = stage
			e.logger.Info("Session cancelled",
				zap.String("session_id", s.SessionID),
				zap.String("next_stage", stage),
			)
			e.finish(ctx, s)
			return s
		}

		e.runStage(ctx, stage, s)

		next, err := Next(stage, s)
		if err != nil {
			// Unreachable with the static table; end rather than guess.
			e.logger.Error("Invalid transition", zap.String("stage", stage), zap.Error(err))
			e.recordError(s, stage, err, "transition")
			next = StageEnd
		}
		if stage == StageCreateTickets && next == StageSummarize {
			_, reason := ShouldContinueCrawling(s)
			e.logger.Info("Crawl loop finished",
				zap.String("session_id", s.SessionID),
				zap.String("reason", reason),
				zap.Int("iterations", s.Iteration),
			)
			if s.StopReason == "" {
				s.StopReason = reason
			}
		}
		s.LastStage = stage
		s.NextStage = next
		e.checkpoint(ctx, s)
		stage = next
	}

	s.Status = models.StatusCompleted
	s.NextStage = StageEnd
	e.finish(ctx, s)
	return s
}

// runStage executes one stage on a clone of s and merges its update.
// Errors and panics are recorded; they never stop the session.
func (e *Engine) runStage(ctx context.Context, stage string, s *state.SessionState) {
	fn := e.stages[stage]
	ctx, span := tracing.StartStageSpan(ctx, s.SessionID, stage)
	e.publish(s, streaming.EventStageStarted, stage, "", nil)

	costBefore := e.deps.Tracker.SessionCost(s.SessionID)
	start := time.Now()
	update, err := e.safeCall(ctx, stage, fn, s.Clone())
	elapsed := time.Since(start)

	s.Merge(update)
	if err != nil {
		e.recordError(s, stage, err, "stage "+stage)
		metrics.StageFailures.WithLabelValues(stage).Inc()
	}

	delta := e.deps.Tracker.SessionCost(s.SessionID) - costBefore
	if delta < 0 {
		delta = 0
	}
	s.Merge(state.Update{Usage: e.newUsage(s)})
	s.RecordStage(stage, elapsed, delta)
	s.Compaction.Needed = e.deps.Budget.OverThreshold(s.Messages, e.historyTier(), e.opts.CompactionThreshold)

	metrics.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	metrics.StageCostUSD.WithLabelValues(stage).Add(delta)
	tracing.EndSpan(span, err)

	data := map[string]interface{}{
		"duration_ms": elapsed.Milliseconds(),
		"cost_usd":    delta,
		"errors":      len(s.Errors),
	}
	if err != nil {
		e.publish(s, streaming.EventStageFailed, stage, err.Error(), data)
		e.logger.Warn("Stage failed",
			zap.String("session_id", s.SessionID),
			zap.String("stage", stage),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return
	}
	e.publish(s, streaming.EventStageCompleted, stage, "", data)
	e.logger.Debug("Stage completed",
		zap.String("session_id", s.SessionID),
		zap.String("stage", stage),
		zap.Duration("duration", elapsed),
		zap.Float64("cost_usd", delta),
	)
}

// safeCall converts a panicking stage into an error and an empty update.
func (e *Engine) safeCall(ctx context.Context, stage string, fn stageFunc, snapshot *state.SessionState) (u state.Update, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Stage panicked",
				zap.String("stage", stage),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			u = state.Update{}
			err = &StagePanicError{Stage: stage, Value: r}
		}
	}()
	return fn(ctx, snapshot)
}

// StagePanicError reports a recovered panic inside a stage.
type StagePanicError struct {
	Stage string
	Value interface{}
}

func (e *StagePanicError) Error() string {
	return fmt.Sprintf("stage %s panicked: %v", e.Stage, e.Value)
}

func (e *StagePanicError) ErrorType() string { return "StagePanic" }

// newUsage returns tracker records for the session not yet in s.Usage.
func (e *Engine) newUsage(s *state.SessionState) []models.UsageRecord {
	have := make(map[string]struct{}, len(s.Usage))
	for _, r := range s.Usage {
		have[r.ID] = struct{}{}
	}
	var out []models.UsageRecord
	for _, r := range e.deps.Tracker.ExportSession(s.SessionID) {
		if _, ok := have[r.ID]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// historyTasks send the accumulated session history with their prompt.
var historyTasks = []string{models.TaskPlanInspection, models.TaskSummarizeFindings}

// historyTier is the tier with the smallest context window among the routes
// of historyTasks.
func (e *Engine) historyTier() models.Tier {
	var tier models.Tier
	limit := 0
	for _, task := range historyTasks {
		t, _ := models.ResolveTier(task)
		l := e.deps.Budget.ContextLimit(t)
		if tier == "" || l < limit {
			tier, limit = t, l
		}
	}
	return tier
}

// recordError logs err against the session and the shared aggregator.
func (e *Engine) recordError(s *state.SessionState, stage string, err error, where string) {
	s.Merge(state.Update{Errors: []state.ErrorEntry{e.errorEntry(stage, err, where)}})
}

// errorEntry feeds the aggregator and builds the matching session entry.
// Stages call it for item failures and return the entry in their update.
// Batch item errors are recorded by their cause so identical failures on
// different items share one pattern; the item id stays in where.
func (e *Engine) errorEntry(stage string, err error, where string) state.ErrorEntry {
	var ie *batch.ItemError
	if errors.As(err, &ie) && ie.Err != nil {
		err = ie.Err
	}
	e.deps.Errors.Add(err, where)
	return state.ErrorEntry{
		Stage:   stage,
		Type:    errtrack.TypeOf(err),
		Message: err.Error(),
		Context: where,
		At:      time.Now().UTC(),
	}
}

func (e *Engine) checkpoint(ctx context.Context, s *state.SessionState) {
	// Checkpoints are written even after cancellation so the session can resume.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.deps.Store.Save(sctx, s); err != nil {
		e.deps.Errors.Add(err, "checkpoint "+s.SessionID)
		e.logger.Error("Failed to save checkpoint",
			zap.String("session_id", s.SessionID),
			zap.String("stage", s.LastStage),
			zap.Error(err),
		)
	}
}

// finish writes the final checkpoint, the summary row and the completion event.
func (e *Engine) finish(ctx context.Context, s *state.SessionState) {
	e.checkpoint(ctx, s)
	metrics.SessionsCompleted.WithLabelValues(s.Status).Inc()

	rep := e.Report(s)
	if e.deps.Summaries != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.deps.Summaries.SaveSessionSummary(sctx, rep.Row()); err != nil {
			e.deps.Errors.Add(err, "session summary "+s.SessionID)
			e.logger.Error("Failed to save session summary", zap.String("session_id", s.SessionID), zap.Error(err))
		}
	}
	e.publish(s, streaming.EventSessionCompleted, "", s.Status, map[string]interface{}{
		"total_cost_usd": s.TotalCost,
		"tickets":        rep.TicketsFiled,
		"errors":         rep.Errors.TotalErrors,
	})
	e.logger.Info("Session finished",
		zap.String("session_id", s.SessionID),
		zap.String("status", s.Status),
		zap.Int("pages", len(s.Pages)),
		zap.Int("findings", len(s.Classified)),
		zap.Int("tickets", rep.TicketsFiled),
		zap.Int("errors", len(s.Errors)),
		zap.Float64("total_cost_usd", s.TotalCost),
	)
}

func (e *Engine) publish(s *state.SessionState, typ, stage, msg string, data map[string]interface{}) {
	if e.deps.Events == nil {
		return
	}
	e.deps.Events.Publish(s.SessionID, streaming.Event{
		Type:    typ,
		Stage:   stage,
		Message: msg,
		Data:    data,
	})
}

func validateSession(cfg state.Config) error {
	switch {
	case cfg.Target == "":
		return fmt.Errorf("%w: target is required", ErrConfig)
	case cfg.MaxItems < 1:
		return fmt.Errorf("%w: max_items must be >= 1", ErrConfig)
	case cfg.CrawlBatch < 1:
		return fmt.Errorf("%w: crawl_batch must be >= 1", ErrConfig)
	}
	return nil
}

// stageTasks are the routed tasks the stages issue.
var stageTasks = []string{
	models.TaskPlanInspection,
	models.TaskAnalyzePage,
	models.TaskClassifyFinding,
	models.TaskValidateFinding,
	models.TaskValidateDeep,
	models.TaskReviewCriticalPath,
	models.TaskWriteReport,
	models.TaskSummarizeFindings,
}

// validateRoutes fails when a stage task would resolve to a tier with no spec.
func validateRoutes() error {
	for _, task := range stageTasks {
		tier, _ := models.ResolveTier(task)
		if _, ok := models.SpecFor(tier); !ok {
			return fmt.Errorf("%w: task %s routes to %w %q", ErrConfig, task, models.ErrUnknownTier, tier)
		}
	}
	return nil
}
