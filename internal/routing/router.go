package routing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/costs"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/pricing"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/tracing"
)

// Request describes one routed model call.
type Request struct {
	Task        string
	Messages    []models.Message
	MaxTokens   int
	Temperature float64
	SessionID   string
	Tools       []llm.Tool
	// Tier forces a tier instead of the task route table.
	Tier models.Tier
	// MaxRetriesPerTier overrides the fallback executor default when > 0.
	MaxRetriesPerTier int
	// SkipCompaction sends Messages as-is. Set by the compactor itself.
	SkipCompaction bool
}

// Result is the outcome of a successful call.
type Result struct {
	Content    string
	Usage      models.TokenUsage
	Tier       models.Tier
	Cost       float64
	StopReason string
	// Messages is the history actually sent, after compaction.
	Messages  []models.Message
	Compacted bool
}

// Compactor shrinks a history before it is sent.
type Compactor interface {
	CompactIfNeeded(ctx context.Context, sessionID string, messages []models.Message, tier models.Tier) ([]models.Message, bool, error)
}

// Dispatcher performs a single routed call with no retries.
type Dispatcher interface {
	Route(ctx context.Context, req Request) (*Result, error)
}

// Router maps a task to a tier and performs one dispatch.
type Router struct {
	backends  map[models.Family]llm.Backend
	tracker   *costs.Tracker
	limiters  *ratecontrol.Limiters
	compactor Compactor
	costFor   func(models.Tier, int, int) float64
	logger    *zap.Logger
}

// Option customizes a Router.
type Option func(*Router)

// WithLimiters makes the router wait on per-tier rate limits.
func WithLimiters(l *ratecontrol.Limiters) Option { return func(r *Router) { r.limiters = l } }

// WithCostFunc overrides tier pricing.
func WithCostFunc(f func(models.Tier, int, int) float64) Option {
	return func(r *Router) { r.costFor = f }
}

// NewRouter creates a router over the two backend families.
func NewRouter(premium, multi llm.Backend, tracker *costs.Tracker, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		backends: map[models.Family]llm.Backend{
			models.FamilyPremium:    premium,
			models.FamilyMultiModel: multi,
		},
		tracker: tracker,
		costFor: pricing.CostFor,
		logger:  logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetCompactor installs the history compactor. The compactor usually holds
// the router, so it is wired after construction.
func (r *Router) SetCompactor(c Compactor) { r.compactor = c }

// ResolveTier returns the tier a request will run on.
func (r *Router) ResolveTier(req Request) models.Tier {
	if req.Tier != "" {
		return req.Tier
	}
	tier, ok := models.ResolveTier(req.Task)
	if !ok {
		metrics.UnroutedTasks.WithLabelValues(req.Task).Inc()
		r.logger.Warn("Task has no route, using default tier",
			zap.String("task", req.Task),
			zap.String("default_tier", string(tier)),
		)
	}
	return tier
}

// Route performs one call and records its cost.
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	tier := r.ResolveTier(req)
	if _, ok := models.SpecFor(tier); !ok {
		return nil, fmt.Errorf("route %s: %w: %q", req.Task, models.ErrUnknownTier, tier)
	}
	backend := r.backends[models.FamilyFor(tier)]
	if backend == nil {
		return nil, &llm.CallError{Kind: llm.ErrNotConfigured, Provider: string(models.FamilyFor(tier)), Detail: "no backend for tier " + string(tier)}
	}

	messages := req.Messages
	compacted := false
	if r.compactor != nil && !req.SkipCompaction {
		var err error
		messages, compacted, err = r.compactor.CompactIfNeeded(ctx, req.SessionID, req.Messages, tier)
		if err != nil {
			return nil, fmt.Errorf("compact history for %s: %w", req.Task, err)
		}
	}

	if err := r.limiters.Wait(ctx, tier); err != nil {
		return nil, fmt.Errorf("rate limit wait on %s: %w", tier, err)
	}

	ctx, span := tracing.StartModelSpan(ctx, req.Task, string(tier))
	start := time.Now()
	resp, err := backend.Complete(ctx, llm.Request{
		Model:       string(tier),
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Tools:       req.Tools,
	})
	metrics.ModelCallDuration.WithLabelValues(string(tier)).Observe(time.Since(start).Seconds())
	tracing.EndSpan(span, err)
	if err != nil {
		metrics.ModelCalls.WithLabelValues(string(tier), req.Task, "error").Inc()
		return nil, err
	}
	metrics.ModelCalls.WithLabelValues(string(tier), req.Task, "success").Inc()

	cost := r.costFor(tier, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	if r.tracker != nil {
		r.tracker.Add(models.UsageRecord{
			SessionID:    req.SessionID,
			Tier:         tier,
			Task:         req.Task,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			Cost:         cost,
		})
	}

	r.logger.Debug("Model call completed",
		zap.String("task", req.Task),
		zap.String("tier", string(tier)),
		zap.String("session_id", req.SessionID),
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens),
		zap.Float64("cost_usd", cost),
	)

	return &Result{
		Content:    resp.Content,
		Usage:      resp.Usage,
		Tier:       tier,
		Cost:       cost,
		StopReason: resp.StopReason,
		Messages:   messages,
		Compacted:  compacted,
	}, nil
}
