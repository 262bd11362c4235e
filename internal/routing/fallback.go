package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
)

const (
	DefaultMaxRetriesPerTier = 2
	DefaultRetryDelay        = 500 * time.Millisecond
)

// AttemptError records one failed attempt in a fallback chain.
type AttemptError struct {
	Tier    models.Tier `json:"tier"`
	Attempt int         `json:"attempt"`
	Err     error       `json:"-"`
}

func (a AttemptError) String() string {
	return fmt.Sprintf("%s#%d: %v", a.Tier, a.Attempt, a.Err)
}

// AllModelsFailedError is returned when every tier and attempt in the chain failed.
type AllModelsFailedError struct {
	Task   string
	Errors []AttemptError
}

func (e *AllModelsFailedError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, a := range e.Errors {
		parts[i] = a.String()
	}
	return fmt.Sprintf("all models failed for task %q after %d attempts: %s", e.Task, len(e.Errors), strings.Join(parts, "; "))
}

// Unwrap exposes every attempt error to errors.Is / errors.As.
func (e *AllModelsFailedError) Unwrap() []error {
	out := make([]error, 0, len(e.Errors))
	for _, a := range e.Errors {
		out = append(out, a.Err)
	}
	return out
}

// ErrorType names this error for aggregation.
func (e *AllModelsFailedError) ErrorType() string { return "AllModelsFailedError" }

// FallbackResult extends Result with chain details.
type FallbackResult struct {
	*Result
	// FallbackTier is empty when the primary tier served the call.
	FallbackTier models.Tier
	Attempt      int
	ChainUsed    []models.Tier
}

// FallbackConfig tunes retry behavior.
type FallbackConfig struct {
	MaxRetriesPerTier int           `mapstructure:"max_retries_per_tier"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
}

// FallbackExecutor walks the configured chain of tiers with per-tier retries.
// Chain order comes from configuration and is never reordered at runtime.
type FallbackExecutor struct {
	router Dispatcher
	cfg    FallbackConfig
	sleep  func(context.Context, time.Duration) error
	logger *zap.Logger
}

// NewFallbackExecutor wraps a router. A negative RetryDelay disables sleeping.
func NewFallbackExecutor(router Dispatcher, cfg FallbackConfig, logger *zap.Logger) *FallbackExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetriesPerTier <= 0 {
		cfg.MaxRetriesPerTier = DefaultMaxRetriesPerTier
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &FallbackExecutor{router: router, cfg: cfg, sleep: sleepCtx, logger: logger}
}

// Chain returns the tiers tried for a primary tier.
func Chain(primary models.Tier) []models.Tier {
	return append([]models.Tier{primary}, models.FallbackChain(primary)...)
}

// RouteWithFallback tries the primary tier, then each fallback tier, up to
// MaxRetriesPerTier attempts each, returning on the first success.
func (f *FallbackExecutor) RouteWithFallback(ctx context.Context, req Request) (*FallbackResult, error) {
	primary := req.Tier
	if primary == "" {
		if r, ok := f.router.(interface{ ResolveTier(Request) models.Tier }); ok {
			primary = r.ResolveTier(req)
		} else {
			primary, _ = models.ResolveTier(req.Task)
		}
	}
	retries := f.cfg.MaxRetriesPerTier
	if req.MaxRetriesPerTier > 0 {
		retries = req.MaxRetriesPerTier
	}

	chain := Chain(primary)
	var failures []AttemptError
	var used []models.Tier

	for i, tier := range chain {
		used = append(used, tier)
		for attempt := 1; attempt <= retries; attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("route %s: %w", req.Task, err)
			}

			attemptReq := req
			attemptReq.Tier = tier
			res, err := f.router.Route(ctx, attemptReq)
			if err == nil {
				metrics.FallbackAttempts.WithLabelValues(string(tier), "success").Inc()
				out := &FallbackResult{Result: res, Attempt: attempt, ChainUsed: used}
				if tier != primary {
					out.FallbackTier = tier
					metrics.FallbackUsed.WithLabelValues(string(primary), string(tier)).Inc()
					f.logger.Info("Served by fallback tier",
						zap.String("task", req.Task),
						zap.String("primary", string(primary)),
						zap.String("tier", string(tier)),
						zap.Int("failed_attempts", len(failures)),
					)
				}
				return out, nil
			}

			metrics.FallbackAttempts.WithLabelValues(string(tier), "error").Inc()
			if errors.Is(err, models.ErrUnknownTier) {
				return nil, err
			}
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil, fmt.Errorf("route %s: %w", req.Task, err)
			}
			failures = append(failures, AttemptError{Tier: tier, Attempt: attempt, Err: err})
			f.logger.Warn("Model attempt failed",
				zap.String("task", req.Task),
				zap.String("tier", string(tier)),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)

			last := i == len(chain)-1 && attempt == retries
			if !last && f.cfg.RetryDelay > 0 {
				if err := f.sleep(ctx, f.cfg.RetryDelay); err != nil {
					return nil, fmt.Errorf("route %s: %w", req.Task, err)
				}
			}
		}
	}

	metrics.ChainsExhausted.WithLabelValues(req.Task).Inc()
	return nil, &AllModelsFailedError{Task: req.Task, Errors: failures}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
