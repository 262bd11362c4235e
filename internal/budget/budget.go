package budget

import (
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/pricing"
)

// CharsPerToken is the divisor of the character-count heuristic.
const CharsPerToken = 4

// TokenBudget estimates conversation size against a per-tier context limit.
// The estimate is provider-agnostic and deterministic.
type TokenBudget struct {
	// SpecFor resolves tier specs; defaults to pricing.SpecFor.
	SpecFor func(models.Tier) (models.TierSpec, bool)
}

// New returns a TokenBudget backed by the active tier pricing.
func New() *TokenBudget {
	return &TokenBudget{SpecFor: pricing.SpecFor}
}

// EstimateMessage returns the estimated tokens of a single message.
func EstimateMessage(m models.Message) int {
	return len(m.Text()) / CharsPerToken
}

// EstimateTokens sums per-message estimates. The tier is accepted so callers
// can swap in a tier-aware estimator without changing call sites.
func (b *TokenBudget) EstimateTokens(messages []models.Message, _ models.Tier) int {
	total := 0
	for _, m := range messages {
		total += EstimateMessage(m)
	}
	return total
}

// ContextLimit returns the tier's context window in tokens, 0 if unknown.
func (b *TokenBudget) ContextLimit(tier models.Tier) int {
	lookup := b.SpecFor
	if lookup == nil {
		lookup = pricing.SpecFor
	}
	spec, ok := lookup(tier)
	if !ok {
		return 0
	}
	return spec.ContextLimit
}

// OverThreshold reports whether the estimate exceeds ratio * context limit.
func (b *TokenBudget) OverThreshold(messages []models.Message, tier models.Tier, ratio float64) bool {
	return float64(b.EstimateTokens(messages, tier)) > ratio*float64(b.ContextLimit(tier))
}
