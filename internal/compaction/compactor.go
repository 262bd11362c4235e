package compaction

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/budget"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/routing"
)

// SummaryPrefix marks the synthetic message that replaces older turns.
const SummaryPrefix = "Summary of earlier conversation:\n"

const summarizeInstruction = "Summarize the conversation below for a model that will continue it. " +
	"Keep every URL, finding, decision and open question. Be concise."

// Config tunes when and how history is compacted.
type Config struct {
	ThresholdRatio float64 `mapstructure:"threshold_ratio"`
	KeepRecent     int     `mapstructure:"keep_recent"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	Temperature    float64 `mapstructure:"temperature"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{ThresholdRatio: 0.7, KeepRecent: 10, MaxTokens: 1024, Temperature: 0}
}

// Compactor replaces older turns with a single summary once a history nears
// the tier's context limit. The most recent KeepRecent messages are never
// altered. A failed summary is returned as an error; the original history
// is never passed through over budget.
type Compactor struct {
	budget *budget.TokenBudget
	router routing.Dispatcher
	cfg    Config
	logger *zap.Logger
}

// New creates a compactor. Zero config fields take defaults.
func New(b *budget.TokenBudget, router routing.Dispatcher, cfg Config, logger *zap.Logger) *Compactor {
	def := DefaultConfig()
	if cfg.ThresholdRatio <= 0 {
		cfg.ThresholdRatio = def.ThresholdRatio
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = def.KeepRecent
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if b == nil {
		b = budget.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{budget: b, router: router, cfg: cfg, logger: logger}
}

// CompactIfNeeded returns messages unchanged while they fit under the
// threshold, otherwise [summary] + the last KeepRecent messages.
func (c *Compactor) CompactIfNeeded(ctx context.Context, sessionID string, messages []models.Message, tier models.Tier) ([]models.Message, bool, error) {
	if !c.budget.OverThreshold(messages, tier, c.cfg.ThresholdRatio) {
		return messages, false, nil
	}
	keep := c.cfg.KeepRecent
	if len(messages) <= keep {
		c.logger.Warn("History over threshold but nothing older than the kept window",
			zap.String("session_id", sessionID),
			zap.Int("messages", len(messages)),
			zap.Int("keep_recent", keep),
		)
		metrics.Compactions.WithLabelValues("skipped").Inc()
		return messages, false, nil
	}

	older := messages[:len(messages)-keep]
	recent := messages[len(messages)-keep:]
	before := c.budget.EstimateTokens(messages, tier)

	cheapest := models.Cheapest()
	res, err := c.router.Route(ctx, routing.Request{
		Task:           models.TaskSummarizeSession,
		Tier:           cheapest,
		SessionID:      sessionID,
		MaxTokens:      c.cfg.MaxTokens,
		Temperature:    c.cfg.Temperature,
		SkipCompaction: true,
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: summarizeInstruction},
			{Role: models.RoleUser, Content: c.transcript(older, cheapest)},
		},
	})
	if err != nil {
		metrics.Compactions.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("summarize %d older messages: %w", len(older), err)
	}

	out := make([]models.Message, 0, keep+1)
	out = append(out, models.Message{Role: models.RoleSystem, Content: SummaryPrefix + strings.TrimSpace(res.Content)})
	out = append(out, recent...)

	after := c.budget.EstimateTokens(out, tier)
	if after >= before {
		c.logger.Warn("Compaction did not reduce history", zap.Int("before", before), zap.Int("after", after))
	}
	metrics.Compactions.WithLabelValues("success").Inc()
	metrics.CompactionTokensSaved.Observe(float64(before - after))
	c.logger.Info("History compacted",
		zap.String("session_id", sessionID),
		zap.String("tier", string(tier)),
		zap.Int("summarized_messages", len(older)),
		zap.Int("tokens_before", before),
		zap.Int("tokens_after", after),
	)
	return out, true, nil
}

// transcript renders older turns as plain text, dropping the oldest lines
// when they would not fit the summarizer's own context.
func (c *Compactor) transcript(older []models.Message, summarizer models.Tier) string {
	lines := make([]string, len(older))
	for i, m := range older {
		lines[i] = m.Role + ": " + m.Text()
	}
	limit := c.budget.ContextLimit(summarizer)
	if limit <= 0 {
		return strings.Join(lines, "\n")
	}
	maxChars := int(float64(limit*budget.CharsPerToken)*c.cfg.ThresholdRatio) - c.cfg.MaxTokens*budget.CharsPerToken
	total := 0
	start := len(lines)
	for start > 0 && total+len(lines[start-1])+1 <= maxChars {
		start--
		total += len(lines[start]) + 1
	}
	if start > 0 {
		c.logger.Warn("Summarizer input truncated", zap.Int("dropped_messages", start))
	}
	return strings.Join(lines[start:], "\n")
}
