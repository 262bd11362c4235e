package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/budget"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/routing"
)

type summarizer struct {
	calls []routing.Request
	err   error
}

func (s *summarizer) Route(_ context.Context, req routing.Request) (*routing.Result, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	return &routing.Result{Content: "short recap", Tier: req.Tier}, nil
}

// smallBudget gives every tier but the summarizer a tiny context window.
func smallBudget(limit int) *budget.TokenBudget {
	return &budget.TokenBudget{SpecFor: func(t models.Tier) (models.TierSpec, bool) {
		if t == models.Cheapest() {
			return models.TierSpec{ContextLimit: 1_000_000}, true
		}
		return models.TierSpec{ContextLimit: limit}, true
	}}
}

func history(n, charsEach int) []models.Message {
	out := make([]models.Message, n)
	for i := range out {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		out[i] = models.Message{Role: role, Content: fmt.Sprintf("%03d", i) + strings.Repeat("x", charsEach-3)}
	}
	return out
}

func TestNoOpUnderThreshold(t *testing.T) {
	s := &summarizer{}
	c := New(smallBudget(1000), s, Config{}, zaptest.NewLogger(t))
	msgs := history(20, 100) // 500 tokens <= 700

	out, compacted, err := c.CompactIfNeeded(context.Background(), "s", msgs, models.TierGeneral)
	require.NoError(t, err)
	assert.False(t, compacted)
	assert.Equal(t, msgs, out)
	assert.Empty(t, s.calls)
}

func TestCompactsAndPreservesRecent(t *testing.T) {
	s := &summarizer{}
	c := New(smallBudget(1000), s, Config{}, zaptest.NewLogger(t))
	msgs := history(40, 100) // 1000 tokens > 700

	out, compacted, err := c.CompactIfNeeded(context.Background(), "s", msgs, models.TierCoding)
	require.NoError(t, err)
	require.True(t, compacted)
	require.Len(t, out, 11)

	assert.Equal(t, models.RoleSystem, out[0].Role)
	assert.True(t, strings.HasPrefix(out[0].Content, SummaryPrefix))
	assert.Equal(t, msgs[len(msgs)-10:], out[1:])

	b := smallBudget(1000)
	assert.Less(t, b.EstimateTokens(out, models.TierCoding), b.EstimateTokens(msgs, models.TierCoding))

	require.Len(t, s.calls, 1)
	call := s.calls[0]
	assert.Equal(t, models.TaskSummarizeSession, call.Task)
	assert.Equal(t, models.Cheapest(), call.Tier)
	assert.Equal(t, 1024, call.MaxTokens)
	assert.True(t, call.SkipCompaction)
	assert.Contains(t, call.Messages[1].Content, "000x")
	assert.NotContains(t, call.Messages[1].Content, "039x", "recent turns are not summarized")

	again, compacted, err := c.CompactIfNeeded(context.Background(), "s", out, models.TierCoding)
	require.NoError(t, err)
	assert.False(t, compacted)
	assert.Equal(t, out, again)
	assert.Len(t, s.calls, 1)
}

func TestFailedSummaryPropagates(t *testing.T) {
	s := &summarizer{err: errors.New("provider down")}
	c := New(smallBudget(1000), s, Config{}, nil)

	out, compacted, err := c.CompactIfNeeded(context.Background(), "s", history(40, 100), models.TierGeneral)
	require.Error(t, err)
	assert.ErrorContains(t, err, "provider down")
	assert.False(t, compacted)
	assert.Nil(t, out)
}

func TestNothingOlderThanWindow(t *testing.T) {
	s := &summarizer{}
	c := New(smallBudget(100), s, Config{KeepRecent: 5}, nil)
	msgs := history(5, 400)

	out, compacted, err := c.CompactIfNeeded(context.Background(), "s", msgs, models.TierGeneral)
	require.NoError(t, err)
	assert.False(t, compacted)
	assert.Equal(t, msgs, out)
	assert.Empty(t, s.calls)
}

func TestCustomConfig(t *testing.T) {
	s := &summarizer{}
	c := New(smallBudget(1000), s, Config{ThresholdRatio: 0.5, KeepRecent: 4, MaxTokens: 256}, nil)
	out, compacted, err := c.CompactIfNeeded(context.Background(), "s", history(30, 100), models.TierGeneral) // 750 > 500
	require.NoError(t, err)
	require.True(t, compacted)
	assert.Len(t, out, 5)
	assert.Equal(t, 256, s.calls[0].MaxTokens)
}
