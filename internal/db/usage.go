package db

import (
	"context"
	"fmt"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
)

// SaveUsage inserts one usage record. Duplicate IDs are ignored.
func (c *Client) SaveUsage(ctx context.Context, rec models.UsageRecord) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, session_id, tier, task, input_tokens, output_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.SessionID, string(rec.Tier), rec.Task,
		rec.InputTokens, rec.OutputTokens, rec.Cost, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save usage record %s: %w", rec.ID, err)
	}
	return nil
}

// UsageForSession returns a session's usage records, oldest first.
func (c *Client) UsageForSession(ctx context.Context, sessionID string) ([]models.UsageRecord, error) {
	var out []models.UsageRecord
	err := c.db.SelectContext(ctx, &out, `
		SELECT id, session_id, tier, task, input_tokens, output_tokens, cost_usd, created_at
		FROM usage_records WHERE session_id = ? ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("load usage for %s: %w", sessionID, err)
	}
	return out, nil
}

// SaveSessionSummary upserts the final summary row.
func (c *Client) SaveSessionSummary(ctx context.Context, s *SessionSummary) error {
	if s == nil {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO session_summaries (session_id, target, status, pages_processed, findings,
			tickets_filed, total_errors, total_cost_usd, cost_breakdown, summary, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			status = EXCLUDED.status,
			pages_processed = EXCLUDED.pages_processed,
			findings = EXCLUDED.findings,
			tickets_filed = EXCLUDED.tickets_filed,
			total_errors = EXCLUDED.total_errors,
			total_cost_usd = EXCLUDED.total_cost_usd,
			cost_breakdown = EXCLUDED.cost_breakdown,
			summary = EXCLUDED.summary,
			completed_at = EXCLUDED.completed_at`,
		s.SessionID, s.Target, s.Status, s.PagesProcessed, s.Findings,
		s.TicketsFiled, s.TotalErrors, s.TotalCostUSD, s.CostBreakdown, s.Summary, s.StartedAt, s.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save session summary %s: %w", s.SessionID, err)
	}
	return nil
}

// GetSessionSummary loads a summary row.
func (c *Client) GetSessionSummary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	var s SessionSummary
	err := c.db.GetContext(ctx, &s, `
		SELECT session_id, target, status, pages_processed, findings, tickets_filed, total_errors,
			total_cost_usd, cost_breakdown, summary, started_at, completed_at
		FROM session_summaries WHERE session_id = ?`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("load session summary %s: %w", sessionID, err)
	}
	return &s, nil
}
