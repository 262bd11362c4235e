package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	dw := circuitbreaker.NewDatabaseWrapper(sqlx.NewDb(raw, "postgres"), zaptest.NewLogger(t))
	return NewWithWrapper(dw, 1, zaptest.NewLogger(t)), mock
}

func sampleRecord() models.UsageRecord {
	return models.UsageRecord{
		ID: "u1", SessionID: "s1", Tier: models.TierGeneral, Task: models.TaskAnalyzePage,
		InputTokens: 100, OutputTokens: 20, Cost: 0.00008, Timestamp: time.Now().UTC(),
	}
}

func TestSaveUsage(t *testing.T) {
	c, mock := newMockClient(t)
	rec := sampleRecord()

	mock.ExpectExec(`INSERT INTO usage_records .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8\)`).
		WithArgs("u1", "s1", "general", models.TaskAnalyzePage, 100, 20, 0.00008, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	require.NoError(t, c.SaveUsage(context.Background(), rec))
	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordUsageIsWrittenBeforeClose(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectExec(`INSERT INTO usage_records`).
		WithArgs("u1", "s1", "general", models.TaskAnalyzePage, 100, 20, 0.00008, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	c.RecordUsage(sampleRecord())
	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueWriteCallback(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec(`INSERT INTO usage_records`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	done := make(chan error, 1)
	c.QueueWrite(WriteTypeUsage, sampleRecord(), func(err error) { done <- err })
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
	require.NoError(t, c.Close())
}

func TestUsageForSession(t *testing.T) {
	c, mock := newMockClient(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "session_id", "tier", "task", "input_tokens", "output_tokens", "cost_usd", "created_at"}).
		AddRow("u1", "s1", "general", "analyze_page", 100, 20, 0.5, now).
		AddRow("u2", "s1", "fast", "summarize_session", 10, 2, 0.25, now)
	mock.ExpectQuery(`SELECT .* FROM usage_records WHERE session_id = \$1`).WithArgs("s1").WillReturnRows(rows)
	mock.ExpectClose()

	recs, err := c.UsageForSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, models.TierFast, recs[1].Tier)
	assert.InDelta(t, 0.75, recs[0].Cost+recs[1].Cost, 1e-12)
	require.NoError(t, c.Close())
}

func TestSaveAndGetSessionSummary(t *testing.T) {
	c, mock := newMockClient(t)
	now := time.Now().UTC()
	s := &SessionSummary{
		SessionID: "s1", Target: "https://example.com", Status: models.StatusCompleted,
		PagesProcessed: 3, Findings: 2, TicketsFiled: 1, TotalCostUSD: 0.5,
		CostBreakdown: JSONB{"general": 0.5}, Summary: "ok", StartedAt: now, CompletedAt: now,
	}
	mock.ExpectExec(`INSERT INTO session_summaries`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .* FROM session_summaries WHERE session_id = \$1`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{
			"session_id", "target", "status", "pages_processed", "findings", "tickets_filed", "total_errors",
			"total_cost_usd", "cost_breakdown", "summary", "started_at", "completed_at",
		}).AddRow("s1", "https://example.com", "completed", 3, 2, 1, 0, 0.5, []byte(`{"general":0.5}`), "ok", now, now))
	mock.ExpectClose()

	require.NoError(t, c.SaveSessionSummary(context.Background(), s))
	got, err := c.GetSessionSummary(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.CostBreakdown["general"])
	assert.Equal(t, 1, got.TicketsFiled)
	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJSONBScan(t *testing.T) {
	var j JSONB
	require.NoError(t, j.Scan(`{"a":1}`))
	assert.Equal(t, float64(1), j["a"])
	require.NoError(t, j.Scan(nil))
	assert.Nil(t, j)
	assert.Error(t, j.Scan(42))
}
