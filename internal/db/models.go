package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB represents a PostgreSQL jsonb column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return json.Unmarshal(bytes, j)
}

// SessionSummary is the row written when a session finishes or is cancelled.
type SessionSummary struct {
	SessionID      string    `db:"session_id"`
	Target         string    `db:"target"`
	Status         string    `db:"status"`
	PagesProcessed int       `db:"pages_processed"`
	Findings       int       `db:"findings"`
	TicketsFiled   int       `db:"tickets_filed"`
	TotalErrors    int       `db:"total_errors"`
	TotalCostUSD   float64   `db:"total_cost_usd"`
	CostBreakdown  JSONB     `db:"cost_breakdown"`
	Summary        string    `db:"summary"`
	StartedAt      time.Time `db:"started_at"`
	CompletedAt    time.Time `db:"completed_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	tier          TEXT NOT NULL,
	task          TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd      DOUBLE PRECISION NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_records_session ON usage_records (session_id);
CREATE TABLE IF NOT EXISTS session_summaries (
	session_id      TEXT PRIMARY KEY,
	target          TEXT NOT NULL,
	status          TEXT NOT NULL,
	pages_processed INTEGER NOT NULL,
	findings        INTEGER NOT NULL,
	tickets_filed   INTEGER NOT NULL,
	total_errors    INTEGER NOT NULL,
	total_cost_usd  DOUBLE PRECISION NOT NULL,
	cost_breakdown  JSONB,
	summary         TEXT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ NOT NULL
)`
