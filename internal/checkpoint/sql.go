package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/state"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS session_checkpoints (
	session_id    TEXT PRIMARY KEY,
	checkpoint_id TEXT NOT NULL,
	stage         TEXT NOT NULL,
	state         TEXT NOT NULL,
	updated_at    TIMESTAMP NOT NULL
)`

// SQLStore keeps the latest snapshot per session in one row. Queries use ?
// placeholders and are rebound for the driver (Postgres or SQLite).
type SQLStore struct {
	dw *circuitbreaker.DatabaseWrapper
}

type checkpointRow struct {
	CheckpointID string    `db:"checkpoint_id"`
	Stage        string    `db:"stage"`
	State        string    `db:"state"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// NewSQLStore creates the table if needed.
func NewSQLStore(ctx context.Context, dw *circuitbreaker.DatabaseWrapper) (*SQLStore, error) {
	if _, err := dw.ExecContext(ctx, checkpointSchema); err != nil {
		return nil, fmt.Errorf("create checkpoint table: %w", err)
	}
	return &SQLStore{dw: dw}, nil
}

func (q *SQLStore) Save(ctx context.Context, s *state.SessionState) (err error) {
	defer func() { observe("sql", "save", err) }()
	env, b, err := encode(s)
	if err != nil {
		return err
	}
	_, err = q.dw.ExecContext(ctx, `
		INSERT INTO session_checkpoints (session_id, checkpoint_id, stage, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			checkpoint_id = excluded.checkpoint_id,
			stage = excluded.stage,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		env.SessionID, env.ID, env.Stage, string(b), env.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", env.SessionID, err)
	}
	return nil
}

func (q *SQLStore) Load(ctx context.Context, sessionID string) (s *state.SessionState, err error) {
	defer func() { observe("sql", "load", err) }()
	var row checkpointRow
	err = q.dw.GetContext(ctx, &row,
		`SELECT checkpoint_id, stage, state, updated_at FROM session_checkpoints WHERE session_id = ?`,
		sessionID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", sessionID, err)
	}
	return decode([]byte(row.State))
}

func (q *SQLStore) Sessions(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	err := q.dw.SelectContext(ctx, &ids,
		`SELECT session_id FROM session_checkpoints ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return ids, nil
}
