package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/state"
)

// ErrNotFound is returned by Load when no checkpoint exists for the session.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists session snapshots keyed by session ID. Save replaces the
// previous snapshot.
type Store interface {
	Save(ctx context.Context, s *state.SessionState) error
	Load(ctx context.Context, sessionID string) (*state.SessionState, error)
	// Sessions lists checkpointed session IDs, most recently saved first.
	Sessions(ctx context.Context, limit int) ([]string, error)
}

// Envelope is the serialized form shared by all backends.
type Envelope struct {
	ID        string              `json:"id"`
	SessionID string              `json:"session_id"`
	Stage     string              `json:"stage"`
	SavedAt   time.Time           `json:"saved_at"`
	State     *state.SessionState `json:"state"`
}

func encode(s *state.SessionState) (Envelope, []byte, error) {
	if s == nil || s.SessionID == "" {
		return Envelope{}, nil, fmt.Errorf("checkpoint requires a session id")
	}
	env := Envelope{
		ID:        uuid.New().String(),
		SessionID: s.SessionID,
		Stage:     s.LastStage,
		SavedAt:   time.Now().UTC(),
		State:     s,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return env, b, nil
}

func decode(b []byte) (*state.SessionState, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if env.State == nil {
		return nil, fmt.Errorf("decode checkpoint: empty state")
	}
	return env.State, nil
}

func observe(backend, op string, err error) {
	status := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "miss"
	case err != nil:
		status = "error"
	}
	metrics.CheckpointOps.WithLabelValues(backend, op, status).Inc()
}
