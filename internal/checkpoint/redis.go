package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/state"
)

const (
	redisKeyPrefix = "inspector:checkpoint:"
	redisIndexKey  = "inspector:checkpoints"
	// DefaultRedisTTL bounds how long an abandoned session can be resumed.
	DefaultRedisTTL = 7 * 24 * time.Hour
)

// RedisStore keeps one key per session plus a sorted-set index by save time.
type RedisStore struct {
	rw  *circuitbreaker.RedisWrapper
	ttl time.Duration
}

// NewRedisStore wraps rw. ttl <= 0 uses DefaultRedisTTL.
func NewRedisStore(rw *circuitbreaker.RedisWrapper, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{rw: rw, ttl: ttl}
}

func (r *RedisStore) Save(ctx context.Context, s *state.SessionState) (err error) {
	defer func() { observe("redis", "save", err) }()
	env, b, err := encode(s)
	if err != nil {
		return err
	}
	if err := r.rw.Set(ctx, redisKeyPrefix+env.SessionID, b, r.ttl); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", env.SessionID, err)
	}
	if err := r.rw.ZAdd(ctx, redisIndexKey, float64(env.SavedAt.UnixNano()), env.SessionID); err != nil {
		return fmt.Errorf("index checkpoint %s: %w", env.SessionID, err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, sessionID string) (s *state.SessionState, err error) {
	defer func() { observe("redis", "load", err) }()
	b, err := r.rw.Get(ctx, redisKeyPrefix+sessionID)
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", sessionID, err)
	}
	return decode(b)
}

func (r *RedisStore) Sessions(ctx context.Context, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.rw.ZRevRange(ctx, redisIndexKey, 0, stop)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return ids, nil
}
