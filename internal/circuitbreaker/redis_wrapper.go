package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const redisService = "checkpoint-store"

// RedisWrapper wraps a go-redis client with a circuit breaker.
// redis.Nil is a normal miss and never trips the breaker.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	cfg := RedisSettings().ToConfig()
	cfg.IsFailure = func(err error) bool {
		return !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled)
	}
	cb := NewCircuitBreaker("redis", cfg, logger)
	GlobalMetricsCollector.Register("redis", redisService, cb)
	return &RedisWrapper{client: client, cb: cb}
}

func (rw *RedisWrapper) run(ctx context.Context, fn func() error) error {
	err := rw.cb.Execute(ctx, fn)
	success := err == nil || errors.Is(err, redis.Nil)
	GlobalMetricsCollector.RecordRequest("redis", redisService, rw.cb.State(), success)
	return err
}

// Ping checks connectivity.
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.run(ctx, func() error { return rw.client.Ping(ctx).Err() })
}

// Get returns the value at key or redis.Nil.
func (rw *RedisWrapper) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := rw.run(ctx, func() error {
		var err error
		out, err = rw.client.Get(ctx, key).Bytes()
		return err
	})
	return out, err
}

// Set stores value with an optional TTL.
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return rw.run(ctx, func() error { return rw.client.Set(ctx, key, value, ttl).Err() })
}

// Del removes keys.
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) error {
	return rw.run(ctx, func() error { return rw.client.Del(ctx, keys...).Err() })
}

// ZAdd adds member to a sorted set.
func (rw *RedisWrapper) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return rw.run(ctx, func() error {
		return rw.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
	})
}

// ZRevRange returns sorted-set members, highest score first.
func (rw *RedisWrapper) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := rw.run(ctx, func() error {
		var err error
		out, err = rw.client.ZRevRange(ctx, key, start, stop).Result()
		return err
	})
	return out, err
}

// Close closes the client.
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
