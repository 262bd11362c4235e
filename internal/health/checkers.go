package health

import (
	"context"
	"time"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/circuitbreaker"
)

const slowThreshold = 100 * time.Millisecond

// RedisChecker pings the checkpoint Redis through its breaker.
type RedisChecker struct {
	wrapper *circuitbreaker.RedisWrapper
}

func NewRedisChecker(w *circuitbreaker.RedisWrapper) *RedisChecker { return &RedisChecker{wrapper: w} }

func (r *RedisChecker) Name() string     { return "redis" }
func (r *RedisChecker) IsCritical() bool { return true }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	if r.wrapper.IsCircuitBreakerOpen() {
		return CheckResult{Status: StatusUnhealthy, Message: "Redis circuit breaker is open", Error: "circuit breaker open"}
	}
	start := time.Now()
	return pingResult("Redis", r.wrapper.Ping(ctx), start)
}

// DatabaseChecker pings the SQL store and reports pool stats.
type DatabaseChecker struct {
	wrapper *circuitbreaker.DatabaseWrapper
}

func NewDatabaseChecker(w *circuitbreaker.DatabaseWrapper) *DatabaseChecker {
	return &DatabaseChecker{wrapper: w}
}

func (d *DatabaseChecker) Name() string     { return "database" }
func (d *DatabaseChecker) IsCritical() bool { return true }

func (d *DatabaseChecker) Check(ctx context.Context) CheckResult {
	if d.wrapper.IsCircuitBreakerOpen() {
		return CheckResult{Status: StatusUnhealthy, Message: "Database circuit breaker is open", Error: "circuit breaker open"}
	}
	start := time.Now()
	res := pingResult("Database", d.wrapper.PingContext(ctx), start)
	stats := d.wrapper.DB().Stats()
	if res.Details == nil {
		res.Details = map[string]interface{}{}
	}
	res.Details["open_connections"] = stats.OpenConnections
	res.Details["in_use_connections"] = stats.InUse
	if res.Status == StatusHealthy && stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		res.Status = StatusDegraded
		res.Message = "Database connection pool exhausted"
	}
	return res
}

// BreakerChecker reports an outbound dependency by its breaker state alone.
// Model backends and the crawler are probed this way so health checks never
// spend tokens or hit inspected sites.
type BreakerChecker struct {
	cb       *circuitbreaker.CircuitBreaker
	critical bool
}

func NewBreakerChecker(cb *circuitbreaker.CircuitBreaker, critical bool) *BreakerChecker {
	return &BreakerChecker{cb: cb, critical: critical}
}

func (b *BreakerChecker) Name() string     { return b.cb.Name() }
func (b *BreakerChecker) IsCritical() bool { return b.critical }

func (b *BreakerChecker) Check(ctx context.Context) CheckResult {
	state := b.cb.State()
	res := CheckResult{Details: map[string]interface{}{"breaker": state.String()}}
	switch state {
	case circuitbreaker.StateOpen:
		res.Status = StatusUnhealthy
		res.Message = "circuit breaker open"
	case circuitbreaker.StateHalfOpen:
		res.Status = StatusDegraded
		res.Message = "circuit breaker probing"
	default:
		res.Status = StatusHealthy
	}
	return res
}

func pingResult(what string, err error, start time.Time) CheckResult {
	var elapsed time.Duration
	if !start.IsZero() {
		elapsed = time.Since(start)
	}
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: what + " ping failed", Error: err.Error()}
	}
	res := CheckResult{Status: StatusHealthy, Message: what + " healthy"}
	if elapsed > slowThreshold {
		res.Status = StatusDegraded
		res.Message = what + " responding but with high latency"
	}
	return res
}
