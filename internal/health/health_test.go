package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/circuitbreaker"
)

func TestRedisAndDatabaseCheckers(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rw := circuitbreaker.NewRedisWrapper(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zaptest.NewLogger(t))

	sdb, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer sdb.Close()
	dw := circuitbreaker.NewDatabaseWrapper(sdb, zaptest.NewLogger(t))

	m := NewManager(zaptest.NewLogger(t))
	m.Register(NewRedisChecker(rw))
	m.Register(NewDatabaseChecker(dw))
	assert.Equal(t, []string{"database", "redis"}, m.Names())

	rep := m.Check(context.Background())
	assert.True(t, rep.Ready)
	assert.NotEqual(t, StatusUnhealthy, rep.Status)
	assert.Equal(t, StatusHealthy, rep.Components["database"].Status)

	mr.Close()
	rep = m.Check(context.Background())
	assert.False(t, rep.Ready)
	assert.Equal(t, StatusUnhealthy, rep.Status)
	assert.Equal(t, "unhealthy", rep.Components["redis"].State)
	assert.NotEmpty(t, rep.Components["redis"].Error)
}

func TestBreakerCheckerDegradesNonCritical(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = 1
	cb := circuitbreaker.NewCircuitBreaker("multimodel", cfg, nil)
	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	require.Equal(t, circuitbreaker.StateOpen, cb.State())

	m := NewManager(nil)
	m.Register(NewBreakerChecker(cb, false))
	rep := m.Check(context.Background())
	assert.True(t, rep.Ready, "non-critical failures keep the process ready")
	assert.Equal(t, StatusDegraded, rep.Status)
	assert.Equal(t, "open", rep.Components["multimodel"].Details["breaker"])
}

type panicky struct{}

func (panicky) Name() string     { return "panicky" }
func (panicky) IsCritical() bool { return true }

func (panicky) Check(context.Context) CheckResult {
	panic("nope")
}

func TestHTTPRoutes(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	mux := http.NewServeMux()
	m.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])

	m.Register(panicky{})
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
