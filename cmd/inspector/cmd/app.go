package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/batch"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/budget"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/checkpoint"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/compaction"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/config"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/costs"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/crawler"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/db"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/errtrack"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/health"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/pricing"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/routing"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/ticketing"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/workflow"
)

const shutdownTimeout = 10 * time.Second

// setup loads configuration and builds the process logger. The logger is
// installed globally because the pricing and rate limit loaders log through zap.L().
func setup() (*config.Config, *zap.Logger, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, logger, err
	}
	if err := cfg.ApplyRouting(); err != nil {
		return nil, logger, fmt.Errorf("routing: %w", err)
	}
	logger.Debug("Configuration loaded",
		zap.String("source", cfg.Source),
		zap.String("checkpoint", cfg.Workflow.Checkpoint),
		zap.String("default_tier", cfg.Routing.DefaultTier),
	)
	return cfg, logger, nil
}

// stores are the persistence backends shared by run, resume and usage.
type stores struct {
	checkpoints checkpoint.Store
	db          *db.Client
	redis       *circuitbreaker.RedisWrapper
	closers     []func() error
}

func openStores(ctx context.Context, cfg *config.Config, hm *health.Manager, logger *zap.Logger) (*stores, error) {
	st := &stores{}
	fail := func(err error) (*stores, error) {
		st.close(logger)
		return nil, err
	}

	if cfg.Database.Enabled {
		client, err := db.NewClient(cfg.Database.Config, logger)
		if err != nil {
			return fail(fmt.Errorf("database: %w", err))
		}
		st.db = client
		st.closers = append(st.closers, client.Close)
		hm.Register(health.NewDatabaseChecker(client.Wrapper()))
	}

	if cfg.Workflow.Checkpoint == config.CheckpointRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		st.redis = circuitbreaker.NewRedisWrapper(client, logger)
		st.closers = append(st.closers, st.redis.Close)
		hm.Register(health.NewRedisChecker(st.redis))
	}

	switch cfg.Workflow.Checkpoint {
	case config.CheckpointRedis:
		st.checkpoints = checkpoint.NewRedisStore(st.redis, 0)
	case config.CheckpointSQL:
		dw, err := st.sqlWrapper(cfg, logger)
		if err != nil {
			return fail(err)
		}
		store, err := checkpoint.NewSQLStore(ctx, dw)
		if err != nil {
			return fail(err)
		}
		st.checkpoints = store
	default:
		st.checkpoints = checkpoint.NewMemoryStore()
	}
	return st, nil
}

// sqlWrapper reuses Postgres when it is configured and falls back to a local
// SQLite file otherwise.
func (st *stores) sqlWrapper(cfg *config.Config, logger *zap.Logger) (*circuitbreaker.DatabaseWrapper, error) {
	if st.db != nil {
		return st.db.Wrapper(), nil
	}
	if dir := filepath.Dir(cfg.Workflow.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("checkpoint directory: %w", err)
		}
	}
	raw, err := sqlx.Open("sqlite3", cfg.Workflow.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite checkpoints: %w", err)
	}
	raw.SetMaxOpenConns(1)
	st.closers = append(st.closers, raw.Close)
	logger.Info("Using SQLite checkpoint store", zap.String("path", cfg.Workflow.SQLitePath))
	return circuitbreaker.NewDatabaseWrapper(raw, logger), nil
}

func (st *stores) close(logger *zap.Logger) {
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](); err != nil {
			logger.Warn("Close failed", zap.Error(err))
		}
	}
	st.closers = nil
}

// app is everything a run or resume needs.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	engine  *workflow.Engine
	events  *streaming.Manager
	stores  *stores
	cleanup []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	} else {
		a.cleanup = append(a.cleanup, shutdownTracing)
	}

	stopCollector := make(chan struct{})
	circuitbreaker.StartMetricsCollection(15*time.Second, stopCollector)
	a.cleanup = append(a.cleanup, func(context.Context) error {
		close(stopCollector)
		return nil
	})

	hm := health.NewManager(logger)
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Addr, logger)
		hm.RegisterRoutes(srv.Mux)
		srv.Start()
		a.cleanup = append(a.cleanup, srv.Shutdown)
	}

	st, err := openStores(ctx, cfg, hm, logger)
	if err != nil {
		return fail(err)
	}
	a.stores = st

	var mirror *goredis.Client
	if cfg.Streaming.RedisMirror {
		mirror = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.cleanup = append(a.cleanup, func(context.Context) error { return mirror.Close() })
	}
	a.events = streaming.NewManager(mirror, cfg.Streaming.Capacity, logger)

	var sink costs.Sink
	var summaries workflow.SummaryStore
	if st.db != nil {
		sink = st.db
		summaries = st.db
	}
	tracker := costs.NewTracker(sink, logger)

	premium := llm.NewPremiumBackend(cfg.Backends.Premium, nil, logger)
	multi := llm.NewMultiModelBackend(cfg.Backends.MultiModel, nil, logger)
	router := routing.NewRouter(premium, multi, tracker, logger,
		routing.WithLimiters(ratecontrol.FromConfig()))

	tokens := budget.New()
	router.SetCompactor(compaction.New(tokens, router, compaction.Config{
		ThresholdRatio: cfg.Compaction.ThresholdRatio,
		KeepRecent:     cfg.Compaction.KeepRecent,
		MaxTokens:      cfg.Compaction.MaxTokens,
	}, logger))
	caller := routing.NewFallbackExecutor(router, routing.FallbackConfig{
		MaxRetriesPerTier: cfg.Fallback.MaxRetriesPerTier,
		RetryDelay:        cfg.Fallback.RetryDelay,
	}, logger)

	crawlHTTP := circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Crawler.Timeout},
		"crawler", "crawler", circuitbreaker.FromEnv("CRAWLER", circuitbreaker.HTTPSettings()), false, logger)
	hm.Register(health.NewBreakerChecker(crawlHTTP.Breaker(), false))
	fetcher := crawler.New(crawlHTTP, crawler.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.Crawler.Timeout,
		MaxText:   cfg.Crawler.MaxText,
	}, logger)

	var tickets ticketing.Client
	switch cfg.Ticketing.Provider {
	case "github":
		gh, err := ticketing.NewGitHub(cfg.Ticketing.GitHub, nil, logger)
		if err != nil {
			return fail(fmt.Errorf("ticketing: %w", err))
		}
		tickets = gh
	default:
		tickets = ticketing.NewMemory("INS")
	}

	gate, err := policy.NewOPAEngine(cfg.Policy, logger)
	if err != nil {
		return fail(fmt.Errorf("policy: %w", err))
	}
	a.watchConfig(ctx, gate)

	engine, err := workflow.New(workflow.Deps{
		Caller:    caller,
		Fetcher:   fetcher,
		Tickets:   tickets,
		Policy:    gate,
		Store:     st.checkpoints,
		Tracker:   tracker,
		Errors:    errtrack.New(logger),
		Batch:     batch.NewExecutor(cfg.Batch.Concurrency, logger),
		Budget:    tokens,
		Events:    a.events,
		Summaries: summaries,
	}, workflow.Options{
		CompactionThreshold: cfg.Compaction.ThresholdRatio,
		MaxTickets:          cfg.Policy.MaxTickets,
	}, logger)
	if err != nil {
		return fail(err)
	}
	a.engine = engine
	return a, nil
}

// watchConfig hot-reloads tier rates and ticket policies from the config
// directory. A missing directory only disables reloading.
func (a *app) watchConfig(ctx context.Context, gate *policy.OPAEngine) {
	dir := "config"
	if a.cfg.Source != "" {
		dir = filepath.Dir(a.cfg.Source)
	}
	cm, err := config.NewConfigManager(dir, a.logger)
	if err != nil {
		a.logger.Debug("Config hot reload disabled", zap.Error(err))
		return
	}
	cm.RegisterValidator("tiers.yaml", pricing.ValidateMap)
	cm.RegisterHandler("tiers.yaml", func(ev config.ChangeEvent) error {
		pricing.Reload()
		a.logger.Info("Tier pricing reloaded", zap.String("source", pricing.Source()), zap.String("action", ev.Action))
		return nil
	})
	cm.RegisterPolicyHandler(gate.LoadPolicies)
	if err := cm.Start(ctx); err != nil {
		a.logger.Warn("Config hot reload disabled", zap.Error(err))
		return
	}
	a.cleanup = append(a.cleanup, func(context.Context) error { return cm.Stop() })
}

// follow logs stage events for one session until ctx ends or the session completes.
func (a *app) follow(ctx context.Context, sessionID string) func() {
	ch := a.events.Subscribe(sessionID, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				a.logger.Info("Session event",
					zap.String("type", ev.Type),
					zap.String("stage", ev.Stage),
					zap.String("message", ev.Message),
					zap.Uint64("seq", ev.Seq),
				)
				if ev.Type == streaming.EventSessionCompleted {
					return
				}
			}
		}
	}()
	return func() {
		a.events.Unsubscribe(sessionID, ch)
		<-done
	}
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.stores != nil {
		a.stores.close(a.logger)
	}
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		if err := a.cleanup[i](ctx); err != nil {
			a.logger.Warn("Shutdown step failed", zap.Error(err))
		}
	}
	a.cleanup = nil
}
