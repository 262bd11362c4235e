package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/crawler"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/db"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/ticketing"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/tracing"
)

// Checkpoint backends
const (
	CheckpointMemory = "memory"
	CheckpointRedis  = "redis"
	CheckpointSQL    = "sql"
)

type RoutingConfig struct {
	DefaultTier string            `mapstructure:"default_tier"`
	Tasks       map[string]string `mapstructure:"tasks"`
}

type FallbackConfig struct {
	MaxRetriesPerTier int           `mapstructure:"max_retries_per_tier"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
}

type CompactionConfig struct {
	ThresholdRatio float64 `mapstructure:"threshold_ratio"`
	KeepRecent     int     `mapstructure:"keep_recent"`
	MaxTokens      int     `mapstructure:"max_tokens"`
}

type BatchConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type WorkflowConfig struct {
	MaxItems         int    `mapstructure:"max_items"`
	CrawlBatch       int    `mapstructure:"crawl_batch"`
	HighSeverityStop int    `mapstructure:"high_severity_stop"`
	MaxErrors        int    `mapstructure:"max_errors"`
	Checkpoint       string `mapstructure:"checkpoint"`
	// SQLitePath is used by the sql checkpoint backend when no database is configured.
	SQLitePath string `mapstructure:"sqlite_path"`
}

type BackendsConfig struct {
	Premium    llm.HTTPConfig `mapstructure:"premium"`
	MultiModel llm.HTTPConfig `mapstructure:"multimodel"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DatabaseConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	db.Config `mapstructure:",squash"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type StreamingConfig struct {
	Capacity    int  `mapstructure:"capacity"`
	RedisMirror bool `mapstructure:"redis_mirror"`
}

type TicketingConfig struct {
	// Provider is memory or github.
	Provider string                 `mapstructure:"provider"`
	GitHub   ticketing.GitHubConfig `mapstructure:"github"`
}

type CrawlerConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxText   int           `mapstructure:"max_text"`
}

// Config is the full inspector.yaml.
type Config struct {
	Routing    RoutingConfig    `mapstructure:"routing"`
	Fallback   FallbackConfig   `mapstructure:"fallback"`
	Compaction CompactionConfig `mapstructure:"compaction"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Backends   BackendsConfig   `mapstructure:"backends"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Tracing    tracing.Config   `mapstructure:"tracing"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Streaming  StreamingConfig  `mapstructure:"streaming"`
	Policy     policy.Config    `mapstructure:"policy"`
	Ticketing  TicketingConfig  `mapstructure:"ticketing"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`

	// Source is the file the config was read from, empty when only defaults apply.
	Source string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("routing.default_tier", string(models.TierGeneral))
	v.SetDefault("fallback.max_retries_per_tier", 2)
	v.SetDefault("fallback.retry_delay", 500*time.Millisecond)
	v.SetDefault("compaction.threshold_ratio", 0.7)
	v.SetDefault("compaction.keep_recent", 10)
	v.SetDefault("compaction.max_tokens", 1024)
	v.SetDefault("batch.concurrency", 5)
	v.SetDefault("workflow.max_items", 25)
	v.SetDefault("workflow.crawl_batch", 5)
	v.SetDefault("workflow.high_severity_stop", 10)
	v.SetDefault("workflow.max_errors", 20)
	v.SetDefault("workflow.checkpoint", CheckpointMemory)
	v.SetDefault("workflow.sqlite_path", "inspector-checkpoints.db")
	v.SetDefault("backends.premium.base_url", "https://api.anthropic.com")
	v.SetDefault("backends.premium.timeout", llm.DefaultTimeout)
	v.SetDefault("backends.multimodel.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("backends.multimodel.timeout", llm.DefaultTimeout)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "inspector")
	v.SetDefault("database.database", "inspector")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "inspector")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":2112")
	v.SetDefault("streaming.capacity", 256)
	v.SetDefault("streaming.redis_mirror", false)
	v.SetDefault("policy.mode", string(policy.ModeDryRun))
	v.SetDefault("policy.path", "config/policies")
	v.SetDefault("policy.fail_closed", false)
	v.SetDefault("policy.max_tickets", 0)
	v.SetDefault("ticketing.provider", "memory")
	v.SetDefault("ticketing.github.base_url", "https://api.github.com")
	v.SetDefault("crawler.user_agent", crawler.DefaultUserAgent)
	v.SetDefault("crawler.timeout", 30*time.Second)
	v.SetDefault("crawler.max_text", crawler.DefaultMaxText)
}

// Load reads inspector.yaml. path may be empty, in which case INSPECTOR_CONFIG
// and then ./config, ../config and /app/config are searched. An explicit path
// must exist; a search that finds nothing falls back to defaults and
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("INSPECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("INSPECTOR_CONFIG")
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("inspector")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("/app/config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides fills secrets from their conventional variables and
// parses the numeric knobs operators tune most often.
func applyEnvOverrides(cfg *Config) {
	if cfg.Backends.Premium.APIKey == "" {
		cfg.Backends.Premium.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Backends.MultiModel.APIKey == "" {
		cfg.Backends.MultiModel.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if cfg.Ticketing.GitHub.Token == "" {
		cfg.Ticketing.GitHub.Token = os.Getenv("GITHUB_TOKEN")
	}
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workflow.MaxItems = n
		}
	}
	if v := os.Getenv("BATCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Batch.Concurrency = n
		}
	}
	cfg.Policy = cfg.Policy.Normalize()
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Fallback.MaxRetriesPerTier < 1 {
		return fmt.Errorf("fallback.max_retries_per_tier must be >= 1, got %d", c.Fallback.MaxRetriesPerTier)
	}
	if c.Fallback.RetryDelay < 0 {
		return fmt.Errorf("fallback.retry_delay must not be negative")
	}
	if c.Compaction.ThresholdRatio <= 0 || c.Compaction.ThresholdRatio > 1 {
		return fmt.Errorf("compaction.threshold_ratio must be in (0,1], got %v", c.Compaction.ThresholdRatio)
	}
	if c.Compaction.KeepRecent < 1 {
		return fmt.Errorf("compaction.keep_recent must be >= 1")
	}
	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("batch.concurrency must be >= 1")
	}
	if c.Workflow.MaxItems < 1 || c.Workflow.CrawlBatch < 1 {
		return fmt.Errorf("workflow.max_items and workflow.crawl_batch must be >= 1")
	}
	switch c.Workflow.Checkpoint {
	case CheckpointMemory, CheckpointRedis, CheckpointSQL:
	default:
		return fmt.Errorf("workflow.checkpoint must be memory, redis or sql, got %q", c.Workflow.Checkpoint)
	}
	switch c.Ticketing.Provider {
	case "memory", "github":
	default:
		return fmt.Errorf("ticketing.provider must be memory or github, got %q", c.Ticketing.Provider)
	}
	if _, err := models.CurrentTables().WithRoutes(c.Routing.Tasks, c.Routing.DefaultTier); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	return nil
}

// ApplyRouting installs the configured task routes into the process-wide tables.
func (c *Config) ApplyRouting() error {
	t, err := models.CurrentTables().WithRoutes(c.Routing.Tasks, c.Routing.DefaultTier)
	if err != nil {
		return err
	}
	_, err = models.SetTables(t)
	return err
}
