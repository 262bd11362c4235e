package ratecontrol

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
)

type config struct {
	RateLimits struct {
		DefaultRPM int `yaml:"default_rpm"`
		Tiers      map[string]struct {
			RPM   int `yaml:"rpm"`
			Burst int `yaml:"burst"`
		} `yaml:"tiers"`
	} `yaml:"rate_limits"`
}

// RateLimit is the requests-per-minute budget of a tier.
type RateLimit struct {
	RPM   int
	Burst int
}

var builtInTierLimits = map[models.Tier]RateLimit{
	models.TierPremium:   {RPM: 20, Burst: 2},
	models.TierReasoning: {RPM: 40, Burst: 4},
	models.TierCoding:    {RPM: 60, Burst: 6},
	models.TierGeneral:   {RPM: 120, Burst: 10},
	models.TierFast:      {RPM: 240, Burst: 20},
}

var defaultPaths = []string{
	os.Getenv("TIERS_CONFIG_PATH"),
	"/app/config/tiers.yaml",
	"./config/tiers.yaml",
	"../config/tiers.yaml",
	"../../config/tiers.yaml",
}

func loadConfig() config {
	var cfg config
	paths := append([]string(nil), defaultPaths...)
	if wd, err := os.Getwd(); err == nil {
		for i := 0; i < 6; i++ {
			paths = append(paths, filepath.Join(wd, "config", "tiers.yaml"))
			wd = filepath.Dir(wd)
		}
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp config
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			zap.L().Warn("Failed to unmarshal rate limit config", zap.String("path", p), zap.Error(err))
			continue
		}
		return tmp
	}
	return cfg
}

// Limiters holds one token bucket per tier.
type Limiters struct {
	mu       sync.Mutex
	limits   map[models.Tier]RateLimit
	limiters map[models.Tier]*rate.Limiter
}

// New builds limiters from explicit limits. Tiers without an entry are unlimited.
func New(limits map[models.Tier]RateLimit) *Limiters {
	l := &Limiters{
		limits:   make(map[models.Tier]RateLimit, len(limits)),
		limiters: make(map[models.Tier]*rate.Limiter),
	}
	for t, lim := range limits {
		l.limits[t] = lim
	}
	return l
}

// FromConfig builds limiters from the rate_limits section of config/tiers.yaml,
// falling back to built-in per-tier limits.
func FromConfig() *Limiters {
	cfg := loadConfig()
	limits := make(map[models.Tier]RateLimit, len(builtInTierLimits))
	for t, lim := range builtInTierLimits {
		limits[t] = lim
	}
	if cfg.RateLimits.DefaultRPM > 0 {
		for t := range limits {
			limits[t] = RateLimit{RPM: cfg.RateLimits.DefaultRPM, Burst: limits[t].Burst}
		}
	}
	for name, o := range cfg.RateLimits.Tiers {
		t := models.Tier(strings.ToLower(strings.TrimSpace(name)))
		limits[t] = RateLimit{RPM: o.RPM, Burst: o.Burst}
	}
	return New(limits)
}

// LimitForTier returns the configured limit of a tier.
func (l *Limiters) LimitForTier(t models.Tier) RateLimit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits[t]
}

func (l *Limiters) limiter(t models.Tier) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[t]; ok {
		return lim
	}
	cfg, ok := l.limits[t]
	if !ok || cfg.RPM <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RPM)), burst)
	l.limiters[t] = lim
	return lim
}

// Wait blocks until a request on tier t is allowed or ctx is done.
func (l *Limiters) Wait(ctx context.Context, t models.Tier) error {
	if l == nil {
		return nil
	}
	lim := l.limiter(t)
	if lim == nil {
		return nil
	}
	start := time.Now()
	err := lim.Wait(ctx)
	metrics.RateLimitWait.WithLabelValues(string(t)).Observe(time.Since(start).Seconds())
	return err
}
