package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings is the env-tunable part of a breaker Config.
type Settings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// FromEnv overlays CB_<PREFIX>_* variables on defaults,
// e.g. CB_LLM_FAILURE_THRESHOLD=3.
func FromEnv(prefix string, defaults Settings) Settings {
	p := "CB_" + strings.ToUpper(prefix) + "_"
	return Settings{
		MaxRequests:      getEnvUint32(p+"MAX_REQUESTS", defaults.MaxRequests),
		Interval:         getEnvDuration(p+"INTERVAL", defaults.Interval),
		Timeout:          getEnvDuration(p+"TIMEOUT", defaults.Timeout),
		FailureThreshold: getEnvUint32(p+"FAILURE_THRESHOLD", defaults.FailureThreshold),
		SuccessThreshold: getEnvUint32(p+"SUCCESS_THRESHOLD", defaults.SuccessThreshold),
	}
}

// LLMSettings covers model backends. Rate-limit responses count as failures.
func LLMSettings() Settings {
	return FromEnv("llm", Settings{MaxRequests: 2, Interval: 60 * time.Second, Timeout: 30 * time.Second, FailureThreshold: 5, SuccessThreshold: 1})
}

// RedisSettings covers the checkpoint store.
func RedisSettings() Settings {
	return FromEnv("redis", Settings{MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2})
}

// DatabaseSettings covers Postgres.
func DatabaseSettings() Settings {
	return FromEnv("db", Settings{MaxRequests: 3, Interval: 60 * time.Second, Timeout: 30 * time.Second, FailureThreshold: 5, SuccessThreshold: 2})
}

// HTTPSettings covers crawler and ticketing calls.
func HTTPSettings() Settings {
	return FromEnv("http", Settings{MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2})
}

// ToConfig converts Settings to a breaker Config.
func (s Settings) ToConfig() Config {
	return Config{
		MaxRequests:      s.MaxRequests,
		Interval:         s.Interval,
		Timeout:          s.Timeout,
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
