package pricing

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
)

// Config structure for the tiers section in config/tiers.yaml
type config struct {
	Tiers map[string]models.TierSpec `yaml:"tiers"`
}

var (
	mu          sync.RWMutex
	loaded      *config
	loadedFrom  string
	initialized bool
)

// default locations inside containers / local dev
var defaultPaths = []string{
	os.Getenv("TIERS_CONFIG_PATH"),
	"/app/config/tiers.yaml",
	"./config/tiers.yaml",
	"../config/tiers.yaml",
	"../../config/tiers.yaml", // from internal/*
}

// findUpConfig searches parent directories for config/tiers.yaml starting at CWD.
func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "tiers.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

func readFile(path string) (*config, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var tmp config
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		zap.L().Warn("Failed to unmarshal tier pricing", zap.String("path", path), zap.Error(err))
		return nil, false
	}
	return &tmp, true
}

// loadLocked loads the configuration - must be called while holding mu.Lock()
func loadLocked() {
	cfg := &config{}
	from := ""
	for _, p := range defaultPaths {
		if p == "" {
			continue
		}
		if c, ok := readFile(p); ok {
			cfg, from = c, p
			break
		}
	}
	if from == "" {
		if path, ok := findUpConfig(); ok {
			if c, ok := readFile(path); ok {
				cfg, from = c, path
			}
		}
	}
	if from != "" {
		zap.L().Info("Loaded tier pricing", zap.String("path", from), zap.Int("tiers", len(cfg.Tiers)))
	}
	loaded = cfg
	loadedFrom = from
	initialized = true
}

func get() *config {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	// Double-check after acquiring write lock
	if !initialized {
		loadLocked()
	}
	return loaded
}

// Source returns the file the rates were loaded from, empty when built-in rates are in use.
func Source() string {
	get()
	mu.RLock()
	defer mu.RUnlock()
	return loadedFrom
}

// ModifiedTime returns the mtime of the loaded file (best-effort)
func ModifiedTime() time.Time {
	if p := Source(); p != "" {
		if st, err := os.Stat(p); err == nil {
			return st.ModTime()
		}
	}
	return time.Time{}
}

// Reload forces a re-read of tier pricing.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}

// LoadFile replaces the active rates with the contents of path.
func LoadFile(path string) error {
	c, ok := readFile(path)
	if !ok {
		return errors.New("cannot read tier pricing from " + path)
	}
	mu.Lock()
	loaded, loadedFrom, initialized = c, path, true
	mu.Unlock()
	return nil
}

// SpecFor returns the tier's spec with file overrides applied over the built-in table.
// Zero-valued fields in the file keep the built-in value.
func SpecFor(tier models.Tier) (models.TierSpec, bool) {
	spec, ok := models.SpecFor(tier)
	override, found := get().Tiers[string(tier)]
	if !found {
		return spec, ok
	}
	if override.InputPerMillion > 0 {
		spec.InputPerMillion = override.InputPerMillion
	}
	if override.OutputPerMillion > 0 {
		spec.OutputPerMillion = override.OutputPerMillion
	}
	if override.ContextLimit > 0 {
		spec.ContextLimit = override.ContextLimit
	}
	return spec, true
}

// CostFor returns the USD cost of a call on tier.
func CostFor(tier models.Tier, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	spec, ok := SpecFor(tier)
	if !ok {
		metrics.PricingFallbacks.WithLabelValues("unknown_tier").Inc()
		spec, _ = SpecFor(models.DefaultTier())
	}
	return float64(inputTokens)/1e6*spec.InputPerMillion + float64(outputTokens)/1e6*spec.OutputPerMillion
}

// ValidateMap validates the tiers section in a raw config map for the config manager.
func ValidateMap(m map[string]interface{}) error {
	tiers, ok := m["tiers"].(map[string]interface{})
	if !ok {
		return nil
	}
	for name, raw := range tiers {
		if _, err := models.ParseTier(name); err != nil {
			return err
		}
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		for _, key := range []string{"input_per_million", "output_per_million"} {
			if v, ok := toFloat(entry[key]); ok && v < 0 {
				return errors.New("negative " + key + " for tier " + name)
			}
		}
		if v, ok := toFloat(entry["context_limit"]); ok && v <= 0 {
			return errors.New("context_limit must be > 0 for tier " + name)
		}
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
