package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Tier is a class of model backend with its own cost rates and context limit.
type Tier string

const (
	TierPremium   Tier = "premium"
	TierReasoning Tier = "reasoning"
	TierCoding    Tier = "coding"
	TierGeneral   Tier = "general"
	TierFast      Tier = "fast"
)

// ErrUnknownTier is returned when a tier name is not in the tier table.
var ErrUnknownTier = errors.New("unknown model tier")

// AllTiers lists tiers from most to least capable.
var AllTiers = []Tier{TierPremium, TierReasoning, TierCoding, TierGeneral, TierFast}

// TierSpec holds the static rates (USD per million tokens) and context size of a tier.
type TierSpec struct {
	InputPerMillion  float64 `json:"input_per_million" yaml:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million" yaml:"output_per_million"`
	ContextLimit     int     `json:"context_limit" yaml:"context_limit"`
}

// Tables bundles the process-wide routing configuration.
type Tables struct {
	Specs       map[Tier]TierSpec
	Routes      map[string]Tier
	DefaultTier Tier
	Chains      map[Tier][]Tier
}

var (
	tablesMu sync.RWMutex
	tables   = builtinTables()
)

func builtinTables() Tables {
	return Tables{
		Specs: map[Tier]TierSpec{
			TierPremium:   {InputPerMillion: 15.00, OutputPerMillion: 75.00, ContextLimit: 200000},
			TierReasoning: {InputPerMillion: 3.00, OutputPerMillion: 15.00, ContextLimit: 200000},
			TierCoding:    {InputPerMillion: 1.25, OutputPerMillion: 10.00, ContextLimit: 128000},
			TierGeneral:   {InputPerMillion: 0.50, OutputPerMillion: 1.50, ContextLimit: 128000},
			TierFast:      {InputPerMillion: 0.10, OutputPerMillion: 0.40, ContextLimit: 128000},
		},
		Routes: map[string]Tier{
			TaskPlanInspection:     TierReasoning,
			TaskAnalyzePage:        TierCoding,
			TaskClassifyFinding:    TierGeneral,
			TaskValidateFinding:    TierGeneral,
			TaskValidateDeep:       TierReasoning,
			TaskWriteReport:        TierGeneral,
			TaskSummarizeFindings:  TierGeneral,
			TaskSummarizeSession:   TierFast,
			TaskReviewCriticalPath: TierPremium,
		},
		DefaultTier: TierGeneral,
		Chains: map[Tier][]Tier{
			TierPremium:   {TierReasoning, TierGeneral, TierFast},
			TierReasoning: {TierGeneral, TierFast},
			TierCoding:    {TierGeneral, TierFast},
			TierGeneral:   {TierFast},
			TierFast:      {},
		},
	}
}

// CurrentTables returns a copy of the active tables.
func CurrentTables() Tables {
	tablesMu.RLock()
	defer tablesMu.RUnlock()
	return tables.clone()
}

// SetTables replaces the process-wide tables after validating them and
// returns a function that restores the previous tables.
func SetTables(t Tables) (func(), error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	tablesMu.Lock()
	prev := tables
	tables = t.clone()
	tablesMu.Unlock()
	return func() {
		tablesMu.Lock()
		tables = prev
		tablesMu.Unlock()
	}, nil
}

// ResetTables restores the built-in tables.
func ResetTables() {
	tablesMu.Lock()
	tables = builtinTables()
	tablesMu.Unlock()
}

// SpecFor returns the built-in spec of a tier.
func SpecFor(t Tier) (TierSpec, bool) {
	tablesMu.RLock()
	defer tablesMu.RUnlock()
	s, ok := tables.Specs[t]
	return s, ok
}

// FallbackChain returns the ordered fallback tiers for t. The cheapest tier maps to an empty list.
func FallbackChain(t Tier) []Tier {
	tablesMu.RLock()
	defer tablesMu.RUnlock()
	return append([]Tier(nil), tables.Chains[t]...)
}

// Cheapest returns the tier with the lowest combined rate.
func Cheapest() Tier {
	tablesMu.RLock()
	defer tablesMu.RUnlock()
	return tables.cheapest()
}

// ParseTier converts a case-insensitive name to a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllTiers {
		if known == t {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

func (t Tier) String() string { return string(t) }

// Validate checks that every referenced tier has a spec, the default tier is
// set and each fallback chain strictly decreases in cost.
func (t Tables) Validate() error {
	if t.DefaultTier == "" {
		return errors.New("default tier not configured")
	}
	if _, ok := t.Specs[t.DefaultTier]; !ok {
		return fmt.Errorf("%w: default %q", ErrUnknownTier, t.DefaultTier)
	}
	for task, tier := range t.Routes {
		if _, ok := t.Specs[tier]; !ok {
			return fmt.Errorf("%w: %q for task %q", ErrUnknownTier, tier, task)
		}
	}
	for from, chain := range t.Chains {
		spec, ok := t.Specs[from]
		if !ok {
			return fmt.Errorf("%w: chain head %q", ErrUnknownTier, from)
		}
		prev := spec.blended()
		for _, next := range chain {
			ns, ok := t.Specs[next]
			if !ok {
				return fmt.Errorf("%w: %q in chain of %q", ErrUnknownTier, next, from)
			}
			if ns.blended() >= prev {
				return fmt.Errorf("fallback chain of %q is not strictly decreasing in cost at %q", from, next)
			}
			prev = ns.blended()
		}
	}
	if c := t.cheapest(); len(t.Chains[c]) != 0 {
		return fmt.Errorf("cheapest tier %q must have an empty fallback chain", c)
	}
	return nil
}

func (t Tables) cheapest() Tier {
	names := make([]string, 0, len(t.Specs))
	for tier := range t.Specs {
		names = append(names, string(tier))
	}
	sort.Strings(names)
	var best Tier
	bestRate := -1.0
	for _, n := range names {
		r := t.Specs[Tier(n)].blended()
		if bestRate < 0 || r < bestRate {
			best, bestRate = Tier(n), r
		}
	}
	return best
}

func (t Tables) clone() Tables {
	out := Tables{
		Specs:       make(map[Tier]TierSpec, len(t.Specs)),
		Routes:      make(map[string]Tier, len(t.Routes)),
		DefaultTier: t.DefaultTier,
		Chains:      make(map[Tier][]Tier, len(t.Chains)),
	}
	for k, v := range t.Specs {
		out.Specs[k] = v
	}
	for k, v := range t.Routes {
		out.Routes[k] = v
	}
	for k, v := range t.Chains {
		out.Chains[k] = append([]Tier(nil), v...)
	}
	return out
}

func (s TierSpec) blended() float64 { return s.InputPerMillion + s.OutputPerMillion }
