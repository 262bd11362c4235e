package models

import "fmt"

// Task names routed through the tier table.
const (
	TaskPlanInspection     = "plan_inspection"
	TaskAnalyzePage        = "analyze_page"
	TaskClassifyFinding    = "classify_finding"
	TaskValidateFinding    = "validate_finding"
	TaskValidateDeep       = "validate_finding_deep"
	TaskReviewCriticalPath = "review_critical_path"
	TaskWriteReport        = "write_report"
	TaskSummarizeFindings  = "summarize_findings"
	TaskSummarizeSession   = "summarize_session"
)

// ResolveTier looks up the tier for a task. Unknown tasks resolve to the
// default tier with ok=false so the caller can log it.
func ResolveTier(task string) (tier Tier, ok bool) {
	tablesMu.RLock()
	defer tablesMu.RUnlock()
	if t, found := tables.Routes[task]; found {
		return t, true
	}
	return tables.DefaultTier, false
}

// DefaultTier returns the tier used for unrouted tasks.
func DefaultTier() Tier {
	tablesMu.RLock()
	defer tablesMu.RUnlock()
	return tables.DefaultTier
}

// Family identifies which backend collaborator serves a tier.
type Family string

const (
	// FamilyPremium is the low-throughput provider used for the top tier.
	FamilyPremium Family = "premium"
	// FamilyMultiModel is the cost-optimized multi-model gateway used for every other tier.
	FamilyMultiModel Family = "multimodel"
)

// FamilyFor returns the backend family implied by a tier.
func FamilyFor(t Tier) Family {
	if t == TierPremium {
		return FamilyPremium
	}
	return FamilyMultiModel
}

// WithRoutes returns a copy of t with task routes and the default tier
// overridden. Empty values are ignored; unknown tiers are rejected.
func (t Tables) WithRoutes(routes map[string]string, defaultTier string) (Tables, error) {
	out := t.clone()
	if defaultTier != "" {
		d, err := ParseTier(defaultTier)
		if err != nil {
			return Tables{}, fmt.Errorf("default tier: %w", err)
		}
		out.DefaultTier = d
	}
	for task, name := range routes {
		if name == "" {
			continue
		}
		tier, err := ParseTier(name)
		if err != nil {
			return Tables{}, fmt.Errorf("route %s: %w", task, err)
		}
		out.Routes[task] = tier
	}
	return out, nil
}
