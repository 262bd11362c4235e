package workflow

import (
	"fmt"
	"slices"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/state"
)

// Stage names. End is terminal and has no stage function.
const (
	StagePlan          = "plan"
	StageCrawl         = "crawl"
	StageAnalyze       = "analyze"
	StageClassify      = "classify"
	StageValidate      = "validate"
	StageReport        = "report"
	StageCreateTickets = "create_tickets"
	StageSummarize     = "summarize"
	StageEnd           = "end"
)

// Stages lists every stage in pipeline order.
var Stages = []string{
	StagePlan, StageCrawl, StageAnalyze, StageClassify,
	StageValidate, StageReport, StageCreateTickets, StageSummarize,
}

// successors is the fixed topology. A stage with two successors is resolved
// by a predicate in next.
var successors = map[string][]string{
	StagePlan:          {StageCrawl},
	StageCrawl:         {StageAnalyze},
	StageAnalyze:       {StageClassify},
	StageClassify:      {StageValidate, StageReport},
	StageValidate:      {StageReport},
	StageReport:        {StageCreateTickets},
	StageCreateTickets: {StageCrawl, StageSummarize},
	StageSummarize:     {StageEnd},
}

// Successors returns the stages reachable from stage.
func Successors(stage string) []string {
	return slices.Clone(successors[stage])
}

// Next picks the successor of stage for the current state. It never returns
// a stage outside the topology table.
func Next(stage string, s *state.SessionState) (string, error) {
	cands, ok := successors[stage]
	if !ok {
		return "", fmt.Errorf("no transitions from stage %q", stage)
	}
	next := cands[0]
	switch stage {
	case StageClassify:
		if !ShouldValidate(s) {
			next = StageReport
		}
	case StageCreateTickets:
		if ok, _ := ShouldContinueCrawling(s); !ok {
			next = StageSummarize
		}
	}
	if !slices.Contains(cands, next) {
		return "", fmt.Errorf("transition %s -> %s is not in the topology", stage, next)
	}
	return next, nil
}

// ShouldValidate is true when Classify flagged at least one high-impact finding.
func ShouldValidate(s *state.SessionState) bool {
	return len(s.NeedsValidation) > 0
}

// Stop reasons reported by ShouldContinueCrawling.
const (
	ReasonStopRequested  = "stop requested"
	ReasonBudget         = "item budget exhausted"
	ReasonNothingPending = "no unprocessed items"
	ReasonHighSeverity   = "high severity threshold exceeded"
	ReasonTooManyErrors  = "error threshold exceeded"
)

// ShouldContinueCrawling decides whether CreateTickets loops back to Crawl.
// When it returns false the reason names the first condition that stopped it.
func ShouldContinueCrawling(s *state.SessionState) (bool, string) {
	switch {
	case s.Stop:
		return false, ReasonStopRequested
	case s.BudgetRemaining() == 0:
		return false, ReasonBudget
	case len(s.Pending()) == 0:
		return false, ReasonNothingPending
	case s.Config.HighSeverityStop > 0 && s.HighSeverityCount() > s.Config.HighSeverityStop:
		return false, ReasonHighSeverity
	case s.Config.MaxErrors > 0 && len(s.Errors) > s.Config.MaxErrors:
		return false, ReasonTooManyErrors
	}
	return true, ""
}
