package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/costs"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/db"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/errtrack"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/state"
)

// SessionReport is the end-of-session view printed by the CLI and stored
// as a summary row.
type SessionReport struct {
	SessionID      string                              `json:"session_id"`
	Target         string                              `json:"target"`
	Status         string                              `json:"status"`
	Iterations     int                                 `json:"iterations"`
	Pages          int                                 `json:"pages"`
	Findings       int                                 `json:"findings"`
	BySeverity     map[string]int                      `json:"by_severity"`
	NeedsReview    int                                 `json:"needs_review"`
	TicketsFiled   int                                 `json:"tickets_filed"`
	TicketsSkipped int                                 `json:"tickets_skipped"`
	TotalCost      float64                             `json:"total_cost_usd"`
	Breakdown      map[models.Tier]costs.TierBreakdown `json:"cost_breakdown"`
	StageCosts     map[string]float64                  `json:"stage_costs"`
	Durations      map[string]time.Duration            `json:"durations"`
	Errors         errtrack.Summary                    `json:"errors"`
	Patterns       []errtrack.Pattern                  `json:"patterns,omitempty"`
	Compactions    int                                 `json:"compactions"`
	StopReason     string                              `json:"stop_reason,omitempty"`
	Summary        string                              `json:"summary,omitempty"`
	StartedAt      time.Time                           `json:"started_at"`
	UpdatedAt      time.Time                           `json:"updated_at"`
}

// Report builds the session view from state alone, so it works the same for
// a live session and one loaded from a checkpoint.
func (e *Engine) Report(s *state.SessionState) SessionReport {
	return BuildReport(s)
}

// BuildReport is Report without an engine, used by the CLI on checkpoints.
func BuildReport(s *state.SessionState) SessionReport {
	r := SessionReport{
		SessionID:   s.SessionID,
		Target:      s.Config.Target,
		Status:      s.Status,
		Iterations:  s.Iteration,
		Pages:       len(s.Pages),
		Findings:    len(s.Classified),
		BySeverity:  make(map[string]int),
		TotalCost:   s.TotalCost,
		Breakdown:   make(map[models.Tier]costs.TierBreakdown),
		StageCosts:  s.StageCosts,
		Durations:   s.Durations,
		Compactions: s.Compaction.Count,
		StopReason:  s.StopReason,
		Summary:     s.Summary,
		StartedAt:   s.StartedAt,
		UpdatedAt:   s.UpdatedAt,
	}
	refined := latest(s)
	for _, f := range refined {
		r.BySeverity[f.Severity]++
		if f.NeedsReview {
			r.NeedsReview++
		}
	}
	for _, t := range s.Reported {
		if t.Skipped {
			r.TicketsSkipped++
		} else {
			r.TicketsFiled++
		}
	}
	for _, u := range s.Usage {
		b := r.Breakdown[u.Tier]
		b.Cost += u.Cost
		b.Calls++
		b.InputTokens += u.InputTokens
		b.OutputTokens += u.OutputTokens
		r.Breakdown[u.Tier] = b
	}

	agg := errtrack.NewDetached(nil)
	for _, e := range s.Errors {
		agg.AddTyped(e.Type, e.Message, e.Stage+" "+e.Context)
	}
	r.Errors = agg.Summary()
	r.Patterns = agg.Patterns(2)
	return r
}

// Text renders a plain summary used when the model summary is unavailable.
func (r SessionReport) Text() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Inspection of %s: %d pages, %d findings", r.Target, r.Pages, r.Findings)
	for _, sev := range severities {
		if n := r.BySeverity[sev]; n > 0 {
			fmt.Fprintf(&sb, ", %d %s", n, sev)
		}
	}
	fmt.Fprintf(&sb, ". %d tickets filed, %d skipped, %d need review.", r.TicketsFiled, r.TicketsSkipped, r.NeedsReview)
	fmt.Fprintf(&sb, " %d errors", r.Errors.TotalErrors)
	if len(r.Patterns) > 0 {
		fmt.Fprintf(&sb, " (top: %s)", r.Patterns[0])
	}
	fmt.Fprintf(&sb, ". Cost $%.4f.", r.TotalCost)
	if r.StopReason != "" {
		fmt.Fprintf(&sb, " Stopped: %s.", r.StopReason)
	}
	return sb.String()
}

// Row converts the report into the persisted summary row.
func (r SessionReport) Row() *db.SessionSummary {
	breakdown := make(db.JSONB, len(r.Breakdown))
	for tier, b := range r.Breakdown {
		breakdown[string(tier)] = map[string]interface{}{
			"cost":          b.Cost,
			"calls":         b.Calls,
			"input_tokens":  b.InputTokens,
			"output_tokens": b.OutputTokens,
		}
	}
	summary := r.Summary
	if summary == "" {
		summary = r.Text()
	}
	return &db.SessionSummary{
		SessionID:      r.SessionID,
		Target:         r.Target,
		Status:         r.Status,
		PagesProcessed: r.Pages,
		Findings:       r.Findings,
		TicketsFiled:   r.TicketsFiled,
		TotalErrors:    r.Errors.TotalErrors,
		TotalCostUSD:   r.TotalCost,
		CostBreakdown:  breakdown,
		Summary:        summary,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.UpdatedAt,
	}
}
