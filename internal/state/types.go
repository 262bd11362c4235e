package state

import (
	"time"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
)

// Severity levels assigned during classification.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Priority tiers. P0 and P1 are high impact and go through deep validation.
const (
	PriorityP0 = "P0"
	PriorityP1 = "P1"
	PriorityP2 = "P2"
	PriorityP3 = "P3"
)

// Verdicts produced by validation.
const (
	VerdictConfirmed     = "confirmed"
	VerdictFalsePositive = "false_positive"
	VerdictNeedsReview   = "needs_review"
)

// Config holds the per-session knobs. Plan may narrow it and Resume may override it.
type Config struct {
	Target           string   `json:"target"`
	MaxItems         int      `json:"max_items"`
	CrawlBatch       int      `json:"crawl_batch"`
	HighSeverityStop int      `json:"high_severity_stop"`
	MaxErrors        int      `json:"max_errors"`
	FocusAreas       []string `json:"focus_areas,omitempty"`
}

// Form is a form found on a page.
type Form struct {
	Action string   `json:"action"`
	Method string   `json:"method"`
	Inputs []string `json:"inputs,omitempty"`
}

// Page is the record the crawler returns for one fetched URL.
type Page struct {
	URL       string    `json:"url"`
	Status    int       `json:"status"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Links     []string  `json:"links,omitempty"`
	Forms     []Form    `json:"forms,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Finding is a candidate bug. It is refined in place as it moves through
// Classify and Validate; each stage appends its own copy to its own list.
type Finding struct {
	ID          string `json:"id"`
	PageURL     string `json:"page_url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Evidence    string `json:"evidence,omitempty"`
	Category    string `json:"category,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Verdict     string `json:"verdict,omitempty"`
	Rationale   string `json:"rationale,omitempty"`
	NeedsReview bool   `json:"needs_review,omitempty"`
}

// HighImpact reports whether the finding needs deeper validation.
func (f Finding) HighImpact() bool {
	return f.Priority == PriorityP0 || f.Priority == PriorityP1
}

// TicketDraft is a report ready to be filed.
type TicketDraft struct {
	FindingID   string   `json:"finding_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Labels      []string `json:"labels,omitempty"`
	Priority    string   `json:"priority"`
	Severity    string   `json:"severity"`
}

// Ticket is the outcome of filing a draft.
type Ticket struct {
	FindingID string `json:"finding_id"`
	ID        string `json:"id,omitempty"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title"`
	// Skipped is set when the policy gate denied filing.
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ErrorEntry is one failure recorded against the session.
type ErrorEntry struct {
	Stage   string    `json:"stage"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Context string    `json:"context,omitempty"`
	At      time.Time `json:"at"`
}

// Compaction tracks history compaction for the session.
type Compaction struct {
	Count  int       `json:"count"`
	LastAt time.Time `json:"last_at,omitempty"`
	Needed bool      `json:"needed"`
}

// Cursors mark how far each stage has consumed its input list.
type Cursors struct {
	Analyzed   int `json:"analyzed"`
	Classified int `json:"classified"`
	Validated  int `json:"validated"`
	Reported   int `json:"reported"`
	Ticketed   int `json:"ticketed"`
}

// SessionState is owned by the engine for the lifetime of one session.
// Stages read a clone and return an Update.
type SessionState struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Config    Config `json:"config"`

	Discovered []string      `json:"discovered"`
	Processed  []string      `json:"processed"`
	Pages      []Page        `json:"pages"`
	Findings   []Finding     `json:"findings"`
	Classified []Finding     `json:"classified"`
	Validated  []Finding     `json:"validated"`
	Drafts     []TicketDraft `json:"drafts"`
	Reported   []Ticket      `json:"reported"`

	Stop            bool     `json:"stop"`
	StopReason      string   `json:"stop_reason,omitempty"`
	NeedsValidation []string `json:"needs_validation,omitempty"`
	Cursors         Cursors  `json:"cursors"`
	Iteration       int      `json:"iteration"`

	Messages   []models.Message         `json:"messages"`
	TotalCost  float64                  `json:"total_cost"`
	Usage      []models.UsageRecord     `json:"usage"`
	Durations  map[string]time.Duration `json:"durations"`
	StageCosts map[string]float64       `json:"stage_costs"`
	Errors     []ErrorEntry             `json:"errors"`
	Compaction Compaction               `json:"compaction"`
	Summary    string                   `json:"summary,omitempty"`

	// LastStage is the stage that most recently finished; NextStage is where a resume starts.
	LastStage string    `json:"last_stage,omitempty"`
	NextStage string    `json:"next_stage,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
