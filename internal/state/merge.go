package state

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
)

// Update is the partial result a stage returns. Slice fields are appended to
// the session; pointer fields overwrite when non-nil.
type Update struct {
	Discovered []string
	Processed  []string
	Pages      []Page
	Findings   []Finding
	Classified []Finding
	Validated  []Finding
	Drafts     []TicketDraft
	Reported   []Ticket
	Errors     []ErrorEntry
	Usage      []models.UsageRecord
	Messages   []models.Message

	// ReplaceMessages swaps the history for Messages instead of appending,
	// used after compaction.
	ReplaceMessages bool

	Config          *Config
	Stop            *bool
	StopReason      *string
	NeedsValidation *[]string
	Cursors         *Cursors
	Iteration       *int
	Compaction      *Compaction
	Summary         *string
	Status          *string
}

// New creates a running session.
func New(sessionID string, cfg Config) *SessionState {
	now := time.Now().UTC()
	s := &SessionState{
		SessionID:  sessionID,
		Status:     models.StatusRunning,
		Config:     cfg,
		Durations:  make(map[string]time.Duration),
		StageCosts: make(map[string]float64),
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if cfg.Target != "" {
		s.Discovered = []string{cfg.Target}
	}
	return s
}

// Merge folds u into s.
func (s *SessionState) Merge(u Update) {
	s.Discovered = append(s.Discovered, u.Discovered...)
	s.Processed = append(s.Processed, u.Processed...)
	s.Pages = append(s.Pages, u.Pages...)
	s.Findings = append(s.Findings, u.Findings...)
	s.Classified = append(s.Classified, u.Classified...)
	s.Validated = append(s.Validated, u.Validated...)
	s.Drafts = append(s.Drafts, u.Drafts...)
	s.Reported = append(s.Reported, u.Reported...)
	s.Errors = append(s.Errors, u.Errors...)
	s.Usage = append(s.Usage, u.Usage...)

	if u.ReplaceMessages {
		s.Messages = slices.Clone(u.Messages)
	} else {
		s.Messages = append(s.Messages, u.Messages...)
	}

	if u.Config != nil {
		s.Config = *u.Config
	}
	if u.Stop != nil {
		s.Stop = *u.Stop
	}
	if u.StopReason != nil {
		s.StopReason = *u.StopReason
	}
	if u.NeedsValidation != nil {
		s.NeedsValidation = slices.Clone(*u.NeedsValidation)
	}
	if u.Cursors != nil {
		s.Cursors = *u.Cursors
	}
	if u.Iteration != nil {
		s.Iteration = *u.Iteration
	}
	if u.Compaction != nil {
		s.Compaction = *u.Compaction
	}
	if u.Summary != nil {
		s.Summary = *u.Summary
	}
	if u.Status != nil {
		s.Status = *u.Status
	}
	s.UpdatedAt = time.Now().UTC()
}

// RecordStage accumulates duration and cost for one visit of a stage.
func (s *SessionState) RecordStage(stage string, d time.Duration, cost float64) {
	if s.Durations == nil {
		s.Durations = make(map[string]time.Duration)
	}
	if s.StageCosts == nil {
		s.StageCosts = make(map[string]float64)
	}
	s.Durations[stage] += d
	s.StageCosts[stage] += cost
	s.TotalCost += cost
}

// Clone returns a deep copy that stages can read freely.
func (s *SessionState) Clone() *SessionState {
	c := *s
	c.Config.FocusAreas = slices.Clone(s.Config.FocusAreas)
	c.Discovered = slices.Clone(s.Discovered)
	c.Processed = slices.Clone(s.Processed)
	c.Pages = slices.Clone(s.Pages)
	c.Findings = slices.Clone(s.Findings)
	c.Classified = slices.Clone(s.Classified)
	c.Validated = slices.Clone(s.Validated)
	c.Drafts = slices.Clone(s.Drafts)
	c.Reported = slices.Clone(s.Reported)
	c.NeedsValidation = slices.Clone(s.NeedsValidation)
	c.Messages = slices.Clone(s.Messages)
	c.Usage = slices.Clone(s.Usage)
	c.Errors = slices.Clone(s.Errors)
	c.Durations = maps.Clone(s.Durations)
	c.StageCosts = maps.Clone(s.StageCosts)
	return &c
}

// Pending returns discovered URLs not yet processed, in discovery order.
func (s *SessionState) Pending() []string {
	done := make(map[string]struct{}, len(s.Processed))
	for _, u := range s.Processed {
		done[u] = struct{}{}
	}
	var out []string
	for _, u := range s.Discovered {
		if _, ok := done[u]; ok {
			continue
		}
		done[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// Seen reports whether url was already discovered.
func (s *SessionState) Seen(url string) bool {
	return slices.Contains(s.Discovered, url)
}

// BudgetRemaining is how many more items may be processed.
func (s *SessionState) BudgetRemaining() int {
	if s.Config.MaxItems <= 0 {
		return 0
	}
	n := s.Config.MaxItems - len(s.Processed)
	if n < 0 {
		return 0
	}
	return n
}

// HighSeverityCount counts classified findings rated critical or high.
func (s *SessionState) HighSeverityCount() int {
	n := 0
	for _, f := range s.Classified {
		if f.Severity == SeverityCritical || f.Severity == SeverityHigh {
			n++
		}
	}
	return n
}

// CostByStage sums stage costs; it equals TotalCost.
func (s *SessionState) CostByStage() float64 {
	var total float64
	for _, c := range s.StageCosts {
		total += c
	}
	return total
}

// ApplyOverrides sets config or control fields from key=value pairs supplied on resume.
func (s *SessionState) ApplyOverrides(overrides map[string]string) error {
	for key, raw := range overrides {
		val := strings.TrimSpace(raw)
		switch key {
		case "target":
			s.Config.Target = val
		case "max_items", "crawl_batch", "high_severity_stop", "max_errors":
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return fmt.Errorf("override %s: invalid non-negative integer %q", key, raw)
			}
			switch key {
			case "max_items":
				s.Config.MaxItems = n
			case "crawl_batch":
				s.Config.CrawlBatch = n
			case "high_severity_stop":
				s.Config.HighSeverityStop = n
			case "max_errors":
				s.Config.MaxErrors = n
			}
		case "focus_areas":
			s.Config.FocusAreas = nil
			for _, a := range strings.Split(val, ",") {
				if a = strings.TrimSpace(a); a != "" {
					s.Config.FocusAreas = append(s.Config.FocusAreas, a)
				}
			}
		case "stop":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("override stop: %w", err)
			}
			s.Stop = b
			if !b {
				s.StopReason = ""
			}
		default:
			return fmt.Errorf("unknown override %q", key)
		}
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}
