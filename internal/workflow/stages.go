package workflow

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/batch"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/crawler"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/routing"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/state"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/ticketing"
)

const (
	systemPrompt = "You are a meticulous QA engineer inspecting a web application for bugs. " +
		"When asked for JSON, answer with a single JSON object and nothing else."
	maxPromptText = 6000
)

// call issues one routed request. With history the session messages are
// sent ahead of the prompt and the returned update carries the new history.
// A call that has started is not cut short by session cancellation; the
// backend timeout bounds it.
func (e *Engine) call(ctx context.Context, s *state.SessionState, task, prompt string, history bool) (*routing.FallbackResult, *state.Update, error) {
	msgs := []models.Message{{Role: models.RoleSystem, Content: systemPrompt}}
	if history {
		msgs = append(msgs, s.Messages...)
	}
	msgs = append(msgs, models.Message{Role: models.RoleUser, Content: prompt})
	res, err := e.deps.Caller.RouteWithFallback(context.WithoutCancel(ctx), routing.Request{
		Task:        task,
		Messages:    msgs,
		MaxTokens:   e.opts.MaxTokens,
		Temperature: e.opts.Temperature,
		SessionID:   s.SessionID,
	})
	if err != nil {
		return nil, nil, err
	}
	if !history {
		return res, nil, nil
	}

	reply := models.Message{Role: models.RoleAssistant, Content: res.Content}
	u := &state.Update{}
	if res.Result != nil && res.Compacted {
		u.ReplaceMessages = true
		u.Messages = append(slices.Clone(res.Messages), reply)
		c := s.Compaction
		c.Count++
		c.LastAt = time.Now().UTC()
		c.Needed = false
		u.Compaction = &c
	} else {
		u.Messages = []models.Message{msgs[len(msgs)-1], reply}
	}
	return res, u, nil
}

func note(stage, format string, args ...interface{}) models.Message {
	return models.Message{Role: models.RoleAssistant, Content: "[" + stage + "] " + fmt.Sprintf(format, args...)}
}

// dispatchedPrefix counts leading outcomes whose item was handed to a worker.
// Items after it were cut off by cancellation and stay queued.
func dispatchedPrefix[R any](outs []batch.Outcome[R]) int {
	for i, o := range outs {
		if o.Err != nil && !o.Err.Dispatched {
			return i
		}
	}
	return len(outs)
}

type planAnswer struct {
	FocusAreas []string `json:"focus_areas"`
	MaxItems   int      `json:"max_items"`
	Stop       bool     `json:"stop"`
	Reason     string   `json:"reason"`
}

// plan asks for focus areas and may narrow the item budget or stop early.
// A malformed plan keeps the configured values.
func (e *Engine) plan(ctx context.Context, s *state.SessionState) (state.Update, error) {
	prompt := fmt.Sprintf("Plan an inspection of %s. Configured focus areas: %s. Item budget: %d.\n"+
		`Reply as {"focus_areas": [string], "max_items": int, "stop": bool, "reason": string}. `+
		"Set stop only when the target cannot be inspected at all.",
		s.Config.Target, strings.Join(s.Config.FocusAreas, ", "), s.Config.MaxItems)

	res, hist, err := e.call(ctx, s, models.TaskPlanInspection, prompt, true)
	if err != nil {
		return state.Update{}, fmt.Errorf("plan: %w", err)
	}
	u := *hist

	var ans planAnswer
	if err := decodeJSON(models.TaskPlanInspection, res.Content, &ans); err != nil {
		u.Errors = append(u.Errors, e.errorEntry(StagePlan, err, s.Config.Target))
		e.logger.Warn("Malformed plan, keeping configured defaults", zap.String("session_id", s.SessionID), zap.Error(err))
		return u, nil
	}

	cfg := s.Config
	if len(ans.FocusAreas) > 0 {
		cfg.FocusAreas = ans.FocusAreas
	}
	if ans.MaxItems > 0 && ans.MaxItems < cfg.MaxItems {
		cfg.MaxItems = ans.MaxItems
	}
	u.Config = &cfg
	if ans.Stop {
		stop := true
		reason := ans.Reason
		if reason == "" {
			reason = ReasonStopRequested
		}
		u.Stop = &stop
		u.StopReason = &reason
	}
	return u, nil
}

// crawl fetches the next batch of pending URLs and queues same-host links.
func (e *Engine) crawl(ctx context.Context, s *state.SessionState) (state.Update, error) {
	iter := s.Iteration + 1
	u := state.Update{Iteration: &iter}

	pending := s.Pending()
	n := min(s.Config.CrawlBatch, s.BudgetRemaining(), len(pending))
	if n <= 0 {
		u.Messages = []models.Message{note(StageCrawl, "nothing to fetch")}
		return u, nil
	}
	urls := pending[:n]

	outs := batch.Run(ctx, e.deps.Batch, batch.Job[string, state.Page]{
		Items:  urls,
		ItemID: func(u string) string { return u },
		Worker: e.deps.Fetcher.Fetch,
	})

	seen := make(map[string]struct{}, len(s.Discovered))
	for _, d := range s.Discovered {
		seen[d] = struct{}{}
	}
	done := dispatchedPrefix(outs)
	for i, o := range outs[:done] {
		u.Processed = append(u.Processed, urls[i])
		if o.Failed() {
			u.Errors = append(u.Errors, e.errorEntry(StageCrawl, o.Err, urls[i]))
			continue
		}
		u.Pages = append(u.Pages, o.Value)
		for _, link := range crawler.SameHost(s.Config.Target, o.Value.Links) {
			if _, ok := seen[link]; ok {
				continue
			}
			seen[link] = struct{}{}
			u.Discovered = append(u.Discovered, link)
		}
	}
	u.Messages = []models.Message{note(StageCrawl, "iteration %d fetched %d pages, %d failed, %d new links",
		iter, len(u.Pages), done-len(u.Pages), len(u.Discovered))}
	return u, nil
}

type candidate struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Evidence    string `json:"evidence"`
	Category    string `json:"category"`
}

type analyzeAnswer struct {
	Findings []candidate `json:"findings"`
}

type pageDigest struct {
	URL    string       `json:"url"`
	Status int          `json:"status"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Forms  []state.Form `json:"forms,omitempty"`
	Links  int          `json:"link_count"`
}

// analyze turns each new page into candidate findings.
func (e *Engine) analyze(ctx context.Context, s *state.SessionState) (state.Update, error) {
	start := s.Cursors.Analyzed
	pages := s.Pages[start:]
	focus := strings.Join(s.Config.FocusAreas, ", ")

	worker := func(ctx context.Context, p state.Page) ([]state.Finding, error) {
		text := p.Text
		if len(text) > maxPromptText {
			text = text[:maxPromptText]
		}
		prompt := "Inspect this page for functional, accessibility, security and content bugs"
		if focus != "" {
			prompt += " with focus on " + focus
		}
		prompt += ".\nPage: " + compactJSON(pageDigest{URL: p.URL, Status: p.Status, Title: p.Title, Text: text, Forms: p.Forms, Links: len(p.Links)}) +
			"\n" + `Reply as {"findings": [{"title": string, "description": string, "evidence": string, "category": string}]}.`

		res, _, err := e.call(ctx, s, models.TaskAnalyzePage, prompt, false)
		if err != nil {
			return nil, err
		}
		var ans analyzeAnswer
		if err := decodeJSON(models.TaskAnalyzePage, res.Content, &ans); err != nil {
			return nil, err
		}
		var out []state.Finding
		for _, c := range ans.Findings {
			if strings.TrimSpace(c.Title) == "" {
				continue
			}
			out = append(out, state.Finding{
				ID:          uuid.New().String(),
				PageURL:     p.URL,
				Title:       c.Title,
				Description: c.Description,
				Evidence:    c.Evidence,
				Category:    c.Category,
			})
		}
		return out, nil
	}

	outs := batch.Run(ctx, e.deps.Batch, batch.Job[state.Page, []state.Finding]{
		Items:  pages,
		ItemID: func(p state.Page) string { return p.URL },
		Worker: worker,
	})

	var u state.Update
	done := dispatchedPrefix(outs)
	for i, o := range outs[:done] {
		if o.Failed() {
			u.Errors = append(u.Errors, e.errorEntry(StageAnalyze, o.Err, pages[i].URL))
			continue
		}
		u.Findings = append(u.Findings, o.Value...)
	}
	cur := s.Cursors
	cur.Analyzed = start + done
	u.Cursors = &cur
	u.Messages = []models.Message{note(StageAnalyze, "%d pages produced %d candidate findings", done, len(u.Findings))}
	return u, nil
}

type classifyAnswer struct {
	Severity  string `json:"severity"`
	Priority  string `json:"priority"`
	Rationale string `json:"rationale"`
}

var (
	severities = []string{state.SeverityCritical, state.SeverityHigh, state.SeverityMedium, state.SeverityLow}
	priorities = []string{state.PriorityP0, state.PriorityP1, state.PriorityP2, state.PriorityP3}
)

// needsReview is the conservative outcome for a finding whose model answer
// could not be used. It is never high impact.
func needsReview(f state.Finding, why string) state.Finding {
	f.Severity = state.SeverityMedium
	f.Priority = state.PriorityP2
	f.Verdict = state.VerdictNeedsReview
	f.NeedsReview = true
	f.Rationale = why
	return f
}

// classified pairs a result with a malformed-answer error that was resolved locally.
type classified struct {
	Finding   state.Finding
	Malformed error
}

// classify assigns severity and priority to each new finding.
func (e *Engine) classify(ctx context.Context, s *state.SessionState) (state.Update, error) {
	start := s.Cursors.Classified
	items := s.Findings[start:]

	worker := func(ctx context.Context, f state.Finding) (classified, error) {
		prompt := "Classify this finding.\nFinding: " + compactJSON(f) + "\n" +
			`Reply as {"severity": "critical|high|medium|low", "priority": "P0|P1|P2|P3", "rationale": string}.`
		res, _, err := e.call(ctx, s, models.TaskClassifyFinding, prompt, false)
		if err != nil {
			return classified{}, err
		}
		var ans classifyAnswer
		if err := decodeJSON(models.TaskClassifyFinding, res.Content, &ans); err != nil {
			return classified{Finding: needsReview(f, "unparseable classification"), Malformed: err}, nil
		}
		sev, pri := strings.ToLower(ans.Severity), strings.ToUpper(ans.Priority)
		if !slices.Contains(severities, sev) || !slices.Contains(priorities, pri) {
			err := &MalformedError{Task: models.TaskClassifyFinding, Detail: fmt.Sprintf("severity %q priority %q", ans.Severity, ans.Priority)}
			return classified{Finding: needsReview(f, "invalid classification"), Malformed: err}, nil
		}
		f.Severity, f.Priority, f.Rationale = sev, pri, ans.Rationale
		return classified{Finding: f}, nil
	}

	outs := batch.Run(ctx, e.deps.Batch, batch.Job[state.Finding, classified]{
		Items:  items,
		ItemID: func(f state.Finding) string { return f.ID },
		Worker: worker,
	})

	var u state.Update
	flagged := []string{}
	done := dispatchedPrefix(outs)
	for i, o := range outs[:done] {
		f := o.Value.Finding
		switch {
		case o.Failed():
			u.Errors = append(u.Errors, e.errorEntry(StageClassify, o.Err, items[i].ID))
			f = needsReview(items[i], "classification failed")
		case o.Value.Malformed != nil:
			u.Errors = append(u.Errors, e.errorEntry(StageClassify, o.Value.Malformed, items[i].ID))
		}
		u.Classified = append(u.Classified, f)
		if f.HighImpact() {
			flagged = append(flagged, f.ID)
		}
	}
	cur := s.Cursors
	cur.Classified = start + done
	u.Cursors = &cur
	u.NeedsValidation = &flagged
	u.Messages = []models.Message{note(StageClassify, "classified %d findings, %d high impact", done, len(flagged))}
	return u, nil
}

type verdictAnswer struct {
	Verdict   string `json:"verdict"`
	Rationale string `json:"rationale"`
}

var verdicts = []string{state.VerdictConfirmed, state.VerdictFalsePositive, state.VerdictNeedsReview}

const verdictFormat = `Reply as {"verdict": "confirmed|false_positive|needs_review", "rationale": string}.`

func (e *Engine) applyVerdict(task, content string, f state.Finding) classified {
	var ans verdictAnswer
	if err := decodeJSON(task, content, &ans); err != nil {
		return classified{Finding: needsReview(f, "unparseable verdict"), Malformed: err}
	}
	v := strings.ToLower(ans.Verdict)
	if !slices.Contains(verdicts, v) {
		return classified{Finding: needsReview(f, "unknown verdict"), Malformed: &MalformedError{Task: task, Detail: "verdict " + ans.Verdict}}
	}
	f.Verdict = v
	f.NeedsReview = v == state.VerdictNeedsReview
	if ans.Rationale != "" {
		f.Rationale = ans.Rationale
	}
	return classified{Finding: f}
}

// validate checks every unvalidated finding. High-impact ones take the
// two-call deep path; the rest get one quick call.
func (e *Engine) validate(ctx context.Context, s *state.SessionState) (state.Update, error) {
	start := s.Cursors.Validated
	items := s.Classified[start:]

	quick := func(ctx context.Context, f state.Finding) (classified, error) {
		prompt := "Decide whether this finding is a real bug.\nFinding: " + compactJSON(f) + "\n" + verdictFormat
		res, _, err := e.call(ctx, s, models.TaskValidateFinding, prompt, false)
		if err != nil {
			return classified{}, err
		}
		return e.applyVerdict(models.TaskValidateFinding, res.Content, f), nil
	}
	deep := func(ctx context.Context, f state.Finding) (classified, error) {
		reviewTask := models.TaskValidateDeep
		if f.Priority == state.PriorityP0 && f.Severity == state.SeverityCritical {
			reviewTask = models.TaskReviewCriticalPath
		}
		review, _, err := e.call(ctx, s, reviewTask,
			"Review the evidence for this finding step by step. List what supports it and what contradicts it.\nFinding: "+compactJSON(f), false)
		if err != nil {
			return classified{}, err
		}
		res, _, err := e.call(ctx, s, models.TaskValidateDeep,
			"Given this evidence review, decide whether the finding is a real bug.\nFinding: "+compactJSON(f)+
				"\nReview: "+review.Content+"\n"+verdictFormat, false)
		if err != nil {
			return classified{}, err
		}
		return e.applyVerdict(models.TaskValidateDeep, res.Content, f), nil
	}

	outs := batch.Run(ctx, e.deps.Batch, batch.Job[state.Finding, classified]{
		Items:  items,
		ItemID: func(f state.Finding) string { return f.ID },
		Worker: quick,
		Select: func(f state.Finding) batch.Worker[state.Finding, classified] {
			if f.HighImpact() {
				return deep
			}
			return quick
		},
	})

	var u state.Update
	done := dispatchedPrefix(outs)
	confirmed := 0
	for i, o := range outs[:done] {
		f := o.Value.Finding
		switch {
		case o.Failed():
			u.Errors = append(u.Errors, e.errorEntry(StageValidate, o.Err, items[i].ID))
			f = items[i]
			f.Verdict = state.VerdictNeedsReview
			f.NeedsReview = true
		case o.Value.Malformed != nil:
			u.Errors = append(u.Errors, e.errorEntry(StageValidate, o.Value.Malformed, items[i].ID))
		}
		if f.Verdict == state.VerdictConfirmed {
			confirmed++
		}
		u.Validated = append(u.Validated, f)
	}
	cur := s.Cursors
	cur.Validated = start + done
	u.Cursors = &cur
	// Undispatched high-impact findings stay flagged for the next visit.
	remaining := []string{}
	for _, f := range items[done:] {
		if f.HighImpact() {
			remaining = append(remaining, f.ID)
		}
	}
	u.NeedsValidation = &remaining
	u.Messages = []models.Message{note(StageValidate, "validated %d findings, %d confirmed", done, confirmed)}
	return u, nil
}

type reportAnswer struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Labels      []string `json:"labels"`
}

type drafted struct {
	Draft     *state.TicketDraft
	Malformed error
}

// latest returns the most refined copy of each finding by ID.
func latest(s *state.SessionState) map[string]state.Finding {
	out := make(map[string]state.Finding, len(s.Classified))
	for _, f := range s.Classified {
		out[f.ID] = f
	}
	for _, f := range s.Validated {
		out[f.ID] = f
	}
	return out
}

func fallbackDraft(f state.Finding) *state.TicketDraft {
	desc := f.Description
	if f.Evidence != "" {
		desc += "\n\nEvidence:\n" + f.Evidence
	}
	if f.PageURL != "" {
		desc += "\n\nPage: " + f.PageURL
	}
	return &state.TicketDraft{
		FindingID:   f.ID,
		Title:       f.Title,
		Description: desc,
		Labels:      draftLabels(f, nil),
		Priority:    f.Priority,
		Severity:    f.Severity,
	}
}

func draftLabels(f state.Finding, extra []string) []string {
	labels := append([]string{"bug", "severity:" + f.Severity}, extra...)
	if f.Category != "" {
		labels = append(labels, strings.ToLower(f.Category))
	}
	if f.NeedsReview {
		labels = append(labels, "needs-review")
	}
	return labels
}

// report writes a ticket draft for each classified finding that validation
// did not reject. Findings skipped by Validate are reported as classified.
func (e *Engine) report(ctx context.Context, s *state.SessionState) (state.Update, error) {
	start := s.Cursors.Reported
	refined := latest(s)
	items := make([]state.Finding, 0, len(s.Classified)-start)
	for _, f := range s.Classified[start:] {
		items = append(items, refined[f.ID])
	}

	worker := func(ctx context.Context, f state.Finding) (drafted, error) {
		if f.Verdict == state.VerdictFalsePositive {
			return drafted{}, nil
		}
		prompt := "Write a bug report for this finding with reproduction steps and expected versus actual behavior.\nFinding: " +
			compactJSON(f) + "\n" + `Reply as {"title": string, "description": string, "labels": [string]}.`
		res, _, err := e.call(ctx, s, models.TaskWriteReport, prompt, false)
		if err != nil {
			return drafted{}, err
		}
		var ans reportAnswer
		if err := decodeJSON(models.TaskWriteReport, res.Content, &ans); err != nil || strings.TrimSpace(ans.Title) == "" {
			if err == nil {
				err = &MalformedError{Task: models.TaskWriteReport, Detail: "empty title"}
			}
			return drafted{Draft: fallbackDraft(f), Malformed: err}, nil
		}
		return drafted{Draft: &state.TicketDraft{
			FindingID:   f.ID,
			Title:       ans.Title,
			Description: ans.Description,
			Labels:      draftLabels(f, ans.Labels),
			Priority:    f.Priority,
			Severity:    f.Severity,
		}}, nil
	}

	outs := batch.Run(ctx, e.deps.Batch, batch.Job[state.Finding, drafted]{
		Items:  items,
		ItemID: func(f state.Finding) string { return f.ID },
		Worker: worker,
	})

	var u state.Update
	done := dispatchedPrefix(outs)
	for i, o := range outs[:done] {
		if o.Failed() {
			u.Errors = append(u.Errors, e.errorEntry(StageReport, o.Err, items[i].ID))
			u.Drafts = append(u.Drafts, *fallbackDraft(items[i]))
			continue
		}
		if o.Value.Malformed != nil {
			u.Errors = append(u.Errors, e.errorEntry(StageReport, o.Value.Malformed, items[i].ID))
		}
		if o.Value.Draft != nil {
			u.Drafts = append(u.Drafts, *o.Value.Draft)
		}
	}
	cur := s.Cursors
	cur.Reported = start + done
	// Reported findings are past validation even when Validate was skipped.
	cur.Validated = max(cur.Validated, cur.Reported)
	u.Cursors = &cur
	u.Messages = []models.Message{note(StageReport, "drafted %d reports from %d findings", len(u.Drafts), done)}
	return u, nil
}

// createTickets files drafts one at a time so the policy gate sees an exact
// count of tickets already filed.
func (e *Engine) createTickets(ctx context.Context, s *state.SessionState) (state.Update, error) {
	start := s.Cursors.Ticketed
	drafts := s.Drafts[start:]
	refined := latest(s)
	filed := 0
	for _, t := range s.Reported {
		if !t.Skipped {
			filed++
		}
	}

	var u state.Update
	done := 0
	callCtx := context.WithoutCancel(ctx)
	for _, d := range drafts {
		if ctx.Err() != nil {
			break
		}
		done++
		f := refined[d.FindingID]

		if e.deps.Policy != nil {
			dec, err := e.deps.Policy.Evaluate(callCtx, policy.TicketInput{
				SessionID:    s.SessionID,
				FindingID:    d.FindingID,
				Title:        d.Title,
				Severity:     d.Severity,
				Priority:     d.Priority,
				Verdict:      f.Verdict,
				NeedsReview:  f.NeedsReview,
				Labels:       d.Labels,
				TicketsFiled: filed,
				MaxTickets:   e.opts.MaxTickets,
			})
			if err != nil {
				u.Errors = append(u.Errors, e.errorEntry(StageCreateTickets, err, d.FindingID))
				dec = policy.Decision{Allow: false, Reason: "policy evaluation failed"}
			}
			if !dec.Allow {
				metrics.TicketsCreated.WithLabelValues("denied").Inc()
				u.Reported = append(u.Reported, state.Ticket{FindingID: d.FindingID, Title: d.Title, Skipped: true, Reason: dec.Reason})
				continue
			}
		}

		tk, err := e.deps.Tickets.CreateIssue(callCtx, ticketing.Issue{
			Title:       d.Title,
			Description: d.Description,
			Labels:      d.Labels,
			Priority:    d.Priority,
		})
		if err != nil {
			metrics.TicketsCreated.WithLabelValues("failed").Inc()
			u.Errors = append(u.Errors, e.errorEntry(StageCreateTickets, err, d.FindingID))
			continue
		}
		metrics.TicketsCreated.WithLabelValues("created").Inc()
		filed++
		u.Reported = append(u.Reported, state.Ticket{FindingID: d.FindingID, ID: tk.ID, URL: tk.URL, Title: d.Title})
	}
	cur := s.Cursors
	cur.Ticketed = start + done
	u.Cursors = &cur
	u.Messages = []models.Message{note(StageCreateTickets, "processed %d drafts, %d tickets filed in total", done, filed)}
	return u, nil
}

// summarize writes the closing summary. When the model call fails a local
// summary is kept and the error is still reported.
func (e *Engine) summarize(ctx context.Context, s *state.SessionState) (state.Update, error) {
	rep := e.Report(s)
	prompt := "Summarize this inspection for the engineering team: the most important confirmed bugs, " +
		"what was filed, and what needs manual review.\nStats: " + compactJSON(map[string]interface{}{
		"target":        s.Config.Target,
		"pages":         rep.Pages,
		"findings":      rep.Findings,
		"by_severity":   rep.BySeverity,
		"tickets_filed": rep.TicketsFiled,
		"errors":        rep.Errors,
		"stop_reason":   s.StopReason,
	})

	res, hist, err := e.call(ctx, s, models.TaskSummarizeFindings, prompt, true)
	if err != nil {
		text := rep.Text()
		return state.Update{Summary: &text}, fmt.Errorf("summarize: %w", err)
	}
	u := *hist
	text := strings.TrimSpace(res.Content)
	u.Summary = &text
	return u, nil
}
