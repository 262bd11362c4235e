package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/batch"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/budget"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/checkpoint"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/costs"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/routing"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/state"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/ticketing"
)

const target = "https://shop.test"

// scriptedCaller answers by task and records a fixed-cost usage record per call.
type scriptedCaller struct {
	mu       sync.Mutex
	calls    []string
	tracker  *costs.Tracker
	answers  map[string]string
	failures map[string]error
	compact  map[string]bool
	hook     func(task string)
}

func newCaller(tracker *costs.Tracker) *scriptedCaller {
	return &scriptedCaller{
		tracker: tracker,
		answers: map[string]string{
			models.TaskPlanInspection:     `{"focus_areas": ["forms"], "max_items": 0, "stop": false}`,
			models.TaskAnalyzePage:        `Here you go: {"findings": [{"title": "Checkout button does nothing", "description": "clicking has no effect", "evidence": "no handler", "category": "Functional"}]}`,
			models.TaskClassifyFinding:    `{"severity": "low", "priority": "P3", "rationale": "cosmetic"}`,
			models.TaskValidateFinding:    `{"verdict": "confirmed", "rationale": "reproduced"}`,
			models.TaskValidateDeep:       `{"verdict": "confirmed", "rationale": "reproduced twice"}`,
			models.TaskReviewCriticalPath: `{"verdict": "confirmed", "rationale": "critical path"}`,
			models.TaskWriteReport:        "```json\n" + `{"title": "Checkout button unresponsive", "description": "Steps: click checkout", "labels": ["ui"]}` + "\n```",
			models.TaskSummarizeFindings:  "One checkout bug filed.",
		},
		failures: map[string]error{},
		compact:  map[string]bool{},
	}
}

func (c *scriptedCaller) set(task, answer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers[task] = answer
}

func (c *scriptedCaller) fail(task string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[task] = err
}

func (c *scriptedCaller) count(task string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.calls {
		if t == task {
			n++
		}
	}
	return n
}

func (c *scriptedCaller) RouteWithFallback(ctx context.Context, req routing.Request) (*routing.FallbackResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req.Task)
	answer, err, compact, hook := c.answers[req.Task], c.failures[req.Task], c.compact[req.Task], c.hook
	c.mu.Unlock()

	if hook != nil {
		hook(req.Task)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if c.tracker != nil {
		c.tracker.Add(models.UsageRecord{
			SessionID:    req.SessionID,
			Tier:         models.TierGeneral,
			Task:         req.Task,
			InputTokens:  100,
			OutputTokens: 20,
			Cost:         0.01,
		})
	}
	sent := req.Messages
	if compact {
		sent = []models.Message{{Role: models.RoleSystem, Content: "summary of earlier work"}, req.Messages[len(req.Messages)-1]}
	}
	return &routing.FallbackResult{
		Result: &routing.Result{
			Content:   answer,
			Tier:      models.TierGeneral,
			Messages:  sent,
			Compacted: compact,
		},
		Attempt:   1,
		ChainUsed: []models.Tier{models.TierGeneral},
	}, nil
}

// siteFetcher serves a fixed set of pages.
type siteFetcher struct {
	mu      sync.Mutex
	pages   map[string]state.Page
	fetched []string
	panicOn string
}

func newSite(links ...string) *siteFetcher {
	f := &siteFetcher{pages: map[string]state.Page{}}
	var abs []string
	for _, l := range links {
		u := target + l
		abs = append(abs, u)
		f.pages[u] = state.Page{URL: u, Status: 200, Title: "page " + l, Text: "content of " + l}
	}
	abs = append(abs, "https://elsewhere.test/ad")
	f.pages[target] = state.Page{URL: target, Status: 200, Title: "Shop", Text: "welcome", Links: abs}
	return f
}

func (f *siteFetcher) Fetch(ctx context.Context, url string) (state.Page, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, url)
	f.mu.Unlock()
	if url == f.panicOn {
		panic("fetcher exploded")
	}
	p, ok := f.pages[url]
	if !ok {
		return state.Page{}, fmt.Errorf("no such page %s", url)
	}
	return p, nil
}

// cancellingFetcher cancels the session while fetching one URL and gives up
// only if its own context is cancelled.
type cancellingFetcher struct {
	*siteFetcher
	on     string
	cancel context.CancelFunc
}

func (f *cancellingFetcher) Fetch(ctx context.Context, url string) (state.Page, error) {
	if url == f.on {
		f.cancel()
		select {
		case <-ctx.Done():
			return state.Page{}, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return f.siteFetcher.Fetch(ctx, url)
}

func (f *siteFetcher) fetchCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, u := range f.fetched {
		if u == url {
			n++
		}
	}
	return n
}

type denyAll struct{}

func (denyAll) Evaluate(context.Context, policy.TicketInput) (policy.Decision, error) {
	return policy.Decision{Allow: false, Reason: "frozen"}, nil
}
func (denyAll) LoadPolicies() error { return nil }
func (denyAll) Mode() policy.Mode { return policy.ModeEnforce }

type harness struct {
	engine  *Engine
	caller  *scriptedCaller
	site    *siteFetcher
	tickets *ticketing.Memory
	events  *streaming.Manager
	store   *checkpoint.MemoryStore
	tracker *costs.Tracker
}

func newHarness(t *testing.T, site *siteFetcher, mutate func(*Deps)) *harness {
	t.Helper()
	models.ResetTables()
	logger := zaptest.NewLogger(t)
	tracker := costs.NewTracker(nil, logger)
	h := &harness{
		caller:  newCaller(tracker),
		site:    site,
		tickets: ticketing.NewMemory(""),
		events:  streaming.NewManager(nil, 512, logger),
		store:   checkpoint.NewMemoryStore(),
		tracker: tracker,
	}
	deps := Deps{
		Caller:  h.caller,
		Fetcher: site,
		Tickets: h.tickets,
		Store:   h.store,
		Tracker: tracker,
		Batch:   batch.NewExecutor(3, logger),
		Events:  h.events,
	}
	if mutate != nil {
		mutate(&deps)
	}
	e, err := New(deps, DefaultOptions(), logger)
	require.NoError(t, err)
	h.engine = e
	return h
}

func sessionConfig(maxItems, crawlBatch int) state.Config {
	return state.Config{Target: target, MaxItems: maxItems, CrawlBatch: crawlBatch, HighSeverityStop: 10, MaxErrors: 20}
}

// stagesSince lists started stages after seq.
func (h *harness) stagesSince(sessionID string, seq uint64) []string {
	var out []string
	for _, ev := range h.events.ReplaySince(sessionID, seq) {
		if ev.Type == streaming.EventStageStarted {
			out = append(out, ev.Stage)
		}
	}
	return out
}

func (h *harness) lastSeq(sessionID string) uint64 {
	evs := h.events.ReplaySince(sessionID, 0)
	if len(evs) == 0 {
		return 0
	}
	return evs[len(evs)-1].Seq
}

func TestRunSkipsValidateForLowImpact(t *testing.T) {
	h := newHarness(t, newSite(), nil)

	s, err := h.engine.Run(context.Background(), "s-low", sessionConfig(5, 5))
	require.NoError(t, err)

	assert.Equal(t, []string{StagePlan, StageCrawl, StageAnalyze, StageClassify, StageReport, StageCreateTickets, StageSummarize},
		h.stagesSince("s-low", 0))
	assert.Equal(t, models.StatusCompleted, s.Status)
	assert.Equal(t, StageEnd, s.NextStage)
	assert.Equal(t, 0, h.caller.count(models.TaskValidateFinding)+h.caller.count(models.TaskValidateDeep))
	require.Len(t, s.Classified, 1)
	assert.Equal(t, state.PriorityP3, s.Classified[0].Priority)
	require.Len(t, s.Reported, 1)
	assert.False(t, s.Reported[0].Skipped)
	assert.Equal(t, "One checkout bug filed.", s.Summary)
	assert.Equal(t, []string{"forms"}, s.Config.FocusAreas)

	issues := h.tickets.Issues()
	require.Len(t, issues, 1)
	assert.Equal(t, "Checkout button unresponsive", issues[0].Title)
	assert.Contains(t, issues[0].Labels, "functional")
	assert.Equal(t, ReasonNothingPending, s.StopReason)
}

func TestRunValidatesHighImpactBeforeReport(t *testing.T) {
	h := newHarness(t, newSite(), nil)
	h.caller.set(models.TaskClassifyFinding, `{"severity": "high", "priority": "P1", "rationale": "blocks checkout"}`)

	s, err := h.engine.Run(context.Background(), "s-high", sessionConfig(5, 5))
	require.NoError(t, err)

	assert.Equal(t, []string{StagePlan, StageCrawl, StageAnalyze, StageClassify, StageValidate, StageReport, StageCreateTickets, StageSummarize},
		h.stagesSince("s-high", 0))
	assert.Equal(t, 2, h.caller.count(models.TaskValidateDeep), "deep path makes a review call and a verdict call")
	assert.Equal(t, 0, h.caller.count(models.TaskValidateFinding))
	require.Len(t, s.Validated, 1)
	assert.Equal(t, state.VerdictConfirmed, s.Validated[0].Verdict)
	assert.Empty(t, s.NeedsValidation)
	assert.Equal(t, 1, s.Cursors.Validated)
}

func TestFalsePositiveIsNotReported(t *testing.T) {
	h := newHarness(t, newSite(), nil)
	h.caller.set(models.TaskClassifyFinding, `{"severity": "critical", "priority": "P0"}`)
	h.caller.set(models.TaskValidateDeep, `{"verdict": "false_positive", "rationale": "works for me"}`)

	s, err := h.engine.Run(context.Background(), "s-fp", sessionConfig(5, 5))
	require.NoError(t, err)

	assert.Equal(t, 1, h.caller.count(models.TaskReviewCriticalPath))
	assert.Empty(t, s.Drafts)
	assert.Empty(t, h.tickets.Issues())
}

func TestCrawlLoopStopsAtBudgetAndNeverRevisitsCrawl(t *testing.T) {
	h := newHarness(t, newSite("/a", "/b", "/c"), nil)

	s, err := h.engine.Run(context.Background(), "s-loop", sessionConfig(2, 1))
	require.NoError(t, err)

	stages := h.stagesSince("s-loop", 0)
	loop := []string{StageCrawl, StageAnalyze, StageClassify, StageReport, StageCreateTickets}
	want := append([]string{StagePlan}, loop...)
	want = append(want, loop...)
	want = append(want, StageSummarize)
	assert.Equal(t, want, stages)

	assert.Equal(t, []string{target, target + "/a"}, s.Processed)
	assert.Equal(t, 2, s.Iteration)
	assert.Equal(t, ReasonBudget, s.StopReason)
	assert.NotContains(t, s.Discovered, "https://elsewhere.test/ad")
	assert.Len(t, s.Reported, 2)
}

func TestPlanStopFlagEndsAfterFirstPass(t *testing.T) {
	h := newHarness(t, newSite("/a", "/b"), nil)
	h.caller.set(models.TaskPlanInspection, `{"stop": true, "reason": "maintenance page"}`)

	s, err := h.engine.Run(context.Background(), "s-stop", sessionConfig(10, 1))
	require.NoError(t, err)

	assert.True(t, s.Stop)
	assert.Equal(t, "maintenance page", s.StopReason)
	assert.Equal(t, 1, h.caller.count(models.TaskAnalyzePage))
	assert.Len(t, s.Processed, 1)
}

func TestStageFailureDoesNotAbortSession(t *testing.T) {
	h := newHarness(t, newSite(), nil)
	exhausted := &routing.AllModelsFailedError{Task: models.TaskAnalyzePage}
	h.caller.fail(models.TaskAnalyzePage, exhausted)
	h.caller.fail(models.TaskSummarizeFindings, errors.New("provider down"))

	s, err := h.engine.Run(context.Background(), "s-fail", sessionConfig(5, 5))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, s.Status)
	assert.Empty(t, s.Findings)
	require.Len(t, s.Errors, 2)
	assert.Equal(t, StageAnalyze, s.Errors[0].Stage)
	assert.Equal(t, "AllModelsFailedError", s.Errors[0].Type)
	assert.Equal(t, target, s.Errors[0].Context)
	assert.Equal(t, StageSummarize, s.Errors[1].Stage)
	assert.Contains(t, s.Summary, "Inspection of "+target, "local summary is kept when the model call fails")
	assert.Equal(t, 1, s.Cursors.Analyzed, "failed pages are not retried")
	assert.GreaterOrEqual(t, h.engine.Errors().Total(), 2)
}

func TestStagePanicIsRecovered(t *testing.T) {
	h := newHarness(t, newSite(), nil)
	h.caller.hook = func(task string) {
		if task == models.TaskPlanInspection {
			panic("plan blew up")
		}
	}

	s, err := h.engine.Run(context.Background(), "s-panic", sessionConfig(5, 5))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, s.Status)
	require.NotEmpty(t, s.Errors)
	assert.Equal(t, "StagePanic", s.Errors[0].Type)
	assert.Len(t, s.Pages, 1, "session continues after a panicking stage")
}

func TestFetcherPanicBecomesItemError(t *testing.T) {
	site := newSite("/a")
	site.panicOn = target + "/a"
	h := newHarness(t, site, nil)

	s, err := h.engine.Run(context.Background(), "s-fetch", sessionConfig(5, 5))
	require.NoError(t, err)
	assert.Contains(t, s.Processed, target+"/a")
	assert.Len(t, s.Pages, 1)
	var crawlErrs int
	for _, e := range s.Errors {
		if e.Stage == StageCrawl {
			crawlErrs++
			assert.Equal(t, target+"/a", e.Context)
		}
	}
	assert.Equal(t, 1, crawlErrs)
}

func TestRepeatedItemFailuresShareOnePattern(t *testing.T) {
	h := newHarness(t, newSite("/a", "/b", "/c"), nil)
	h.caller.fail(models.TaskAnalyzePage, &routing.AllModelsFailedError{Task: models.TaskAnalyzePage})

	s, err := h.engine.Run(context.Background(), "s-pattern", sessionConfig(10, 5))
	require.NoError(t, err)
	require.Len(t, s.Processed, 4)

	var analyzeErrs []state.ErrorEntry
	for _, e := range s.Errors {
		if e.Stage == StageAnalyze {
			analyzeErrs = append(analyzeErrs, e)
		}
	}
	require.Len(t, analyzeErrs, 4)
	for _, e := range analyzeErrs {
		assert.Equal(t, "AllModelsFailedError", e.Type)
		assert.Equal(t, analyzeErrs[0].Message, e.Message)
		assert.NotContains(t, e.Message, e.Context, "the item id lives in the context, not the message")
	}

	patterns := h.engine.Errors().Patterns(2)
	require.Len(t, patterns, 1)
	assert.Equal(t, "AllModelsFailedError", patterns[0].ErrorType)
	assert.Equal(t, 4, patterns[0].Count)
	assert.Contains(t, patterns[0].Contexts, target)
	assert.Contains(t, patterns[0].Contexts, target+"/c")

	report := BuildReport(s)
	require.Len(t, report.Patterns, 1)
	assert.Equal(t, 4, report.Patterns[0].Count)
}

func TestUntypedItemFailuresAreNamedByCause(t *testing.T) {
	h := newHarness(t, newSite("/a"), nil)
	h.caller.fail(models.TaskAnalyzePage, errors.New("provider reset"))

	s, err := h.engine.Run(context.Background(), "s-untyped", sessionConfig(5, 5))
	require.NoError(t, err)
	require.NotEmpty(t, s.Errors)
	for _, e := range s.Errors {
		assert.NotEqual(t, "ItemError", e.Type)
	}
	patterns := h.engine.Errors().Patterns(2)
	require.Len(t, patterns, 1)
	assert.Equal(t, "errorString", patterns[0].ErrorType)
	assert.Equal(t, "provider reset", patterns[0].Message)
}

func TestMalformedClassificationNeedsReview(t *testing.T) {
	h := newHarness(t, newSite(), nil)
	h.caller.set(models.TaskClassifyFinding, "I think this is pretty bad, maybe P0?")

	s, err := h.engine.Run(context.Background(), "s-malformed", sessionConfig(5, 5))
	require.NoError(t, err)

	require.Len(t, s.Classified, 1)
	f := s.Classified[0]
	assert.True(t, f.NeedsReview)
	assert.Equal(t, state.SeverityMedium, f.Severity)
	assert.False(t, f.HighImpact(), "malformed answers are never upgraded")
	assert.NotContains(t, h.stagesSince("s-malformed", 0), StageValidate)
	require.Len(t, s.Errors, 1)
	assert.Equal(t, "MalformedResponse", s.Errors[0].Type)
	require.Len(t, h.tickets.Issues(), 1)
	assert.Contains(t, h.tickets.Issues()[0].Labels, "needs-review")
}

func TestPolicyGateSkipsTickets(t *testing.T) {
	h := newHarness(t, newSite(), func(d *Deps) { d.Policy = denyAll{} })

	s, err := h.engine.Run(context.Background(), "s-policy", sessionConfig(5, 5))
	require.NoError(t, err)
	require.Len(t, s.Reported, 1)
	assert.True(t, s.Reported[0].Skipped)
	assert.Equal(t, "frozen", s.Reported[0].Reason)
	assert.Empty(t, h.tickets.Issues())
	assert.Equal(t, 1, h.engine.Report(s).TicketsSkipped)
}

func TestCostsAddUpAcrossStages(t *testing.T) {
	h := newHarness(t, newSite("/a"), nil)

	s, err := h.engine.Run(context.Background(), "s-cost", sessionConfig(5, 5))
	require.NoError(t, err)

	calls := len(h.caller.calls)
	assert.Len(t, s.Usage, calls)
	assert.InDelta(t, 0.01*float64(calls), s.TotalCost, 1e-9)
	assert.InDelta(t, s.TotalCost, s.CostByStage(), 1e-9)
	assert.InDelta(t, h.tracker.SessionCost("s-cost"), s.TotalCost, 1e-9)
	assert.Zero(t, s.StageCosts[StageCrawl])
	assert.Greater(t, s.StageCosts[StageAnalyze], 0.0)
	for _, st := range []string{StagePlan, StageCrawl, StageAnalyze, StageSummarize} {
		_, ok := s.Durations[st]
		assert.True(t, ok, st)
	}

	rep := h.engine.Report(s)
	var sum float64
	for _, b := range rep.Breakdown {
		sum += b.Cost
	}
	assert.InDelta(t, rep.TotalCost, sum, 1e-9)
	row := rep.Row()
	assert.Equal(t, "s-cost", row.SessionID)
	assert.Equal(t, 2, row.PagesProcessed)
	assert.Contains(t, row.CostBreakdown, string(models.TierGeneral))
}

func TestCompactionCountersFollowRouter(t *testing.T) {
	h := newHarness(t, newSite(), nil)
	h.caller.compact[models.TaskSummarizeFindings] = true

	s, err := h.engine.Run(context.Background(), "s-compact", sessionConfig(5, 5))
	require.NoError(t, err)

	assert.Equal(t, 1, s.Compaction.Count)
	assert.False(t, s.Compaction.LastAt.IsZero())
	require.Len(t, s.Messages, 3)
	assert.Equal(t, "summary of earlier work", s.Messages[0].Content)
	assert.Equal(t, models.RoleAssistant, s.Messages[2].Role)
}

func TestCompactionNeededFollowsHistoryRouteLimit(t *testing.T) {
	limits := map[models.Tier]int{models.TierFast: 10}
	h := newHarness(t, newSite(), func(d *Deps) {
		d.Budget = &budget.TokenBudget{SpecFor: func(tier models.Tier) (models.TierSpec, bool) {
			if l, ok := limits[tier]; ok {
				return models.TierSpec{ContextLimit: l}, true
			}
			return models.TierSpec{ContextLimit: 1000000}, true
		}}
	})
	tables := models.CurrentTables()
	tables.Routes[models.TaskSummarizeFindings] = models.TierFast
	restore, err := models.SetTables(tables)
	require.NoError(t, err)
	defer restore()
	require.Equal(t, models.TierGeneral, models.DefaultTier())

	s, err := h.engine.Run(context.Background(), "s-needed", sessionConfig(5, 5))
	require.NoError(t, err)
	assert.True(t, s.Compaction.Needed, "history is sized against the smallest history route")
	assert.Equal(t, models.TierFast, h.engine.historyTier())

	restore()
	h2 := newHarness(t, newSite(), nil)
	s2, err := h2.engine.Run(context.Background(), "s-roomy", sessionConfig(5, 5))
	require.NoError(t, err)
	assert.False(t, s2.Compaction.Needed)
}

func TestCancelDuringFetchKeepsThePage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	site := newSite()
	fetcher := &cancellingFetcher{siteFetcher: site, on: target, cancel: cancel}
	h := newHarness(t, site, func(d *Deps) { d.Fetcher = fetcher })

	s, err := h.engine.Run(ctx, "s-midfetch", sessionConfig(5, 5))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, s.Status)
	assert.Equal(t, []string{target}, s.Processed)
	require.Len(t, s.Pages, 1, "a fetch already in flight completes")
	assert.Equal(t, StageAnalyze, s.NextStage)
	for _, e := range s.Errors {
		assert.NotEqual(t, StageCrawl, e.Stage)
	}

	resumed, err := h.engine.Resume(context.Background(), "s-midfetch", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, resumed.Status)
	assert.Equal(t, 1, site.fetchCount(target), "the kept page is not fetched again")
	assert.NotEmpty(t, resumed.Findings)
	assert.Equal(t, 1, resumed.Cursors.Analyzed)
}

func TestCancelDuringModelCallKeepsTheAnswer(t *testing.T) {
	h := newHarness(t, newSite(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.caller.hook = func(task string) {
		if task == models.TaskAnalyzePage {
			cancel()
		}
	}

	s, err := h.engine.Run(ctx, "s-midcall", sessionConfig(5, 5))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, s.Status)
	assert.Equal(t, StageAnalyze, s.LastStage)
	assert.Len(t, s.Findings, 1, "the answer of a call already in flight is kept")
	assert.Equal(t, 1, s.Cursors.Analyzed)

	h.caller.hook = nil
	resumed, err := h.engine.Resume(context.Background(), "s-midcall", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, h.caller.count(models.TaskAnalyzePage))
	assert.Len(t, resumed.Findings, 1)
	assert.Equal(t, models.StatusCompleted, resumed.Status)
}

func TestResumeWithRaisedBudgetContinuesCrawling(t *testing.T) {
	h := newHarness(t, newSite("/a", "/b"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.caller.hook = func(task string) {
		if task == models.TaskClassifyFinding {
			cancel()
		}
	}

	s, err := h.engine.Run(ctx, "s-resume", sessionConfig(1, 5))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, s.Status)
	assert.Equal(t, StageClassify, s.LastStage)
	assert.Equal(t, StageReport, s.NextStage)
	assert.Len(t, s.Processed, 1)

	saved, err := h.store.Load(context.Background(), "s-resume")
	require.NoError(t, err)
	assert.Equal(t, StageReport, saved.NextStage)
	assert.Equal(t, models.StatusCancelled, saved.Status)

	h.caller.hook = nil
	seq := h.lastSeq("s-resume")
	resumed, err := h.engine.Resume(context.Background(), "s-resume", map[string]string{"max_items": "3"})
	require.NoError(t, err)

	stages := h.stagesSince("s-resume", seq)
	require.NotEmpty(t, stages)
	assert.Equal(t, StageReport, stages[0], "resume starts at the stage after the checkpoint")
	assert.Contains(t, stages, StageCrawl, "the raised budget lets the loop continue")
	assert.Equal(t, StageSummarize, stages[len(stages)-1])
	assert.Equal(t, 3, resumed.Config.MaxItems)
	assert.Len(t, resumed.Processed, 3)
	assert.Equal(t, models.StatusCompleted, resumed.Status)
	assert.Len(t, resumed.Reported, 3)
	assert.InDelta(t, h.tracker.SessionCost("s-resume"), resumed.TotalCost, 1e-9)
}

func TestResumeWithoutOverrideStopsAtOldBudget(t *testing.T) {
	h := newHarness(t, newSite("/a", "/b"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.caller.hook = func(task string) {
		if task == models.TaskClassifyFinding {
			cancel()
		}
	}
	_, err := h.engine.Run(ctx, "s-same", sessionConfig(1, 5))
	require.NoError(t, err)

	h.caller.hook = nil
	seq := h.lastSeq("s-same")
	resumed, err := h.engine.Resume(context.Background(), "s-same", nil)
	require.NoError(t, err)
	assert.NotContains(t, h.stagesSince("s-same", seq), StageCrawl)
	assert.Len(t, resumed.Processed, 1)
	assert.Equal(t, ReasonBudget, resumed.StopReason)
}

func TestResumeFinishedSessionIsNoop(t *testing.T) {
	h := newHarness(t, newSite(), nil)
	_, err := h.engine.Run(context.Background(), "s-done", sessionConfig(5, 5))
	require.NoError(t, err)
	before := len(h.caller.calls)

	s, err := h.engine.Resume(context.Background(), "s-done", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, s.Status)
	assert.Equal(t, before, len(h.caller.calls))
}

func TestConfigErrorsEscapeRunAndResume(t *testing.T) {
	h := newHarness(t, newSite(), nil)

	_, err := h.engine.Run(context.Background(), "", state.Config{MaxItems: 1, CrawlBatch: 1})
	assert.ErrorIs(t, err, ErrConfig)
	_, err = h.engine.Run(context.Background(), "", state.Config{Target: target, CrawlBatch: 1})
	assert.ErrorIs(t, err, ErrConfig)

	_, err = h.engine.Resume(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrConfig)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	_, err = h.engine.Run(context.Background(), "s-bad", sessionConfig(1, 1))
	require.NoError(t, err)
	_, err = h.engine.Resume(context.Background(), "s-bad", map[string]string{"bogus": "1"})
	assert.ErrorIs(t, err, ErrConfig)

	_, err = New(Deps{}, DefaultOptions(), nil)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestRunGeneratesSessionID(t *testing.T) {
	h := newHarness(t, newSite(), nil)
	s, err := h.engine.Run(context.Background(), "", sessionConfig(1, 1))
	require.NoError(t, err)
	assert.NotEmpty(t, s.SessionID)
	ids, err := h.store.Sessions(context.Background(), 10)
	require.NoError(t, err)
	assert.Contains(t, ids, s.SessionID)
	assert.True(t, strings.Count(s.SessionID, "-") == 4)
}
