package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/state"
)

func crawlingState() *state.SessionState {
	s := state.New("t", state.Config{Target: "https://a.test", MaxItems: 10, CrawlBatch: 2, HighSeverityStop: 1, MaxErrors: 2})
	s.Discovered = append(s.Discovered, "https://a.test/x")
	s.Processed = []string{"https://a.test"}
	return s
}

func TestNextFollowsTopology(t *testing.T) {
	s := crawlingState()
	linear := map[string]string{
		StagePlan:      StageCrawl,
		StageCrawl:     StageAnalyze,
		StageAnalyze:   StageClassify,
		StageValidate:  StageReport,
		StageReport:    StageCreateTickets,
		StageSummarize: StageEnd,
	}
	for from, want := range linear {
		got, err := Next(from, s)
		require.NoError(t, err)
		assert.Equal(t, want, got, from)
		assert.Contains(t, Successors(from), got)
	}

	_, err := Next(StageEnd, s)
	assert.Error(t, err)
	_, err = Next("bogus", s)
	assert.Error(t, err)
}

func TestNextAfterClassify(t *testing.T) {
	s := crawlingState()
	got, _ := Next(StageClassify, s)
	assert.Equal(t, StageReport, got)

	s.NeedsValidation = []string{"f1"}
	got, _ = Next(StageClassify, s)
	assert.Equal(t, StageValidate, got)
}

func TestNextAfterCreateTickets(t *testing.T) {
	s := crawlingState()
	got, _ := Next(StageCreateTickets, s)
	assert.Equal(t, StageCrawl, got)

	s.Stop = true
	got, _ = Next(StageCreateTickets, s)
	assert.Equal(t, StageSummarize, got)
}

func TestShouldContinueCrawling(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*state.SessionState)
		ok     bool
		reason string
	}{
		{"continues", func(*state.SessionState) {}, true, ""},
		{"stop flag", func(s *state.SessionState) { s.Stop = true }, false, ReasonStopRequested},
		{"budget", func(s *state.SessionState) { s.Config.MaxItems = 1 }, false, ReasonBudget},
		{"nothing pending", func(s *state.SessionState) { s.Processed = append(s.Processed, "https://a.test/x") }, false, ReasonNothingPending},
		{"high severity", func(s *state.SessionState) {
			s.Classified = []state.Finding{{Severity: state.SeverityHigh}, {Severity: state.SeverityCritical}}
		}, false, ReasonHighSeverity},
		{"high severity at threshold", func(s *state.SessionState) {
			s.Classified = []state.Finding{{Severity: state.SeverityHigh}, {Severity: state.SeverityLow}}
		}, true, ""},
		{"errors", func(s *state.SessionState) { s.Errors = make([]state.ErrorEntry, 3) }, false, ReasonTooManyErrors},
		{"errors at threshold", func(s *state.SessionState) { s.Errors = make([]state.ErrorEntry, 2) }, true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := crawlingState()
			tc.mutate(s)
			ok, reason := ShouldContinueCrawling(s)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		A int `json:"a"`
	}
	require.NoError(t, decodeJSON("t", "sure! ```json\n{\"a\": 3}\n```", &v))
	assert.Equal(t, 3, v.A)

	err := decodeJSON("t", "no json here", &v)
	var me *MalformedError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "t", me.Task)

	assert.Error(t, decodeJSON("t", "{not json}", &v))
}
