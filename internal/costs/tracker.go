package costs

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
)

// Sink receives every usage record after it is accounted. Implementations
// must not block; the Postgres client queues writes.
type Sink interface {
	RecordUsage(rec models.UsageRecord)
}

// TierBreakdown aggregates one tier's usage inside a session.
type TierBreakdown struct {
	Cost         float64 `json:"cost"`
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
}

type sessionTotals struct {
	total float64
	tiers map[models.Tier]*TierBreakdown
}

// Tracker accumulates usage records per session and globally.
// All methods are safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	records  []models.UsageRecord
	seen     map[string]struct{}
	sessions map[string]*sessionTotals
	total    float64
	sink     Sink
	logger   *zap.Logger
}

// NewTracker creates a tracker. sink may be nil.
func NewTracker(sink Sink, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		sessions: make(map[string]*sessionTotals),
		seen:     make(map[string]struct{}),
		sink:     sink,
		logger:   logger,
	}
}

// Add records one successful model call.
func (t *Tracker) Add(rec models.UsageRecord) {
	t.add(rec, true)
}

func (t *Tracker) add(rec models.UsageRecord, forward bool) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Cost < 0 {
		t.logger.Warn("Negative cost clamped", zap.String("session_id", rec.SessionID), zap.Float64("cost", rec.Cost))
		rec.Cost = 0
	}

	t.mu.Lock()
	if _, dup := t.seen[rec.ID]; dup {
		t.mu.Unlock()
		return
	}
	t.seen[rec.ID] = struct{}{}
	t.records = append(t.records, rec)
	s := t.sessions[rec.SessionID]
	if s == nil {
		s = &sessionTotals{tiers: make(map[models.Tier]*TierBreakdown)}
		t.sessions[rec.SessionID] = s
	}
	b := s.tiers[rec.Tier]
	if b == nil {
		b = &TierBreakdown{}
		s.tiers[rec.Tier] = b
	}
	b.Cost += rec.Cost
	b.Calls++
	b.InputTokens += rec.InputTokens
	b.OutputTokens += rec.OutputTokens
	s.total += rec.Cost
	t.total += rec.Cost
	sink := t.sink
	t.mu.Unlock()

	metrics.ModelCostUSD.WithLabelValues(string(rec.Tier)).Add(rec.Cost)
	metrics.ModelTokens.WithLabelValues(string(rec.Tier), "input").Add(float64(rec.InputTokens))
	metrics.ModelTokens.WithLabelValues(string(rec.Tier), "output").Add(float64(rec.OutputTokens))

	if forward && sink != nil {
		sink.RecordUsage(rec)
	}
}

// SessionCost returns the accumulated cost of a session.
func (t *Tracker) SessionCost(sessionID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.sessions[sessionID]; s != nil {
		return s.total
	}
	return 0
}

// Breakdown returns per-tier aggregates of a session. The map is a copy.
func (t *Tracker) Breakdown(sessionID string) map[models.Tier]TierBreakdown {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[models.Tier]TierBreakdown)
	s := t.sessions[sessionID]
	if s == nil {
		return out
	}
	for tier, b := range s.tiers {
		out[tier] = *b
	}
	return out
}

// Total returns the cost across all sessions.
func (t *Tracker) Total() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Export returns a flat copy of every record, ordered by timestamp.
func (t *Tracker) Export() []models.UsageRecord {
	t.mu.Lock()
	out := make([]models.UsageRecord, len(t.records))
	copy(out, t.records)
	t.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// ExportSession returns the records of one session.
func (t *Tracker) ExportSession(sessionID string) []models.UsageRecord {
	var out []models.UsageRecord
	for _, r := range t.Export() {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out
}

// Restore replays previously exported records without forwarding them to
// the sink. Records already present are skipped.
func (t *Tracker) Restore(records []models.UsageRecord) {
	for _, r := range records {
		t.add(r, false)
	}
}
