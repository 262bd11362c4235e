package errtrack

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/metrics"
)

const (
	keyPrefixLen = 100
	maxSamples   = 5
)

// Typed is implemented by errors that carry their own type name.
type Typed interface {
	ErrorType() string
}

// Pattern groups errors sharing a type and message prefix.
type Pattern struct {
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Contexts  []string  `json:"contexts"`
}

// Summary reports aggregate counts.
type Summary struct {
	TotalErrors  int `json:"total_errors"`
	UniqueTypes  int `json:"unique_types"`
	PatternCount int `json:"pattern_count"`
}

type key struct {
	errType string
	prefix  string
}

// Aggregator collects errors from any component and detects repeats.
// A single mutex guards every method.
type Aggregator struct {
	mu       sync.Mutex
	patterns map[key]*Pattern
	order    []key
	total    int
	detached bool
	now      func() time.Time
	logger   *zap.Logger
}

// New creates an empty aggregator.
func New(logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		patterns: make(map[key]*Pattern),
		now:      time.Now,
		logger:   logger,
	}
}

// NewDetached returns an aggregator that does not export metrics. It is used
// to rebuild per-session patterns from errors already counted once.
func NewDetached(logger *zap.Logger) *Aggregator {
	a := New(logger)
	a.detached = true
	return a
}

// TypeOf names an error: an ErrorType() method anywhere in the chain wins,
// otherwise the concrete Go type of the innermost cause. Wrappers such as
// per-item batch errors therefore group with their cause.
func TypeOf(err error) string {
	var typed Typed
	if errors.As(err, &typed) {
		return typed.ErrorType()
	}
	for err != nil {
		inner := errors.Unwrap(err)
		if inner == nil {
			break
		}
		err = inner
	}
	t := reflect.TypeOf(err)
	if t == nil {
		return "nil"
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}

// Add records err with a free-form context (URL, stage name, item id).
func (a *Aggregator) Add(err error, context string) {
	if err == nil {
		return
	}
	a.AddTyped(TypeOf(err), err.Error(), context)
}

// AddTyped records an error by explicit type and message.
func (a *Aggregator) AddTyped(errType, message, context string) {
	k := key{errType: errType, prefix: truncate(message, keyPrefixLen)}
	now := a.now()

	a.mu.Lock()
	a.total++
	p, ok := a.patterns[k]
	if !ok {
		p = &Pattern{ErrorType: errType, Message: k.prefix, FirstSeen: now}
		a.patterns[k] = p
		a.order = append(a.order, k)
	}
	p.Count++
	p.LastSeen = now
	if context != "" && len(p.Contexts) < maxSamples && !contains(p.Contexts, context) {
		p.Contexts = append(p.Contexts, context)
	}
	count := p.Count
	a.mu.Unlock()

	if !a.detached {
		metrics.ErrorsRecorded.WithLabelValues(errType).Inc()
	}
	a.logger.Debug("Error recorded",
		zap.String("type", errType),
		zap.String("context", context),
		zap.Int("occurrences", count),
	)
}

// Patterns returns groups seen at least minOccurrences times, most frequent first.
func (a *Aggregator) Patterns(minOccurrences int) []Pattern {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Pattern
	for _, k := range a.order {
		p := a.patterns[k]
		if p.Count < minOccurrences {
			continue
		}
		cp := *p
		cp.Contexts = append([]string(nil), p.Contexts...)
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

// Summary returns totals. PatternCount counts groups with two or more occurrences.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	types := make(map[string]struct{})
	repeated := 0
	for _, p := range a.patterns {
		types[p.ErrorType] = struct{}{}
		if p.Count >= 2 {
			repeated++
		}
	}
	return Summary{TotalErrors: a.total, UniqueTypes: len(types), PatternCount: repeated}
}

// Total returns the number of errors recorded.
func (a *Aggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Reset drops every recorded error.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.patterns = make(map[key]*Pattern)
	a.order = nil
	a.total = 0
}

func (p Pattern) String() string {
	return fmt.Sprintf("%s x%d: %s", p.ErrorType, p.Count, p.Message)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
