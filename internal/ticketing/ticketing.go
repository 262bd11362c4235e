package ticketing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ErrInvalidIssue is returned when an issue has no title.
var ErrInvalidIssue = errors.New("issue title is required")

// Issue is a report to file.
type Issue struct {
	Title       string
	Description string
	Labels      []string
	Priority    string
}

// Ticket identifies a filed issue.
type Ticket struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Client files issues in a tracker.
type Client interface {
	CreateIssue(ctx context.Context, issue Issue) (Ticket, error)
}

// Error is a tracker-side failure.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ticketing: status %d: %s", e.Status, e.Detail)
}

// ErrorType groups tracker failures in the error aggregator.
func (e *Error) ErrorType() string { return "TicketingError" }

// labelsFor appends the priority label and drops duplicates.
func labelsFor(issue Issue) []string {
	var out []string
	seen := map[string]struct{}{}
	add := func(l string) {
		l = strings.TrimSpace(l)
		if l == "" {
			return
		}
		if _, ok := seen[l]; ok {
			return
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	for _, l := range issue.Labels {
		add(l)
	}
	if issue.Priority != "" {
		add("priority:" + issue.Priority)
	}
	return out
}

// Memory records issues in process. Used for dry runs and tests.
type Memory struct {
	mu     sync.Mutex
	issues []Issue
	prefix string
}

// NewMemory creates an in-memory tracker. URLs are prefix + "/" + id.
func NewMemory(prefix string) *Memory {
	if prefix == "" {
		prefix = "memory://issues"
	}
	return &Memory{prefix: strings.TrimRight(prefix, "/")}
}

func (m *Memory) CreateIssue(ctx context.Context, issue Issue) (Ticket, error) {
	if err := ctx.Err(); err != nil {
		return Ticket{}, err
	}
	if strings.TrimSpace(issue.Title) == "" {
		return Ticket{}, ErrInvalidIssue
	}
	issue.Labels = labelsFor(issue)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issues = append(m.issues, issue)
	id := strconv.Itoa(len(m.issues))
	return Ticket{ID: id, URL: m.prefix + "/" + id}, nil
}

// Issues returns a copy of the filed issues.
func (m *Memory) Issues() []Issue {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Issue, len(m.issues))
	copy(out, m.issues)
	return out
}
