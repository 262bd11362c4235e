package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds each individual check.
const DefaultTimeout = 5 * time.Second

// Manager runs registered checkers concurrently.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{checkers: make(map[string]Checker), timeout: DefaultTimeout, logger: logger}
}

// Register adds or replaces a checker by name.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[c.Name()] = c
}

// Names lists registered checkers in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.checkers))
	for n := range m.checkers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Check runs every checker and folds the results. Any unhealthy critical
// component makes the report unhealthy and not ready; anything else that is
// not healthy degrades it.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = m.run(ctx, c)
		}(i, c)
	}
	wg.Wait()

	rep := Report{Status: StatusHealthy, Ready: true, Components: make(map[string]CheckResult, len(results)), Timestamp: time.Now()}
	for _, r := range results {
		rep.Components[r.Component] = r
		switch {
		case r.Status == StatusUnhealthy && r.Critical:
			rep.Status = StatusUnhealthy
			rep.Ready = false
		case r.Status != StatusHealthy && rep.Status == StatusHealthy:
			rep.Status = StatusDegraded
		}
	}
	rep.State = rep.Status.String()
	return rep
}

func (m *Manager) run(ctx context.Context, c Checker) (res CheckResult) {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Health check panicked", zap.String("check", c.Name()), zap.Any("panic", r))
			res = CheckResult{Status: StatusUnhealthy, Message: "check panicked"}
		}
		res.Component = c.Name()
		res.Critical = c.IsCritical()
		res.Duration = time.Since(start)
		res.Timestamp = start
		res.State = res.Status.String()
		if res.Status != StatusHealthy {
			m.logger.Warn("Health check not healthy",
				zap.String("check", res.Component),
				zap.String("status", res.State),
				zap.String("error", res.Error),
			)
		}
	}()
	return c.Check(cctx)
}
