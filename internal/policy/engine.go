package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

const decisionQuery = "data.inspector.tickets.decision"

// TicketInput is what the gate sees for each draft.
type TicketInput struct {
	SessionID    string   `json:"session_id"`
	FindingID    string   `json:"finding_id"`
	Title        string   `json:"title"`
	Severity     string   `json:"severity"`
	Priority     string   `json:"priority"`
	Verdict      string   `json:"verdict,omitempty"`
	NeedsReview  bool     `json:"needs_review"`
	Labels       []string `json:"labels,omitempty"`
	TicketsFiled int      `json:"tickets_filed"`
	MaxTickets   int      `json:"max_tickets"`
}

// Decision is the gate's answer.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
	// WouldDeny is set in dry-run mode when enforcement would have denied.
	WouldDeny bool   `json:"would_deny,omitempty"`
	Version   string `json:"version,omitempty"`
}

// Engine gates ticket creation.
type Engine interface {
	Evaluate(ctx context.Context, input TicketInput) (Decision, error)
	LoadPolicies() error
	Mode() Mode
}

// OPAEngine evaluates rego policies. LoadPolicies may be called again at
// runtime to pick up edited files.
type OPAEngine struct {
	config Config
	logger *zap.Logger

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	version  string
}

// NewOPAEngine creates an engine and loads policies unless mode is off.
func NewOPAEngine(config Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &OPAEngine{config: config, logger: logger}
	if config.Mode == ModeOff {
		return e, nil
	}
	if err := e.LoadPolicies(); err != nil {
		if config.FailClosed {
			return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
		}
		logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
	}
	return e, nil
}

// LoadPolicies loads and compiles all policy files from the configured directory
func (e *OPAEngine) LoadPolicies() error {
	if e.config.Mode == ModeOff {
		return nil
	}
	policies := make(map[string]string)
	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		rel, _ := filepath.Rel(e.config.Path, path)
		policies[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}
	if len(policies) == 0 {
		return fmt.Errorf("no policy files found in %s", e.config.Path)
	}

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for name, content := range policies {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		policyErrors.WithLabelValues("compile", string(e.config.Mode)).Inc()
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	version := policyVersion(policies)
	e.mu.Lock()
	e.compiled = &compiled
	e.version = version
	e.mu.Unlock()

	policyLoadTime.Set(float64(time.Now().Unix()))
	policyCount.Set(float64(len(policies)))
	e.logger.Info("Policies loaded and compiled successfully",
		zap.Int("policy_count", len(policies)),
		zap.String("version", version),
	)
	return nil
}

// Mode returns the configured enforcement mode
func (e *OPAEngine) Mode() Mode { return e.config.Mode }

// Evaluate evaluates the ticket against the loaded policies.
func (e *OPAEngine) Evaluate(ctx context.Context, input TicketInput) (Decision, error) {
	start := time.Now()
	mode := string(e.config.Mode)
	if input.MaxTickets == 0 {
		input.MaxTickets = e.config.MaxTickets
	}

	if e.config.Mode == ModeOff {
		return Decision{Allow: true, Reason: "policy engine off"}, nil
	}

	e.mu.RLock()
	compiled, version := e.compiled, e.version
	e.mu.RUnlock()

	if compiled == nil {
		d := Decision{Allow: !e.config.FailClosed, Reason: "no policies loaded"}
		policyEvaluations.WithLabelValues(decisionLabel(d.Allow), mode).Inc()
		return d, nil
	}

	results, err := compiled.Eval(ctx, rego.EvalInput(toMap(input)))
	if err != nil {
		policyErrors.WithLabelValues("evaluation", mode).Inc()
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		if e.config.FailClosed {
			return Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return Decision{Allow: true, Reason: "policy evaluation error (fail-open)"}, nil
	}

	d := parseResults(results)
	d.Version = version
	if e.config.Mode == ModeDryRun && !d.Allow {
		d.WouldDeny = true
		d.Allow = true
		policyDryRunDivergence.Inc()
	}

	policyEvaluations.WithLabelValues(decisionLabel(d.Allow), mode).Inc()
	policyEvaluationDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	e.logger.Debug("Policy evaluated",
		zap.String("finding_id", input.FindingID),
		zap.Bool("allow", d.Allow),
		zap.Bool("would_deny", d.WouldDeny),
		zap.String("reason", d.Reason),
	)
	return d, nil
}

func toMap(in TicketInput) map[string]interface{} {
	labels := make([]interface{}, 0, len(in.Labels))
	for _, l := range in.Labels {
		labels = append(labels, l)
	}
	return map[string]interface{}{
		"session_id":    in.SessionID,
		"finding_id":    in.FindingID,
		"title":         in.Title,
		"severity":      in.Severity,
		"priority":      in.Priority,
		"verdict":       in.Verdict,
		"needs_review":  in.NeedsReview,
		"labels":        labels,
		"tickets_filed": in.TicketsFiled,
		"max_tickets":   in.MaxTickets,
	}
}

// parseResults reads {allow, reason} or a bare boolean. No result denies.
func parseResults(results rego.ResultSet) Decision {
	d := Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return d
	}
	switch v := results[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := v["allow"].(bool); ok {
			d.Allow = allow
		}
		if reason, ok := v["reason"].(string); ok {
			d.Reason = reason
		}
	case bool:
		d.Allow = v
		if v {
			d.Reason = "allowed by policy"
		} else {
			d.Reason = "denied by policy"
		}
	}
	return d
}

func decisionLabel(allow bool) string {
	if allow {
		return "allow"
	}
	return "deny"
}

// policyVersion hashes policy content so deployments can be told apart.
func policyVersion(policies map[string]string) string {
	names := make([]string, 0, len(policies))
	for n := range policies {
		names = append(names, n)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, n := range names {
		h.Write([]byte(n))
		h.Write([]byte(policies[n]))
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}
