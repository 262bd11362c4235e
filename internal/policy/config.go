package policy

import (
	"os"
	"strconv"
	"strings"
)

// Mode defines the policy engine operating mode
type Mode string

const (
	// ModeOff disables policy evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but doesn't enforce them (log only)
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// Config holds policy engine configuration
type Config struct {
	// Mode controls policy enforcement behavior
	Mode Mode `mapstructure:"mode"`

	// Path to the directory containing .rego policy files
	Path string `mapstructure:"path"`

	// FailClosed determines behavior when policies can't be loaded
	// true: deny every ticket if policies fail to load
	// false: allow every ticket (fail-open)
	FailClosed bool `mapstructure:"fail_closed"`

	// MaxTickets caps tickets filed per session; 0 means no cap.
	MaxTickets int `mapstructure:"max_tickets"`
}

// DefaultConfig returns dry-run against ./config/policies.
func DefaultConfig() Config {
	return Config{Mode: ModeDryRun, Path: "config/policies"}
}

// Normalize applies env overrides and validates the mode.
func (c Config) Normalize() Config {
	if v := os.Getenv("INSPECTOR_POLICY_MODE"); v != "" {
		c.Mode = Mode(strings.ToLower(strings.TrimSpace(v)))
	}
	if v := os.Getenv("INSPECTOR_POLICY_PATH"); v != "" {
		c.Path = v
	}
	if v := os.Getenv("INSPECTOR_POLICY_FAIL_CLOSED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.FailClosed = b
		}
	}
	switch c.Mode {
	case ModeOff, ModeDryRun, ModeEnforce:
	default:
		c.Mode = ModeOff
	}
	return c
}
