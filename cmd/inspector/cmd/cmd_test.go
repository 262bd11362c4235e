package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/checkpoint"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/state"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		cfgFile = ""
		zap.ReplaceGlobals(zap.NewNop())
		models.ResetTables()
	})
	_, err := rootCmd.ExecuteC()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	SetVersion("v1.2.3", "abc123", "2026-01-15")
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "inspector v1.2.3")
	assert.Contains(t, out, "commit: abc123")
	assert.Contains(t, out, "built:  2026-01-15")
}

func TestRunRequiresTarget(t *testing.T) {
	_, err := execute(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target")
}

func TestParseOverrides(t *testing.T) {
	got, err := parseOverrides([]string{"max_items=40", " stop = true", "focus_areas=forms,auth"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"max_items":   "40",
		"stop":        " true",
		"focus_areas": "forms,auth",
	}, got)

	_, err = parseOverrides([]string{"max_items"})
	assert.Error(t, err)
	_, err = parseOverrides([]string{"=5"})
	assert.Error(t, err)
}

func TestPrintTiers(t *testing.T) {
	var out bytes.Buffer
	limits := ratecontrol.New(map[models.Tier]ratecontrol.RateLimit{models.TierPremium: {RPM: 20, Burst: 2}})
	require.NoError(t, printTiers(&out, limits))

	text := out.String()
	assert.Contains(t, text, "premium")
	assert.Contains(t, text, "reasoning > general > fast")
	assert.Contains(t, text, string(models.TaskPlanInspection))
	assert.Contains(t, text, "(default)")
}

func TestPrintUsage(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []models.UsageRecord{
		{ID: "1", SessionID: "s1", Tier: models.TierGeneral, Task: "classify_finding", InputTokens: 100, OutputTokens: 20, Cost: 0.25, Timestamp: at},
		{ID: "2", SessionID: "s1", Tier: models.TierFast, Task: "summarize_session", InputTokens: 50, OutputTokens: 10, Cost: 0.5, Timestamp: at},
	}
	var out bytes.Buffer
	require.NoError(t, printUsage(&out, "s1", records, zap.NewNop()))

	text := out.String()
	assert.Contains(t, text, "classify_finding")
	assert.Contains(t, text, "2026-03-01T12:00:00Z")
	assert.Contains(t, text, "0.750000")
}

func TestUsageFromSQLiteCheckpoint(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "checkpoints.db")

	raw, err := sqlx.Open("sqlite3", dbPath)
	require.NoError(t, err)
	store, err := checkpoint.NewSQLStore(context.Background(), circuitbreaker.NewDatabaseWrapper(raw, zap.NewNop()))
	require.NoError(t, err)
	s := state.New("sess-42", state.Config{Target: "https://example.test", MaxItems: 5, CrawlBatch: 1})
	s.Usage = append(s.Usage, models.UsageRecord{
		ID: "u1", SessionID: "sess-42", Tier: models.TierCoding, Task: "analyze_page",
		InputTokens: 1000, OutputTokens: 200, Cost: 0.125, Timestamp: time.Now().UTC(),
	})
	require.NoError(t, store.Save(context.Background(), s))
	require.NoError(t, raw.Close())

	cfgPath := filepath.Join(dir, "inspector.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
workflow:
  checkpoint: sql
  sqlite_path: `+dbPath+`
metrics:
  enabled: false
`), 0o644))

	out, err := execute(t, "--config", cfgPath, "usage", "--session", "sess-42")
	require.NoError(t, err)
	assert.Contains(t, out, "analyze_page")
	assert.Contains(t, out, "coding")
	assert.Contains(t, out, "0.125000")

	_, err = execute(t, "--config", cfgPath, "usage", "--session", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no usage recorded")
}
