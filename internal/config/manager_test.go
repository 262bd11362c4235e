package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestConfigManagerReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "policies"), 0755))
	tiers := filepath.Join(dir, "tiers.yaml")
	require.NoError(t, os.WriteFile(tiers, []byte("tiers:\n  fast:\n    input_per_million: 0.1\n"), 0644))
	rego := filepath.Join(dir, "policies", "tickets.rego")
	require.NoError(t, os.WriteFile(rego, []byte("package inspector.tickets\n"), 0644))

	cm, err := NewConfigManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	var tierEvents, policyReloads int32
	cm.RegisterHandler("tiers.yaml", func(ev ChangeEvent) error {
		atomic.AddInt32(&tierEvents, 1)
		return nil
	})
	cm.RegisterPolicyHandler(func() error {
		atomic.AddInt32(&policyReloads, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, cm.Start(ctx))
	defer cm.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&tierEvents), "initial load notifies handlers")
	cfg, ok := cm.GetConfig("tiers.yaml")
	require.True(t, ok)
	assert.Contains(t, cfg, "tiers")

	require.NoError(t, os.WriteFile(tiers, []byte("tiers:\n  fast:\n    input_per_million: 0.2\n"), 0644))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&tierEvents) >= 2 }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(rego, []byte("package inspector.tickets\n\ndefault decision := {}\n"), 0644))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&policyReloads) >= 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestConfigManagerValidatorBlocksBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tiers: {}\n"), 0644))

	cm, err := NewConfigManager(dir, nil)
	require.NoError(t, err)

	var called int32
	cm.RegisterValidator("tiers.yaml", func(m map[string]interface{}) error {
		if _, ok := m["tiers"].(map[string]interface{}); ok && len(m["tiers"].(map[string]interface{})) == 0 {
			return errors.New("empty tiers")
		}
		return nil
	})
	cm.RegisterHandler("tiers.yaml", func(ChangeEvent) error {
		atomic.AddInt32(&called, 1)
		return nil
	})

	assert.Error(t, cm.ReloadConfig("tiers.yaml"))
	assert.Equal(t, int32(0), atomic.LoadInt32(&called))
	_, ok := cm.GetConfig("tiers.yaml")
	assert.False(t, ok)
}

func TestNewConfigManagerRequiresDir(t *testing.T) {
	_, err := NewConfigManager("", nil)
	assert.Error(t, err)
	_, err = NewConfigManager(filepath.Join(t.TempDir(), "nope"), nil)
	assert.Error(t, err)
}
