package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crewd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestInitializeMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Initialize(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultRuntimeConfig().MaxConcurrentDispatches, cfg.Runtime.MaxConcurrentDispatches)
	assert.Equal(t, DefaultLanesConfig().Debounce, cfg.Lanes.Debounce)
	assert.True(t, cfg.Steering.Enabled)
	assert.Equal(t, DefaultOutboxConfig().MaxRelayDepth, cfg.Outbox.MaxRelayDepth)
}

func TestInitializeMergesUserValuesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
runtime:
  max_concurrent_dispatches: 3
  dispatch_lease: 4m
lanes:
  debounce: 750ms
  max_queued: 4
outbox:
  backoff_max: 10m
routines:
  scheduler_interval: 45s
system:
  server:
    port: 9991
  retention:
    settled_event_ttl: 24h
`)

	cfg, err := Initialize(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Runtime.MaxConcurrentDispatches)
	assert.Equal(t, 4*time.Minute, cfg.Runtime.DispatchLease)
	// Unset fields keep their defaults.
	assert.Equal(t, DefaultRuntimeConfig().HeartbeatInterval, cfg.Runtime.HeartbeatInterval)

	assert.Equal(t, 750*time.Millisecond, cfg.Lanes.Debounce)
	assert.Equal(t, 4, cfg.Lanes.MaxQueued)
	assert.Equal(t, DefaultLanesConfig().Mode, cfg.Lanes.Mode)

	assert.Equal(t, 10*time.Minute, cfg.Outbox.BackoffMax)
	assert.Equal(t, 45*time.Second, cfg.Routines.SchedulerInterval)
	assert.Equal(t, 9991, cfg.Server.Port)
	assert.Equal(t, 24*time.Hour, cfg.Retention.SettledEventTTL)
	assert.Equal(t, DefaultRetentionConfig().ResolvedEffectTTL, cfg.Retention.ResolvedEffectTTL)
}

func TestInitializeSteeringExplicitFalse(t *testing.T) {
	path := writeConfig(t, `
steering:
  enabled: false
`)
	cfg, err := Initialize(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, cfg.Steering.Enabled)
	// Keywords keep their defaults unless overridden.
	assert.Equal(t, DefaultSteeringConfig().InterruptKeywords, cfg.Steering.InterruptKeywords)
}

func TestInitializeExpandsEnvironment(t *testing.T) {
	t.Setenv("CREWD_TEST_PORT", "8123")
	path := writeConfig(t, `
system:
  server:
    port: {{.CREWD_TEST_PORT}}
`)
	cfg, err := Initialize(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 8123, cfg.Server.Port)
}

func TestInitializeRejectsInvalidYAML(t *testing.T) {
	path := writeConfig(t, "runtime: [not a map")
	_, err := Initialize(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
lanes:
  mode: shout
`)
	_, err := Initialize(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}
