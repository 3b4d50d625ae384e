package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listener:\n  port: 6000\ndatabase:\n  driver: sqlite\n  dsn: \"file::memory:\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.Listener.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5000, cfg.Device.Port)
	assert.Equal(t, 1000, cfg.Dedup.MaxEntries)
	assert.Equal(t, time.Minute, cfg.Dedup.TrimInterval)
	assert.Equal(t, 5*time.Second, cfg.Liveness.SweepInterval)
	assert.Equal(t, 10*time.Second, cfg.Liveness.InactivityThreshold)
	assert.Equal(t, time.Minute, cfg.Liveness.ProbeInterval)
	assert.Equal(t, 3, cfg.Liveness.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Device.ConfigReplyTimeout)
	assert.Equal(t, 5*time.Second, cfg.Device.ConnectTimeout)
	assert.Equal(t, 1, cfg.WorkerPool.Size)
	assert.Equal(t, "lab", cfg.NATS.SubjectPrefix)
	assert.True(t, cfg.Liveness.Enabled, "liveness on when the section is omitted")
	assert.True(t, cfg.Liveness.ProbeEnabled)
	assert.False(t, cfg.Retrieval.Enabled, "retrieval is opt-in")
}

func TestLoad_ExplicitSwitchesOff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "liveness:\n  enabled: false\n  probe_enabled: false\n  sweep_interval_seconds: 7\nretrieval:\n  enabled: true\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Liveness.Enabled)
	assert.False(t, cfg.Liveness.ProbeEnabled)
	assert.Equal(t, 7*time.Second, cfg.Liveness.SweepInterval)
	assert.True(t, cfg.Retrieval.Enabled)
}

func TestLoad_EmptyFileMatchesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load("config.example.yaml")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.True(t, cfg.Liveness.Enabled)
	assert.True(t, cfg.Liveness.ProbeEnabled)
	assert.Equal(t, 5*time.Minute, cfg.Retrieval.Interval)
	assert.Equal(t, 2, cfg.WorkerPool.Size)
}
