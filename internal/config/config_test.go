package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "config.yaml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.Port)
	assert.Equal(t, 8, cfg.NumGPUs)
	assert.Equal(t, 6, cfg.PlanningHorizonDays)
	assert.Equal(t, "America/New_York", cfg.Timezone)
	assert.Equal(t, "0.5", cfg.Rollover().String())
	assert.Equal(t, "0.34", cfg.Refund().String())

	// The default file was written for the operator to edit.
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestLoadConfigAppliesFileAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \":9001\"\nnum_gpus: 4\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9001", cfg.Port)
	assert.Equal(t, 4, cfg.NumGPUs)
	// Unset fields fall back to defaults.
	assert.Equal(t, "America/New_York", cfg.Timezone)
	assert.Equal(t, "0.34", cfg.ReleaseRefund)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("GPU_MONITOR_TOKEN", "tok-123")
	t.Setenv("DATA_DIR", "/tmp/sched-data")
	t.Setenv("TZ", "UTC")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Port)
	assert.Equal(t, "tok-123", cfg.MonitorToken)
	assert.Equal(t, "/tmp/sched-data", cfg.DataDir)
	assert.Equal(t, "UTC", cfg.Timezone)
}

func TestValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transition_hour: 25\n"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)

	path2 := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path2, []byte("rollover_fraction: \"abc\"\n"), 0644))
	_, err = LoadConfig(path2)
	assert.Error(t, err)
}
