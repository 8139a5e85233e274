package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())
	assert.Equal(t, 0, s.Concurrency)
	assert.Equal(t, 500*time.Millisecond, s.PollInterval.Std())
	assert.Equal(t, "deployer", s.Telemetry.ServiceName)
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "deployer.yaml", `
concurrency: 8
poll_interval: 2s
timeout: 600
state_path: /var/lib/deployer/state.db
telemetry:
  logging:
    level: debug
`)

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 8, s.Concurrency)
	assert.Equal(t, 2*time.Second, s.PollInterval.Std())
	assert.Equal(t, 10*time.Minute, s.Timeout.Std())
	assert.Equal(t, "/var/lib/deployer/state.db", s.StatePath)
	assert.Equal(t, "debug", s.Telemetry.Logging.Level)
	// Unset values keep their defaults.
	assert.Equal(t, "console", s.Telemetry.Logging.Format)

	s, err = LoadSettings(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
}

func TestLoadSettingsInvalid(t *testing.T) {
	dir := t.TempDir()

	tests := map[string]string{
		"negative concurrency": "concurrency: -1",
		"zero poll interval":   "poll_interval: 0s",
		"unknown field":        "workers: 3",
		"bad log level":        "telemetry:\n  logging:\n    level: loud",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, dir, "settings.yaml", content)
			_, err := LoadSettings(path)
			assert.Error(t, err)
		})
	}
}
