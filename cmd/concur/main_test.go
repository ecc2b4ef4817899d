package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/concur/health"
)

func TestParseFlags(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	prod := filepath.Join(dir, "prod.yaml")
	require.NoError(t, os.WriteFile(base, []byte("http:\n  port: 9090\nresources:\n  - name: companies\n"), 0o600))
	require.NoError(t, os.WriteFile(prod, []byte("storage:\n  mode: memory\n"), 0o600))

	cfg, err := parseFlags([]string{"-c", base, "--config", prod, "--debug", "--shutdown-timeout", "3s"})
	require.NoError(t, err)
	assert.Equal(t, []string{base, prod}, cfg.ConfigPaths)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	require.NoError(t, validateFlags(cfg))

	loaded, err := loadConfig(cfg.ConfigPaths)
	require.NoError(t, err)
	assert.Equal(t, 9090, loaded.HTTP.Port)
	require.Len(t, loaded.Resources, 1)
}

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name string
		cfg  CLIConfig
	}{
		{"missing file", CLIConfig{ConfigPaths: []string{"/nonexistent.yaml"}, LogLevel: "info", LogFormat: "json", HealthInterval: time.Second}},
		{"bad level", CLIConfig{LogLevel: "loud", LogFormat: "json", HealthInterval: time.Second}},
		{"bad format", CLIConfig{LogLevel: "info", LogFormat: "xml", HealthInterval: time.Second}},
		{"zero interval", CLIConfig{LogLevel: "info", LogFormat: "json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, validateFlags(&tt.cfg))
		})
	}
}

func TestRun_Validate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concur.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"resources": [{"name": "companies"}]}`), 0o600))

	require.NoError(t, run([]string{"--config", path, "--validate", "--log-level", "error"}))

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"storage": {"mode": "disk"}}`), 0o600))
	assert.Error(t, run([]string{"--config", bad, "--validate", "--log-level", "error"}))
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "text")
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "service=concur")
}

func TestNATSHealthReporter(t *testing.T) {
	monitor := health.NewMonitor()
	report := natsHealthReporter(monitor)

	report(false)
	st, ok := monitor.Get("nats")
	require.True(t, ok)
	assert.True(t, st.IsUnhealthy())

	report(true)
	st, _ = monitor.Get("nats")
	assert.True(t, st.IsHealthy())
}
