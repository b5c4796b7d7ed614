package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	require.Equal(t, ":8881", cfg.ListenAddr)
	require.Equal(t, 16, cfg.MaxConcurrentRuns)
	require.Equal(t, 7200, cfg.RunDefaultTimeoutSec)
	require.Equal(t, 600, cfg.InactivityTimeoutSec)
	require.Equal(t, 1800, cfg.StuckThresholdSec)
	require.True(t, cfg.AutoCommitEnabled)
	require.False(t, cfg.AutoCommitOnKill)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_RUNS", "4")
	t.Setenv("RUN_DEFAULT_TIMEOUT_SEC", "600")
	t.Setenv("WORKSPACE_ROOT", "/tmp/ws")
	t.Setenv("AUTO_COMMIT_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 4, cfg.MaxConcurrentRuns)
	require.Equal(t, 600, cfg.RunDefaultTimeoutSec)
	require.Equal(t, "/tmp/ws", cfg.WorkspaceRoot)
	require.False(t, cfg.AutoCommitEnabled)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "automagik.yaml")
	content := []byte("listen_addr: \":9000\"\nmax_concurrent_runs: 2\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.ListenAddr)
	require.Equal(t, 2, cfg.MaxConcurrentRuns)
	// Untouched fields keep defaults
	require.Equal(t, 7200, cfg.RunDefaultTimeoutSec)
}

func TestValidate_Ranges(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.MaxConcurrentRuns = 0 }},
		{"timeout too low", func(c *Config) { c.RunDefaultTimeoutSec = 30 }},
		{"timeout too high", func(c *Config) { c.RunDefaultTimeoutSec = 20000 }},
		{"zero inactivity", func(c *Config) { c.InactivityTimeoutSec = 0 }},
		{"zero stuck threshold", func(c *Config) { c.StuckThresholdSec = 0 }},
		{"empty workspace root", func(c *Config) { c.WorkspaceRoot = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestValidateTracing(t *testing.T) {
	require.NoError(t, ValidateTracing(TracingConfig{Exporter: "stdout", SampleRate: 0.5}))
	require.Error(t, ValidateTracing(TracingConfig{SampleRate: 1.5}))
	require.Error(t, ValidateTracing(TracingConfig{Exporter: "jaeger"}))
	require.Error(t, ValidateTracing(TracingConfig{Enabled: true, Exporter: "file"}))
	require.Error(t, ValidateTracing(TracingConfig{Enabled: true, Exporter: "otlp"}))
}
