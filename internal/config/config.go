// Package config provides configuration types and defaults for the
// automagik daemon. Values resolve in priority order: explicit config file,
// environment variables, built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds all configuration options for the daemon.
type Config struct {
	ListenAddr   string `mapstructure:"listen_addr"`
	DBPath       string `mapstructure:"db_path"`
	LogFile      string `mapstructure:"log_file"`
	LogLevel     string `mapstructure:"log_level"`
	ClaudeBin    string `mapstructure:"claude_bin"`
	ClaudeAPIKey string `mapstructure:"claude_api_key"`
	WorkflowsDir string `mapstructure:"workflows_dir"`

	// Run limits
	MaxConcurrentRuns    int `mapstructure:"max_concurrent_runs"`
	RunDefaultTimeoutSec int `mapstructure:"run_default_timeout_sec"`
	InactivityTimeoutSec int `mapstructure:"inactivity_timeout_sec"`
	StuckThresholdSec    int `mapstructure:"stuck_threshold_sec"`

	// Workspace handling
	WorkspaceRoot     string `mapstructure:"workspace_root"`
	BaseRepoPath      string `mapstructure:"base_repo_path"`
	AutoCommitEnabled bool   `mapstructure:"auto_commit_enabled"`
	AutoCommitOnKill  bool   `mapstructure:"auto_commit_on_kill"`

	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: ~/.automagik/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// HomeDir returns the daemon's state directory, ~/.automagik.
// Falls back to the current directory when the home dir is unavailable.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".automagik"
	}
	return filepath.Join(home, ".automagik")
}

// DefaultTracesFilePath returns the default path for trace file export.
func DefaultTracesFilePath() string {
	return filepath.Join(HomeDir(), "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		ListenAddr:           ":8881",
		DBPath:               filepath.Join(HomeDir(), "automagik.db"),
		LogFile:              filepath.Join(HomeDir(), "automagik.log"),
		LogLevel:             "info",
		ClaudeBin:            "claude",
		ClaudeAPIKey:         "",
		WorkflowsDir:         filepath.Join(HomeDir(), "workflows"),
		MaxConcurrentRuns:    16,
		RunDefaultTimeoutSec: 7200,
		InactivityTimeoutSec: 600,
		StuckThresholdSec:    1800,
		WorkspaceRoot:        filepath.Join(HomeDir(), "workspaces"),
		BaseRepoPath:         "",
		AutoCommitEnabled:    true,
		AutoCommitOnKill:     false,
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     DefaultTracesFilePath(),
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// envBindings maps config keys to the environment variables that override
// them. The names are part of the public deployment contract.
var envBindings = map[string]string{
	"listen_addr":             "LISTEN_ADDR",
	"db_path":                 "DB_PATH",
	"log_file":                "LOG_FILE",
	"log_level":               "LOG_LEVEL",
	"claude_bin":              "CLAUDE_BIN",
	"claude_api_key":          "CLAUDE_API_KEY",
	"workflows_dir":           "WORKFLOWS_DIR",
	"max_concurrent_runs":     "MAX_CONCURRENT_RUNS",
	"run_default_timeout_sec": "RUN_DEFAULT_TIMEOUT_SEC",
	"inactivity_timeout_sec":  "INACTIVITY_TIMEOUT_SEC",
	"stuck_threshold_sec":     "STUCK_THRESHOLD_SEC",
	"workspace_root":          "WORKSPACE_ROOT",
	"base_repo_path":          "BASE_REPO_PATH",
	"auto_commit_enabled":     "AUTO_COMMIT_ENABLED",
	"auto_commit_on_kill":     "AUTO_COMMIT_ON_KILL",
	"tracing.enabled":         "TRACE_ENABLED",
	"tracing.exporter":        "TRACE_EXPORTER",
	"tracing.file_path":       "TRACE_FILE",
	"tracing.otlp_endpoint":   "OTLP_ENDPOINT",
}

// Load resolves the effective configuration. configPath may be empty, in
// which case ~/.automagik/automagik.yaml is used when present.
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("binding env %s: %w", env, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("automagik")
		v.SetConfigType("yaml")
		v.AddConfigPath(HomeDir())
		if err := v.ReadInConfig(); err != nil {
			// Missing default config file is fine; everything has defaults.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("claude_bin", d.ClaudeBin)
	v.SetDefault("claude_api_key", d.ClaudeAPIKey)
	v.SetDefault("workflows_dir", d.WorkflowsDir)
	v.SetDefault("max_concurrent_runs", d.MaxConcurrentRuns)
	v.SetDefault("run_default_timeout_sec", d.RunDefaultTimeoutSec)
	v.SetDefault("inactivity_timeout_sec", d.InactivityTimeoutSec)
	v.SetDefault("stuck_threshold_sec", d.StuckThresholdSec)
	v.SetDefault("workspace_root", d.WorkspaceRoot)
	v.SetDefault("base_repo_path", d.BaseRepoPath)
	v.SetDefault("auto_commit_enabled", d.AutoCommitEnabled)
	v.SetDefault("auto_commit_on_kill", d.AutoCommitOnKill)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.MaxConcurrentRuns < 1 {
		return fmt.Errorf("max_concurrent_runs must be at least 1, got %d", c.MaxConcurrentRuns)
	}
	if c.RunDefaultTimeoutSec < 60 || c.RunDefaultTimeoutSec > 14400 {
		return fmt.Errorf("run_default_timeout_sec must be between 60 and 14400, got %d", c.RunDefaultTimeoutSec)
	}
	if c.InactivityTimeoutSec < 1 {
		return fmt.Errorf("inactivity_timeout_sec must be positive, got %d", c.InactivityTimeoutSec)
	}
	if c.StuckThresholdSec < 1 {
		return fmt.Errorf("stuck_threshold_sec must be positive, got %d", c.StuckThresholdSec)
	}
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace_root is required")
	}
	return ValidateTracing(c.Tracing)
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}
