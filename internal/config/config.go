// Package config loads and validates the engine's YAML configuration,
// overlaying environment-variable and constructor-argument overrides per
// §6's "constructor arg > env > config > default" precedence.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/qtsw2/breakout-engine/internal/risk"
)

// Config is the engine's fully-resolved startup configuration.
type Config struct {
	ProjectRoot         string        `yaml:"project_root"`
	Mode                risk.Mode     `yaml:"mode"`
	ParitySpecPath      string        `yaml:"parity_spec_path"`
	TimetablePath       string        `yaml:"timetable_path"`
	ExecutionPolicyPath string        `yaml:"execution_policy_path"`
	JournalDir          string        `yaml:"journal_dir"`
	ExecutionInstrument string        `yaml:"execution_instrument"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	Account             string        `yaml:"account"`
	Environment         string        `yaml:"environment"`

	Logging   LoggingConfig   `yaml:"logging"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Pushover  PushoverConfig  `yaml:"pushover"`

	HealthMonitorEnabled bool `yaml:"health_monitor_enabled"`
}

// LoggingConfig mirrors §6.1's expanded logging-config shape.
type LoggingConfig struct {
	LogDir               string         `yaml:"log_dir"`
	MaxFileSizeMB        int            `yaml:"max_file_size_mb"`
	MaxRotatedFiles      int            `yaml:"max_rotated_files"`
	MinLogLevel          string         `yaml:"min_log_level"`
	EnableDiagnosticLogs bool           `yaml:"enable_diagnostic_logs"`
	DiagnosticRateLimits map[string]int `yaml:"diagnostic_rate_limits"` // event key -> min seconds between emissions
	ArchiveDays          int            `yaml:"archive_days"`
}

// DashboardConfig configures the read-only health-monitor HTTP surface.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// PushoverConfig configures the optional push-notification sink.
type PushoverConfig struct {
	Enabled  bool   `yaml:"enabled"`
	UserKey  string `yaml:"user_key"`
	AppToken string `yaml:"app_token"`
}

// Overrides carries constructor-argument values, the highest-precedence
// layer per §6. Zero-value fields are left unset (config/env/default win).
type Overrides struct {
	ProjectRoot string
	Mode        risk.Mode
	JournalDir  string
}

// Load reads path, expands ${VAR} references against the process
// environment (matching the teacher's os.ExpandEnv pass before parse),
// applies named environment-variable overrides, then constructor-argument
// overrides, normalizes defaults, and validates the result.
func Load(path string, overrides Overrides) (*Config, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- path is an operator-provided config path
	if err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %q: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.applyOverrides(overrides)
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies the named QTSW2_* variables (and Pushover's
// legacy PUSHOVER_* fallback), per §6.
func (c *Config) applyEnvOverrides() {
	if v, ok := os.LookupEnv("QTSW2_PROJECT_ROOT"); ok && v != "" {
		c.ProjectRoot = v
	}
	if v, ok := os.LookupEnv("QTSW2_LOG_DIR"); ok && v != "" {
		c.Logging.LogDir = v
	}
	if v, ok := os.LookupEnv("QTSW2_HEALTH_MONITOR_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.HealthMonitorEnabled = b
		}
	}
	if v, ok := os.LookupEnv("QTSW2_PUSHOVER_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Pushover.Enabled = b
		}
	}
	if v, ok := firstEnv("QTSW2_PUSHOVER_USER_KEY", "PUSHOVER_USER_KEY"); ok {
		c.Pushover.UserKey = v
	}
	if v, ok := firstEnv("QTSW2_PUSHOVER_APP_TOKEN", "PUSHOVER_APP_TOKEN"); ok {
		c.Pushover.AppToken = v
	}
}

func firstEnv(names ...string) (string, bool) {
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// applyOverrides applies constructor-argument values, the topmost
// precedence tier.
func (c *Config) applyOverrides(o Overrides) {
	if o.ProjectRoot != "" {
		c.ProjectRoot = o.ProjectRoot
	}
	if o.Mode != "" {
		c.Mode = o.Mode
	}
	if o.JournalDir != "" {
		c.JournalDir = o.JournalDir
	}
}

// Normalize fills in defaults for unset fields, mirroring the teacher's
// Normalize() pass.
func (c *Config) Normalize() {
	if c.Mode == "" {
		c.Mode = risk.ModeDryRun
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.JournalDir == "" {
		c.JournalDir = "journal"
	}
	if c.Logging.LogDir == "" {
		c.Logging.LogDir = "logs"
	}
	if c.Logging.MaxFileSizeMB <= 0 {
		c.Logging.MaxFileSizeMB = 100
	}
	if c.Logging.MaxRotatedFiles <= 0 {
		c.Logging.MaxRotatedFiles = 10
	}
	if c.Logging.MinLogLevel == "" {
		c.Logging.MinLogLevel = "info"
	}
	if c.Logging.ArchiveDays <= 0 {
		c.Logging.ArchiveDays = 30
	}
	if c.Dashboard.Port <= 0 {
		c.Dashboard.Port = 8090
	}
}

// Validate enforces §7's fatal-startup rules: LIVE mode is always rejected,
// and every required path must be set.
func (c *Config) Validate() error {
	if c.Mode == risk.ModeLive {
		return fmt.Errorf("mode LIVE is blocked; only DRYRUN and SIM are permitted")
	}
	if c.Mode != risk.ModeDryRun && c.Mode != risk.ModeSim {
		return fmt.Errorf("mode %q is not one of DRYRUN|SIM", c.Mode)
	}
	if strings.TrimSpace(c.ParitySpecPath) == "" {
		return fmt.Errorf("parity_spec_path is required")
	}
	if strings.TrimSpace(c.TimetablePath) == "" {
		return fmt.Errorf("timetable_path is required")
	}
	if strings.TrimSpace(c.ExecutionPolicyPath) == "" {
		return fmt.Errorf("execution_policy_path is required")
	}
	if strings.TrimSpace(c.ExecutionInstrument) == "" {
		return fmt.Errorf("execution_instrument is required")
	}
	if c.Dashboard.Enabled && strings.TrimSpace(c.Dashboard.AuthToken) == "" {
		return fmt.Errorf("dashboard.auth_token is required when dashboard.enabled is true")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.MinLogLevel)] {
		return fmt.Errorf("logging.min_log_level %q is not one of debug|info|warn|error", c.Logging.MinLogLevel)
	}
	return nil
}

// IsDryRun reports whether the configured mode is DRYRUN.
func (c *Config) IsDryRun() bool {
	return c.Mode == risk.ModeDryRun
}
