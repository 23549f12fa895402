// Package config holds all governor configuration.
// Configuration is loaded from .governor/config.yaml with environment
// variable overrides, and every tunable constant of the persistence engine
// (retention counts, cleanup cadences, smoothing factors) lives here so that
// nothing is hardcoded inside the stores.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all governor configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Policy store configuration
	Policy PolicyConfig `yaml:"policy"`

	// Adaptation store configuration
	Adaptation AdaptationConfig `yaml:"adaptation"`

	// Variety metrics configuration
	Variety VarietyConfig `yaml:"variety"`

	// Coordinator / supervision settings
	Coordinator CoordinatorConfig `yaml:"coordinator"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// PolicyConfig configures the policy store.
type PolicyConfig struct {
	// VersionRetention is how many historical versions to keep per policy id.
	VersionRetention int `yaml:"version_retention"`

	// CleanupInterval is how often the version retention job runs.
	CleanupInterval string `yaml:"cleanup_interval"`

	// SearchLimit caps search_policies results.
	SearchLimit int `yaml:"search_limit"`
}

// AdaptationConfig configures the adaptation store and its learning rules.
type AdaptationConfig struct {
	// OutcomeAlpha is the EMA smoothing factor for per-adaptation
	// success probability updates.
	OutcomeAlpha float64 `yaml:"outcome_alpha"`

	// GlobalAlpha is the EMA smoothing factor for the store-wide
	// success rate.
	GlobalAlpha float64 `yaml:"global_alpha"`

	// TransferDiscount scales confidence when transferring knowledge
	// across domains.
	TransferDiscount float64 `yaml:"transfer_discount"`

	// PatternInterval is how often automatic pattern extraction runs.
	PatternInterval string `yaml:"pattern_interval"`

	// PatternMinOccurrences is the cluster size floor for automatic
	// pattern extraction.
	PatternMinOccurrences int `yaml:"pattern_min_occurrences"`
}

// VarietyConfig configures the variety metrics store.
type VarietyConfig struct {
	// SeriesRetention is how long time-series samples are kept.
	SeriesRetention string `yaml:"series_retention"`

	// TrendInterval is how often automatic trend analysis runs.
	TrendInterval string `yaml:"trend_interval"`

	// TrendWindow is the range analyzed by the automatic trend job.
	TrendWindow string `yaml:"trend_window"`

	// Thresholds maps source id to its alert threshold. Applied at
	// startup and re-applied on config reload.
	Thresholds map[string]float64 `yaml:"thresholds"`

	// EnvironmentalSources lists the source ids classified as
	// environmental for requisite variety status. Everything else
	// counts as system variety.
	EnvironmentalSources []string `yaml:"environmental_sources"`
}

// CoordinatorConfig configures store supervision.
type CoordinatorConfig struct {
	// MaxRestarts is how many store restarts are tolerated per window
	// before the whole engine is escalated as failed.
	MaxRestarts int `yaml:"max_restarts"`

	// RestartWindow is the sliding window for the restart budget.
	RestartWindow string `yaml:"restart_window"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "governor",
		Version: "1.0.0",

		Policy: PolicyConfig{
			VersionRetention: 10,
			CleanupInterval:  "60m",
			SearchLimit:      50,
		},

		Adaptation: AdaptationConfig{
			OutcomeAlpha:          0.3,
			GlobalAlpha:           0.1,
			TransferDiscount:      0.8,
			PatternInterval:       "30m",
			PatternMinOccurrences: 3,
		},

		Variety: VarietyConfig{
			SeriesRetention:      "168h", // 7 days
			TrendInterval:        "15m",
			TrendWindow:          "1h",
			Thresholds:           map[string]float64{},
			EnvironmentalSources: []string{"environment", "external", "market"},
		},

		Coordinator: CoordinatorConfig{
			MaxRestarts:   3,
			RestartWindow: "5s",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "governor.log",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GOVERNOR_VERSION_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Policy.VersionRetention = n
		}
	}
	if v := os.Getenv("GOVERNOR_CLEANUP_INTERVAL"); v != "" {
		c.Policy.CleanupInterval = v
	}
	if v := os.Getenv("GOVERNOR_OUTCOME_ALPHA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			c.Adaptation.OutcomeAlpha = f
		}
	}
	if v := os.Getenv("GOVERNOR_GLOBAL_ALPHA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			c.Adaptation.GlobalAlpha = f
		}
	}
	if v := os.Getenv("GOVERNOR_TRANSFER_DISCOUNT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			c.Adaptation.TransferDiscount = f
		}
	}
	if v := os.Getenv("GOVERNOR_SERIES_RETENTION"); v != "" {
		c.Variety.SeriesRetention = v
	}
	if v := os.Getenv("GOVERNOR_TREND_INTERVAL"); v != "" {
		c.Variety.TrendInterval = v
	}
	if v := os.Getenv("GOVERNOR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// GetCleanupInterval returns the policy cleanup cadence as a duration.
func (c *Config) GetCleanupInterval() time.Duration {
	d, err := time.ParseDuration(c.Policy.CleanupInterval)
	if err != nil {
		return 60 * time.Minute
	}
	return d
}

// GetPatternInterval returns the pattern extraction cadence as a duration.
func (c *Config) GetPatternInterval() time.Duration {
	d, err := time.ParseDuration(c.Adaptation.PatternInterval)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// GetSeriesRetention returns the variety series retention as a duration.
func (c *Config) GetSeriesRetention() time.Duration {
	d, err := time.ParseDuration(c.Variety.SeriesRetention)
	if err != nil {
		return 7 * 24 * time.Hour
	}
	return d
}

// GetTrendInterval returns the trend analysis cadence as a duration.
func (c *Config) GetTrendInterval() time.Duration {
	d, err := time.ParseDuration(c.Variety.TrendInterval)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

// GetTrendWindow returns the trend analysis window as a duration.
func (c *Config) GetTrendWindow() time.Duration {
	d, err := time.ParseDuration(c.Variety.TrendWindow)
	if err != nil {
		return time.Hour
	}
	return d
}

// GetRestartWindow returns the supervision restart window as a duration.
func (c *Config) GetRestartWindow() time.Duration {
	d, err := time.ParseDuration(c.Coordinator.RestartWindow)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Policy.VersionRetention <= 0 {
		return fmt.Errorf("policy.version_retention must be positive, got %d", c.Policy.VersionRetention)
	}
	if c.Adaptation.OutcomeAlpha <= 0 || c.Adaptation.OutcomeAlpha > 1 {
		return fmt.Errorf("adaptation.outcome_alpha must be in (0, 1], got %v", c.Adaptation.OutcomeAlpha)
	}
	if c.Adaptation.GlobalAlpha <= 0 || c.Adaptation.GlobalAlpha > 1 {
		return fmt.Errorf("adaptation.global_alpha must be in (0, 1], got %v", c.Adaptation.GlobalAlpha)
	}
	if c.Adaptation.TransferDiscount <= 0 || c.Adaptation.TransferDiscount > 1 {
		return fmt.Errorf("adaptation.transfer_discount must be in (0, 1], got %v", c.Adaptation.TransferDiscount)
	}
	if c.Coordinator.MaxRestarts <= 0 {
		return fmt.Errorf("coordinator.max_restarts must be positive, got %d", c.Coordinator.MaxRestarts)
	}
	for source, threshold := range c.Variety.Thresholds {
		if threshold < 0 {
			return fmt.Errorf("variety.thresholds[%s] must be non-negative, got %v", source, threshold)
		}
	}
	return nil
}

// DefaultConfigPath returns the default path to .governor/config.yaml.
func DefaultConfigPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return filepath.Join(".governor", "config.yaml")
	}
	return filepath.Join(cwd, ".governor", "config.yaml")
}

// FindWorkspaceRoot walks up from the working directory looking for a
// .governor directory or a go.mod file.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		if _, err := os.Stat(filepath.Join(dir, ".governor")); err == nil {
			return dir, nil
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return originalDir, nil
}
