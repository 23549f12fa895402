package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	t.Run("policy defaults", func(t *testing.T) {
		assert.Equal(t, 10, cfg.Policy.VersionRetention)
		assert.Equal(t, "60m", cfg.Policy.CleanupInterval)
		assert.Equal(t, 50, cfg.Policy.SearchLimit)
	})

	t.Run("adaptation defaults", func(t *testing.T) {
		assert.Equal(t, 0.3, cfg.Adaptation.OutcomeAlpha)
		assert.Equal(t, 0.1, cfg.Adaptation.GlobalAlpha)
		assert.Equal(t, 0.8, cfg.Adaptation.TransferDiscount)
		assert.Equal(t, 3, cfg.Adaptation.PatternMinOccurrences)
	})

	t.Run("variety defaults", func(t *testing.T) {
		assert.Equal(t, 7*24*time.Hour, cfg.GetSeriesRetention())
		assert.Equal(t, 15*time.Minute, cfg.GetTrendInterval())
		assert.Equal(t, time.Hour, cfg.GetTrendWindow())
		assert.Equal(t, []string{"environment", "external", "market"}, cfg.Variety.EnvironmentalSources)
	})

	t.Run("coordinator defaults", func(t *testing.T) {
		assert.Equal(t, 3, cfg.Coordinator.MaxRestarts)
		assert.Equal(t, 5*time.Second, cfg.GetRestartWindow())
	})

	t.Run("defaults validate", func(t *testing.T) {
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoad(t *testing.T) {
	t.Run("missing file returns defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.Policy.VersionRetention)
	})

	t.Run("partial file overlays defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `
policy:
  version_retention: 25
variety:
  thresholds:
    environment: 500.0
    system1: 200.0
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 25, cfg.Policy.VersionRetention)
		assert.Equal(t, 500.0, cfg.Variety.Thresholds["environment"])
		assert.Equal(t, 200.0, cfg.Variety.Thresholds["system1"])
		// Untouched sections keep defaults
		assert.Equal(t, 0.3, cfg.Adaptation.OutcomeAlpha)
	})

	t.Run("malformed file is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("policy: [not a map"), 0644))

		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Run("retention override", func(t *testing.T) {
		t.Setenv("GOVERNOR_VERSION_RETENTION", "42")

		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 42, cfg.Policy.VersionRetention)
	})

	t.Run("alpha override", func(t *testing.T) {
		t.Setenv("GOVERNOR_OUTCOME_ALPHA", "0.5")

		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 0.5, cfg.Adaptation.OutcomeAlpha)
	})

	t.Run("invalid values are ignored", func(t *testing.T) {
		t.Setenv("GOVERNOR_VERSION_RETENTION", "-3")
		t.Setenv("GOVERNOR_OUTCOME_ALPHA", "2.0")

		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.Policy.VersionRetention)
		assert.Equal(t, 0.3, cfg.Adaptation.OutcomeAlpha)
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero retention", func(c *Config) { c.Policy.VersionRetention = 0 }},
		{"alpha too large", func(c *Config) { c.Adaptation.OutcomeAlpha = 1.5 }},
		{"alpha zero", func(c *Config) { c.Adaptation.GlobalAlpha = 0 }},
		{"discount zero", func(c *Config) { c.Adaptation.TransferDiscount = 0 }},
		{"negative threshold", func(c *Config) { c.Variety.Thresholds = map[string]float64{"s": -1} }},
		{"zero restarts", func(c *Config) { c.Coordinator.MaxRestarts = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Policy.VersionRetention = 5
	cfg.Variety.Thresholds = map[string]float64{"environment": 300}

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.Policy.VersionRetention)
	assert.Equal(t, 300.0, loaded.Variety.Thresholds["environment"])
}
