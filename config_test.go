package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IsmaelHA/lakehouse-spain-mobility/calendar"
	"github.com/IsmaelHA/lakehouse-spain-mobility/catalog"
	"github.com/IsmaelHA/lakehouse-spain-mobility/discovery"
)

func TestLoadConfig_Defaults(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "mobility-pipeline", config.Service.Name)
	assert.Equal(t, "8095", config.Service.HealthPort)
	assert.Equal(t, 24*time.Hour, config.RunInterval())
	assert.Equal(t, 1, config.Service.LagDays)
	assert.Equal(t, 3, config.Service.LookbackDays)
	assert.Equal(t, catalog.TypeDuckDB, config.Catalog.Type)
	assert.Equal(t, "data/bronze_mobility", config.Storage.BronzePath)
	assert.Equal(t, "data/silver_mobility", config.Storage.SilverPath)
	assert.Equal(t, 15, config.Ingest.BatchSize)
	assert.Equal(t, "gzip", config.Ingest.Compression)
	assert.Equal(t, "ES", config.Calendar.Country)
	assert.Equal(t, calendar.ProviderBuiltin, config.Calendar.Provider)
	assert.Equal(t, 10.0, config.Quality.Sigma)
	assert.Equal(t, 5, config.Stats.MinObservations)
	assert.Equal(t, discovery.DefaultURLPattern, config.Discovery.URLPattern)
	assert.True(t, config.Manifest.Enabled)
	assert.True(t, config.Audit.Enabled)

	require.NoError(t, config.Validate())
}

func TestLoadConfig_YAMLAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  name: mobility-test
  run_interval_minutes: 60
storage:
  bronze_path: /lake/bronze
  silver_path: /lake/silver
ingest:
  batch_size: 3
calendar:
  country: pt
manifest:
  enabled: false
`), 0o644))

	t.Setenv("MOBILITY_STORAGE_BRONZE_PATH", "/override/bronze")
	t.Setenv("MOBILITY_QUALITY_SIGMA", "3.5")

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "mobility-test", config.Service.Name)
	assert.Equal(t, time.Hour, config.RunInterval())
	assert.Equal(t, "/override/bronze", config.Storage.BronzePath)
	assert.Equal(t, "/lake/silver", config.Storage.SilverPath)
	assert.Equal(t, 3, config.Ingest.BatchSize)
	assert.Equal(t, "PT", config.Calendar.Country)
	assert.Equal(t, 3.5, config.Quality.Sigma)
	assert.False(t, config.Manifest.Enabled)
	assert.True(t, config.Audit.Enabled)

	bronze := config.BronzeConfig()
	assert.Equal(t, "/override/bronze", bronze.Path)
	assert.Equal(t, 3, bronze.BatchSize)
	assert.Equal(t, "/lake/silver", config.SilverConfig().Path)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service: [unclosed"), 0o644))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"unknown catalog", func(c *Config) { c.Catalog.Type = "sqlite" }, "catalog.type"},
		{"ducklake without path", func(c *Config) { c.Catalog.Type = catalog.TypeDuckLake }, "catalog.path"},
		{"same store", func(c *Config) { c.Storage.SilverPath = c.Storage.BronzePath + "/" }, "must differ"},
		{"batch size", func(c *Config) { c.Ingest.BatchSize = -1 }, "batch_size"},
		{"compression", func(c *Config) { c.Ingest.Compression = "bzip2" }, "compression"},
		{"builtin country", func(c *Config) { c.Calendar.Country = "DE" }, "no builtin calendar"},
		{"nager country", func(c *Config) {
			c.Calendar.Provider = calendar.ProviderNager
			c.Calendar.Country = "ESP"
		}, "alpha-2"},
		{"provider", func(c *Config) { c.Calendar.Provider = "ics" }, "calendar.provider"},
		{"sigma", func(c *Config) { c.Quality.Sigma = -1 }, "sigma"},
		{"lag", func(c *Config) { c.Service.LagDays = -2 }, "lag_days"},
		{"lookback", func(c *Config) { c.Service.LookbackDays = -1 }, "lookback_days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := LoadConfig("")
			require.NoError(t, err)
			tt.mutate(config)
			assert.ErrorContains(t, config.Validate(), tt.wantErr)
		})
	}
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)
	config.Ingest.BatchSize = 0
	config.Stats.MinObservations = -1

	err = config.Validate()
	assert.ErrorContains(t, err, "batch_size")
	assert.ErrorContains(t, err, "min_observations")
}
