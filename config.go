package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/IsmaelHA/lakehouse-spain-mobility/bronze"
	"github.com/IsmaelHA/lakehouse-spain-mobility/calendar"
	"github.com/IsmaelHA/lakehouse-spain-mobility/catalog"
	"github.com/IsmaelHA/lakehouse-spain-mobility/discovery"
	"github.com/IsmaelHA/lakehouse-spain-mobility/manifest"
	"github.com/IsmaelHA/lakehouse-spain-mobility/quality"
	"github.com/IsmaelHA/lakehouse-spain-mobility/silver"
	"github.com/IsmaelHA/lakehouse-spain-mobility/stats"
)

// envPrefix prefixes every environment override, e.g. MOBILITY_STORAGE_BRONZE_PATH
const envPrefix = "MOBILITY"

// Config holds all configuration for the mobility pipeline
type Config struct {
	Service   ServiceConfig    `yaml:"service" split_words:"true"`
	Catalog   catalog.Config   `yaml:"catalog" split_words:"true"`
	Storage   StorageConfig    `yaml:"storage" split_words:"true"`
	Ingest    IngestConfig     `yaml:"ingest" split_words:"true"`
	Calendar  CalendarConfig   `yaml:"calendar" split_words:"true"`
	Quality   quality.Config   `yaml:"quality" split_words:"true"`
	Stats     StatsConfig      `yaml:"stats" split_words:"true"`
	Discovery discovery.Config `yaml:"discovery" split_words:"true"`
	Manifest  manifest.Config  `yaml:"manifest" split_words:"true"`
	Audit     AuditConfig      `yaml:"audit" split_words:"true"`
}

// ServiceConfig contains service-level settings
type ServiceConfig struct {
	Name        string `yaml:"name" split_words:"true"`
	Environment string `yaml:"environment" split_words:"true"`
	LogLevel    string `yaml:"log_level" split_words:"true"`
	HealthPort  string `yaml:"health_port" split_words:"true"`
	// RunIntervalMinutes paces the serve loop
	RunIntervalMinutes int `yaml:"run_interval_minutes" split_words:"true"`
	// LagDays is how many days behind today the serve loop ingests (MITMA publishes with delay)
	LagDays int `yaml:"lag_days" split_words:"true"`
	// LookbackDays extends each scheduled run to the days before the lagged day
	LookbackDays int `yaml:"lookback_days" split_words:"true"`
}

// StorageConfig contains the partitioned store roots
type StorageConfig struct {
	BronzePath string `yaml:"bronze_path" split_words:"true"`
	SilverPath string `yaml:"silver_path" split_words:"true"`
}

// IngestConfig contains bronze decoding settings
type IngestConfig struct {
	BatchSize   int    `yaml:"batch_size" split_words:"true"`
	Compression string `yaml:"compression" split_words:"true"`
	Delimiter   string `yaml:"delimiter" split_words:"true"`
}

// CalendarConfig selects the holiday calendar
type CalendarConfig struct {
	Country  string        `yaml:"country" split_words:"true"`
	Provider string        `yaml:"provider" split_words:"true"`
	BaseURL  string        `yaml:"base_url" split_words:"true"`
	Timeout  time.Duration `yaml:"timeout" split_words:"true"`
}

// StatsConfig contains stats refresh settings
type StatsConfig struct {
	MinObservations int `yaml:"min_observations" split_words:"true"`
}

// AuditConfig contains stage-run audit settings
type AuditConfig struct {
	Enabled bool `yaml:"enabled" split_words:"true"`
	// PostgresDSN mirrors runs into Postgres when set
	PostgresDSN string `yaml:"postgres_dsn" split_words:"true"`
}

// LoadConfig loads configuration from a YAML file, applies MOBILITY_* environment overrides and
// fills defaults. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	config := Config{
		Manifest: manifest.Config{Enabled: true},
		Audit:    AuditConfig{Enabled: true},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := envconfig.Process(envPrefix, &config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "mobility-pipeline"
	}
	if c.Service.Environment == "" {
		c.Service.Environment = "development"
	}
	if c.Service.LogLevel == "" {
		c.Service.LogLevel = "info"
	}
	if c.Service.HealthPort == "" {
		c.Service.HealthPort = "8095"
	}
	if c.Service.RunIntervalMinutes == 0 {
		c.Service.RunIntervalMinutes = 24 * 60
	}
	if c.Service.LagDays == 0 {
		c.Service.LagDays = 1
	}
	if c.Service.LookbackDays == 0 {
		c.Service.LookbackDays = 3
	}
	if c.Catalog.Type == "" {
		c.Catalog.Type = catalog.TypeDuckDB
	}
	if c.Storage.BronzePath == "" {
		c.Storage.BronzePath = "data/bronze_mobility"
	}
	if c.Storage.SilverPath == "" {
		c.Storage.SilverPath = "data/silver_mobility"
	}
	if c.Ingest.BatchSize == 0 {
		c.Ingest.BatchSize = bronze.DefaultBatchSize
	}
	if c.Ingest.Compression == "" {
		c.Ingest.Compression = bronze.DefaultCompression
	}
	if c.Calendar.Country == "" {
		c.Calendar.Country = "ES"
	}
	c.Calendar.Country = strings.ToUpper(c.Calendar.Country)
	if c.Calendar.Provider == "" {
		c.Calendar.Provider = calendar.ProviderBuiltin
	}
	if c.Calendar.Timeout == 0 {
		c.Calendar.Timeout = 10 * time.Second
	}
	if c.Quality.Sigma == 0 {
		c.Quality.Sigma = quality.DefaultSigma
	}
	if c.Stats.MinObservations == 0 {
		c.Stats.MinObservations = stats.DefaultMinObservations
	}
	if c.Discovery.URLPattern == "" {
		c.Discovery.URLPattern = discovery.DefaultURLPattern
	}
	if c.Discovery.Workers == 0 {
		c.Discovery.Workers = discovery.DefaultWorkers
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = discovery.DefaultTimeout
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Catalog.Type != catalog.TypeDuckDB && c.Catalog.Type != catalog.TypeDuckLake {
		errs = append(errs, fmt.Errorf("catalog.type must be %q or %q", catalog.TypeDuckDB, catalog.TypeDuckLake))
	}
	if c.Catalog.Type == catalog.TypeDuckLake && c.Catalog.Path == "" {
		errs = append(errs, errors.New("catalog.path is required for ducklake"))
	}
	if filepath.Clean(c.Storage.BronzePath) == filepath.Clean(c.Storage.SilverPath) {
		errs = append(errs, errors.New("storage.bronze_path and storage.silver_path must differ"))
	}
	if c.Ingest.BatchSize < 1 {
		errs = append(errs, errors.New("ingest.batch_size must be at least 1"))
	}
	switch c.Ingest.Compression {
	case "gzip", "none", "auto", "zstd":
	default:
		errs = append(errs, fmt.Errorf("ingest.compression %q is not supported", c.Ingest.Compression))
	}
	switch c.Calendar.Provider {
	case calendar.ProviderBuiltin:
		if !contains(calendar.SupportedCountries(), c.Calendar.Country) {
			errs = append(errs, fmt.Errorf("calendar.country %q has no builtin calendar (supported: %s)",
				c.Calendar.Country, strings.Join(calendar.SupportedCountries(), ", ")))
		}
	case calendar.ProviderNager:
		if len(c.Calendar.Country) != 2 {
			errs = append(errs, fmt.Errorf("calendar.country %q must be an ISO 3166 alpha-2 code", c.Calendar.Country))
		}
	default:
		errs = append(errs, fmt.Errorf("calendar.provider %q is not supported", c.Calendar.Provider))
	}
	if c.Quality.Sigma <= 0 {
		errs = append(errs, errors.New("quality.sigma must be positive"))
	}
	if c.Stats.MinObservations < 1 {
		errs = append(errs, errors.New("stats.min_observations must be at least 1"))
	}
	if c.Service.RunIntervalMinutes < 1 {
		errs = append(errs, errors.New("service.run_interval_minutes must be at least 1"))
	}
	if c.Service.LagDays < 0 {
		errs = append(errs, errors.New("service.lag_days must not be negative"))
	}
	if c.Service.LookbackDays < 0 {
		errs = append(errs, errors.New("service.lookback_days must not be negative"))
	}

	return errors.Join(errs...)
}

// RunInterval returns the serve loop interval as a Duration
func (c *Config) RunInterval() time.Duration {
	return time.Duration(c.Service.RunIntervalMinutes) * time.Minute
}

// BronzeConfig returns the bronze ingestor settings
func (c *Config) BronzeConfig() bronze.Config {
	return bronze.Config{
		Path:        c.Storage.BronzePath,
		BatchSize:   c.Ingest.BatchSize,
		Compression: c.Ingest.Compression,
		Delimiter:   c.Ingest.Delimiter,
	}
}

// SilverConfig returns the silver promoter settings
func (c *Config) SilverConfig() silver.Config {
	return silver.Config{Path: c.Storage.SilverPath}
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// fileExists reports whether path names an existing file
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}
