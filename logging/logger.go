// Package logging provides the structured loggers shared by every pipeline stage.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ComponentLogger provides structured logging for pipeline components
type ComponentLogger struct {
	logger zerolog.Logger
}

// Options controls logger construction
type Options struct {
	Level       string
	Environment string
	Output      io.Writer
}

// NewComponentLogger creates a component-specific logger with consistent context
func NewComponentLogger(componentName, version string, opts Options) *ComponentLogger {
	zerolog.TimeFieldFormat = time.RFC3339

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	// Console output for development
	if opts.Environment != "production" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(out).
		Level(ParseLevel(opts.Level)).
		With().
		Timestamp().
		Str("component", componentName).
		Str("version", version).
		Logger()

	return &ComponentLogger{logger: logger}
}

// ParseLevel maps a config string to a zerolog level, defaulting to info
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger returns the underlying zerolog logger
func (cl *ComponentLogger) Logger() zerolog.Logger {
	return cl.logger
}

// Stage returns a child logger tagged with a pipeline stage name
func (cl *ComponentLogger) Stage(stage string) zerolog.Logger {
	return cl.logger.With().Str("stage", stage).Logger()
}

func (cl *ComponentLogger) Info() *zerolog.Event {
	return cl.logger.Info()
}

func (cl *ComponentLogger) Error() *zerolog.Event {
	return cl.logger.Error()
}

func (cl *ComponentLogger) Warn() *zerolog.Event {
	return cl.logger.Warn()
}

func (cl *ComponentLogger) Debug() *zerolog.Event {
	return cl.logger.Debug()
}

// LogStartup logs service startup with structured fields
func (cl *ComponentLogger) LogStartup(config StartupConfig) {
	cl.Info().
		Str("catalog_type", config.CatalogType).
		Str("bronze_path", config.BronzePath).
		Str("silver_path", config.SilverPath).
		Int("batch_size", config.BatchSize).
		Str("holiday_country", config.Country).
		Msg("Starting mobility pipeline")
}

// LogStageDuration logs the completion of a stage with its elapsed time
func (cl *ComponentLogger) LogStageDuration(stage, status string, rows int64, duration time.Duration) {
	cl.Info().
		Str("stage", stage).
		Str("status", status).
		Int64("rows", rows).
		Dur("duration", duration).
		Msg("Stage completed")
}

// StartupConfig represents pipeline startup configuration
type StartupConfig struct {
	CatalogType string
	BronzePath  string
	SilverPath  string
	BatchSize   int
	Country     string
}
