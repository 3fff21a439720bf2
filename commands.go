package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/IsmaelHA/lakehouse-spain-mobility/discovery"
	"github.com/IsmaelHA/lakehouse-spain-mobility/logging"
	"github.com/IsmaelHA/lakehouse-spain-mobility/quality"
)

// rootOptions are shared by every command
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "mobility",
		Short: "MITMA mobility lakehouse pipeline",
		Long: `
Lands the daily MITMA district trip files in a partitioned bronze store, cleans them into a
partitioned silver store and maintains the zone statistics used to remove outliers.

Every stage is a subcommand and is safe to re-run for the same dates.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	cmd.AddCommand(
		newDiscoverCommand(opts),
		newIngestCommand(opts),
		newQualityCommand(opts),
		newPromoteCommand(opts),
		newStatsCommand(opts),
		newRunCommand(opts),
		newServeCommand(opts),
	)
	return cmd
}

// dateRange holds --start/--end flags
type dateRange struct {
	start string
	end   string
}

func (d *dateRange) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&d.start, "start", "", "first date, YYYY-MM-DD (default: yesterday)")
	cmd.Flags().StringVar(&d.end, "end", "", "last date, YYYY-MM-DD (default: start)")
}

func (d *dateRange) resolve(now time.Time) (time.Time, time.Time, error) {
	start := now.UTC().AddDate(0, 0, -1)
	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	if d.start != "" {
		var err error
		if start, err = time.Parse(time.DateOnly, d.start); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --start: %w", err)
		}
	}
	end := start
	if d.end != "" {
		var err error
		if end, err = time.Parse(time.DateOnly, d.end); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --end: %w", err)
		}
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("--start %s is after --end %s",
			start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	return start, end, nil
}

// loadPipeline loads configuration and opens the pipeline for one command
func (o *rootOptions) loadPipeline(ctx context.Context, cmd *cobra.Command) (*Pipeline, *logging.ComponentLogger, error) {
	path := o.configPath
	if path == "" && fileExists("config.yaml") {
		path = "config.yaml"
	}

	config, err := LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		config.Service.LogLevel = o.logLevel
	}

	logger := logging.NewComponentLogger(config.Service.Name, version, logging.Options{
		Level:       config.Service.LogLevel,
		Environment: config.Service.Environment,
		Output:      cmd.ErrOrStderr(),
	})
	logger.Debug().Str("config", path).Str("command", cmd.Name()).Msg("Loaded configuration")

	pipeline, err := NewPipeline(ctx, config, logger)
	if err != nil {
		return nil, nil, err
	}
	return pipeline, logger, nil
}

// readInputs returns positional args, or stdin lines when the only arg is "-"
func readInputs(cmd *cobra.Command, args []string) ([]string, error) {
	if len(args) != 1 || args[0] != "-" {
		return args, nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// parseTargets accepts dates (YYYY-MM-DD) or source URLs carrying a date
func parseTargets(inputs []string) ([]time.Time, error) {
	var dates []time.Time
	var urls []string
	for _, in := range inputs {
		if d, err := time.Parse(time.DateOnly, in); err == nil {
			dates = append(dates, d)
			continue
		}
		if _, ok := discovery.DateFromURL(in); !ok {
			return nil, fmt.Errorf("%q is neither a date nor a source file URL", in)
		}
		urls = append(urls, in)
	}
	return append(dates, quality.DatesFromURLs(urls)...), nil
}

func newDiscoverCommand(opts *rootOptions) *cobra.Command {
	var dr dateRange
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List published source files for a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := dr.resolve(time.Now())
			if err != nil {
				return err
			}
			p, _, err := opts.loadPipeline(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			urls, err := p.Discover(cmd.Context(), start, end)
			if err != nil {
				return err
			}
			for _, u := range urls {
				fmt.Fprintln(cmd.OutOrStdout(), u)
			}
			return nil
		},
	}
	dr.register(cmd)
	return cmd
}

func newIngestCommand(opts *rootOptions) *cobra.Command {
	var dr dateRange
	cmd := &cobra.Command{
		Use:   "ingest [url...|-]",
		Short: "Land source files in the bronze store",
		Long: `
Ingests the given source files, or the published files of --start/--end when no file is given.
Pass "-" to read one file per line from stdin, e.g. the output of "discover".
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			urls, err := readInputs(cmd, args)
			if err != nil {
				return err
			}
			p, _, err := opts.loadPipeline(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			if len(urls) == 0 {
				start, end, err := dr.resolve(time.Now())
				if err != nil {
					return err
				}
				if urls, err = p.Discover(cmd.Context(), start, end); err != nil {
					return err
				}
			}

			result, err := p.Ingest(cmd.Context(), urls)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %d files into %d partitions\n",
				result.Files, len(result.Partitions))
			return nil
		},
	}
	dr.register(cmd)
	return cmd
}

func newQualityCommand(opts *rootOptions) *cobra.Command {
	var dr dateRange
	cmd := &cobra.Command{
		Use:   "quality [date|url...|-]",
		Short: "Rebuild clean staging rows for target dates",
		Long: `
Runs the quality gate for the given dates (YYYY-MM-DD) or source file URLs, or for every day
of --start/--end when none is given.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := readInputs(cmd, args)
			if err != nil {
				return err
			}
			dates, err := parseTargets(inputs)
			if err != nil {
				return err
			}
			if len(inputs) == 0 {
				start, end, err := dr.resolve(time.Now())
				if err != nil {
					return err
				}
				for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
					dates = append(dates, d)
				}
			}

			p, _, err := opts.loadPipeline(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			result, err := p.Quality(cmd.Context(), dates)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d dates: %d clean rows, %d outliers removed\n",
				len(result.Dates), result.CleanRows, result.OutliersRemoved)
			return nil
		},
	}
	dr.register(cmd)
	return cmd
}

func newPromoteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "promote",
		Short: "Move staged clean rows into the silver store",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := opts.loadPipeline(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			result, err := p.Promote(cmd.Context())
			if err != nil {
				return err
			}
			if result.Skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "skipped: %s\n", result.Reason)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "promoted %d rows into %d partitions\n", result.Rows, len(result.Partitions))
			return nil
		},
	}
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Rebuild zone statistics when silver has new dates",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := opts.loadPipeline(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			result, err := p.RefreshStats(cmd.Context())
			if err != nil {
				return err
			}
			if result.Skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "skipped: %s\n", result.Reason)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %d groups over %d dates\n", result.Groups, result.Dates)
			return nil
		},
	}
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var dr dateRange
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every stage for a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := dr.resolve(time.Now())
			if err != nil {
				return err
			}
			p, _, err := opts.loadPipeline(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			summary, err := p.Run(cmd.Context(), start, end)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d files, %d dates in %s\n",
				summary.RunID, len(summary.URLs), len(summary.Dates), summary.Duration.Round(time.Millisecond))
			return nil
		},
	}
	dr.register(cmd)
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline on a schedule and expose health and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, logger, err := opts.loadPipeline(ctx, cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			logger.LogStartup(logging.StartupConfig{
				CatalogType: p.config.Catalog.Type,
				BronzePath:  p.config.Storage.BronzePath,
				SilverPath:  p.config.Storage.SilverPath,
				BatchSize:   p.config.Ingest.BatchSize,
				Country:     p.config.Calendar.Country,
			})

			// Start health server in background
			healthServer := NewHealthServer(p, p.config.Service.HealthPort, logger.Stage("health"))
			go func() {
				if err := healthServer.Start(); err != nil {
					logger.Error().Err(err).Msg("❌ Health server error")
				}
			}()

			err = p.Start(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if shutdownErr := healthServer.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.Warn().Err(shutdownErr).Msg("Health server shutdown failed")
			}
			logger.Info().Msg("✅ Graceful shutdown complete")
			return err
		},
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

// stderrf writes a formatted message to stderr
func stderrf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
}
