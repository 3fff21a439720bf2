// Package quality turns bronze rows into clean, calendar-enriched staging rows for a set of
// target dates, dropping out-of-scope zones and statistical outliers. A run is one transaction:
// either every target date is rebuilt or nothing changes.
package quality

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/IsmaelHA/lakehouse-spain-mobility/calendar"
	"github.com/IsmaelHA/lakehouse-spain-mobility/catalog"
	"github.com/IsmaelHA/lakehouse-spain-mobility/discovery"
	"github.com/IsmaelHA/lakehouse-spain-mobility/stats"
)

const (
	// StagingTable receives clean rows until the silver promoter picks them up
	StagingTable = "stg_mobility_clean_check"

	workingTable     = "batch_mobility_clean"
	targetDatesTable = "quality_target_dates"

	DefaultSigma = 10.0
)

// Config tunes the cleaning rules
type Config struct {
	// Sigma is the half-width of the accepted band in standard deviations
	Sigma float64 `yaml:"sigma" split_words:"true"`
	// StrippedSuffixes are removed from zone codes before aggregation
	StrippedSuffixes []string `yaml:"stripped_suffixes" split_words:"true"`
	// ExcludedPrefixes mark cross-border zones
	ExcludedPrefixes []string `yaml:"excluded_prefixes" split_words:"true"`
	// ExcludedZones are sentinel zone codes such as "externo"
	ExcludedZones []string `yaml:"excluded_zones" split_words:"true"`
}

// DefaultConfig returns the MITMA district cleaning rules
func DefaultConfig() Config {
	return Config{
		Sigma:            DefaultSigma,
		StrippedSuffixes: []string{"_AM", "_AD"},
		ExcludedPrefixes: []string{"PT", "FR"},
		ExcludedZones:    []string{"externo"},
	}
}

// withDefaults fills unset fields from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Sigma <= 0 {
		c.Sigma = d.Sigma
	}
	if c.StrippedSuffixes == nil {
		c.StrippedSuffixes = d.StrippedSuffixes
	}
	if c.ExcludedPrefixes == nil {
		c.ExcludedPrefixes = d.ExcludedPrefixes
	}
	if c.ExcludedZones == nil {
		c.ExcludedZones = d.ExcludedZones
	}
	return c
}

// Result summarizes one gate run
type Result struct {
	Dates []time.Time
	// WorkingRows survived coercion and zone filtering
	WorkingRows int64
	// CleanRows were inserted into staging after aggregation
	CleanRows       int64
	OutliersRemoved int64
	Duration        time.Duration
}

// Gate runs the cleaning transaction
type Gate struct {
	db         *sql.DB
	calendar   *calendar.Store
	bronzeView string
	config     Config
	logger     zerolog.Logger
}

// NewGate creates a quality gate reading bronzeView
func NewGate(db *sql.DB, cal *calendar.Store, bronzeView string, config Config, logger zerolog.Logger) *Gate {
	return &Gate{
		db:         db,
		calendar:   cal,
		bronzeView: bronzeView,
		config:     config.withDefaults(),
		logger:     logger,
	}
}

// EnsureStaging creates the staging table if needed
func EnsureStaging(ctx context.Context, q catalog.Querier) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			date DATE,
			hour_period INTEGER,
			origin_zone VARCHAR,
			destination_zone VARCHAR,
			trips DOUBLE,
			day_type INTEGER
		)
	`, StagingTable))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", StagingTable, err)
	}
	return nil
}

// DatesFromURLs derives the distinct target dates of a batch from its source URLs.
// URLs without a recognizable date are ignored.
func DatesFromURLs(urls []string) []time.Time {
	seen := map[time.Time]bool{}
	var dates []time.Time
	for _, u := range urls {
		d, ok := discovery.DateFromURL(u)
		if !ok || seen[d] {
			continue
		}
		seen[d] = true
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

// Run rebuilds the staging rows of dates. Any failure rolls back the whole run.
func (g *Gate) Run(ctx context.Context, dates []time.Time) (*Result, error) {
	start := time.Now()
	dates = normalizeDates(dates)
	result := &Result{Dates: dates}

	if len(dates) == 0 {
		g.logger.Info().Msg("No valid dates found, nothing to check")
		return result, nil
	}

	if err := g.ensureTables(ctx); err != nil {
		return nil, err
	}

	hasBronze, err := catalog.TableExists(ctx, g.db, g.bronzeView)
	if err != nil {
		return nil, err
	}
	if !hasBronze {
		g.logger.Warn().Str("view", g.bronzeView).Msg("Bronze view not found, working set will be empty")
	}

	g.logger.Info().Strs("dates", formatDates(dates)).Msg("Processing quality batch")

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin quality transaction: %w", err)
	}
	defer tx.Rollback()

	// 1. Holidays for every touched year
	for _, year := range calendar.YearsOf(dates) {
		if _, err := g.calendar.EnsureHolidays(ctx, tx, year); err != nil {
			return nil, err
		}
	}

	if err := catalog.LoadDates(ctx, tx, targetDatesTable, dates); err != nil {
		return nil, err
	}

	// 2. Previous results of the target dates
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE date IN (SELECT date FROM %s)", StagingTable, targetDatesTable)); err != nil {
		return nil, fmt.Errorf("failed to clear staging dates: %w", err)
	}

	// 3. Working set
	if _, err := tx.ExecContext(ctx, g.workingSetSQL(dates, hasBronze)); err != nil {
		return nil, fmt.Errorf("failed to build working set: %w", err)
	}
	if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", workingTable)).
		Scan(&result.WorkingRows); err != nil {
		return nil, fmt.Errorf("failed to count working set: %w", err)
	}

	// 4. Calendar rows of the target dates
	if err := g.calendar.RefreshCalendar(ctx, tx, dates); err != nil {
		return nil, err
	}

	// 5. Aggregate and classify
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (date, hour_period, origin_zone, destination_zone, trips, day_type)
		SELECT
			t.date,
			t.hour_period,
			t.origin_zone,
			t.destination_zone,
			SUM(t.trips) AS trips,
			%s AS day_type
		FROM %s t
		JOIN %s c ON t.date = c.date
		GROUP BY t.date, t.hour_period, t.origin_zone, t.destination_zone, c.day_of_week, c.is_holiday
	`, StagingTable, calendar.DayTypeCaseSQL("c.day_of_week", "c.is_holiday"), workingTable, calendar.DatesTable))
	if err != nil {
		return nil, fmt.Errorf("failed to insert clean rows: %w", err)
	}
	if result.CleanRows, err = res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to count clean rows: %w", err)
	}

	// 6. Outliers against the current stats snapshot; groups without stats pass through
	res, err = tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE date IN (SELECT date FROM %s)
		AND EXISTS (
			SELECT 1 FROM %s s
			WHERE s.day_type = %s.day_type
			  AND s.hour_period = %s.hour_period
			  AND s.origin_zone = %s.origin_zone
			  AND s.destination_zone = %s.destination_zone
			  AND %s.trips NOT BETWEEN s.mean_trips - ? * s.std_trips
			                       AND s.mean_trips + ? * s.std_trips
		)
	`, StagingTable, targetDatesTable, stats.StatsTable,
		StagingTable, StagingTable, StagingTable, StagingTable, StagingTable),
		g.config.Sigma, g.config.Sigma)
	if err != nil {
		return nil, fmt.Errorf("failed to remove outliers: %w", err)
	}
	if result.OutliersRemoved, err = res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to count outliers: %w", err)
	}
	result.CleanRows -= result.OutliersRemoved

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", workingTable)); err != nil {
		return nil, fmt.Errorf("failed to drop working set: %w", err)
	}

	// 7. Commit
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit quality transaction: %w", err)
	}

	result.Duration = time.Since(start)
	g.logger.Info().
		Int("dates", len(dates)).
		Int64("working_rows", result.WorkingRows).
		Int64("clean_rows", result.CleanRows).
		Int64("outliers_removed", result.OutliersRemoved).
		Dur("duration", result.Duration).
		Msg("✅ Data quality checks applied")

	return result, nil
}

func (g *Gate) ensureTables(ctx context.Context) error {
	if err := calendar.EnsureTables(ctx, g.db); err != nil {
		return err
	}
	if err := stats.EnsureTables(ctx, g.db); err != nil {
		return err
	}
	return EnsureStaging(ctx, g.db)
}

// workingSetSQL builds the normalized rows of the target dates. Bronze dates may be published as
// YYYYMMDD or ISO; both coerce to DATE and anything else is dropped.
func (g *Gate) workingSetSQL(dates []time.Time, hasBronze bool) string {
	if !hasBronze {
		return fmt.Sprintf(`
			CREATE OR REPLACE TEMP TABLE %s (
				date DATE,
				hour_period INTEGER,
				origin_zone VARCHAR,
				destination_zone VARCHAR,
				trips DOUBLE
			)
		`, workingTable)
	}

	// Raw partition values of the targets in both spellings, so the scan can prune partitions
	raw := make([]string, 0, 2*len(dates))
	for _, d := range dates {
		raw = append(raw, catalog.QuoteLiteral(d.Format("20060102")), catalog.QuoteLiteral(d.Format(time.DateOnly)))
	}

	var filters []string
	for _, col := range []string{"raw_origin", "raw_destination"} {
		for _, p := range g.config.ExcludedPrefixes {
			filters = append(filters, fmt.Sprintf("%s NOT LIKE %s", col, catalog.QuoteLiteral(p+"%")))
		}
		for _, z := range g.config.ExcludedZones {
			filters = append(filters, fmt.Sprintf("%s <> %s", col, catalog.QuoteLiteral(z)))
		}
	}
	filters = append(filters,
		"date IN (SELECT date FROM "+targetDatesTable+")",
		"hour_period IS NOT NULL",
		"trips IS NOT NULL",
	)

	return fmt.Sprintf(`
		CREATE OR REPLACE TEMP TABLE %s AS
		SELECT date, hour_period, origin_zone, destination_zone, trips
		FROM (
			SELECT
				COALESCE(
					CAST(TRY_STRPTIME(b.date, '%%Y%%m%%d') AS DATE),
					TRY_CAST(b.date AS DATE)
				) AS date,
				TRY_CAST(b.time_period AS INTEGER) AS hour_period,
				%s AS origin_zone,
				%s AS destination_zone,
				TRY_CAST(b.trips AS DOUBLE) AS trips,
				b.origin_zone AS raw_origin,
				b.destination_zone AS raw_destination
			FROM %s b
			WHERE b.date IN (%s)
		) w
		WHERE %s
	`,
		workingTable,
		stripSuffixes("b.origin_zone", g.config.StrippedSuffixes),
		stripSuffixes("b.destination_zone", g.config.StrippedSuffixes),
		g.bronzeView,
		strings.Join(raw, ", "),
		strings.Join(filters, "\n\t\t\tAND "),
	)
}

// stripSuffixes nests REPLACE calls removing every suffix from col
func stripSuffixes(col string, suffixes []string) string {
	expr := col
	for _, s := range suffixes {
		expr = fmt.Sprintf("REPLACE(%s, %s, '')", expr, catalog.QuoteLiteral(s))
	}
	return expr
}

// normalizeDates truncates to calendar days in UTC, dedupes and sorts
func normalizeDates(dates []time.Time) []time.Time {
	seen := map[time.Time]bool{}
	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
		if !seen[day] {
			seen[day] = true
			out = append(out, day)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func formatDates(dates []time.Time) []string {
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.Format(time.DateOnly)
	}
	return out
}
