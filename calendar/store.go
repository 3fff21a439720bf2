// Package calendar maintains the holiday reference table and the per-date calendar dimension
// used to classify trips by day type.
package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/IsmaelHA/lakehouse-spain-mobility/catalog"
)

const (
	HolidaysTable = "ref_holidays"
	DatesTable    = "bronze_calendar_dates"

	// targetDatesTable holds the dates of one calendar refresh
	targetDatesTable = "calendar_target_dates"
)

// Store owns the holiday and calendar tables for one country
type Store struct {
	country string
	source  HolidaySource
	logger  zerolog.Logger
}

// NewStore creates a calendar store for country (ISO 3166 alpha-2, e.g. "ES")
func NewStore(country string, source HolidaySource, logger zerolog.Logger) *Store {
	return &Store{
		country: country,
		source:  source,
		logger:  logger,
	}
}

// EnsureTables creates the holiday and calendar tables if needed
func EnsureTables(ctx context.Context, q catalog.Querier) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			country VARCHAR,
			date DATE,
			is_holiday BOOLEAN
		)`, HolidaysTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			date DATE,
			day_of_week INTEGER,
			is_holiday BOOLEAN
		)`, DatesTable),
	}
	for _, stmt := range stmts {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create calendar tables: %w", err)
		}
	}
	return nil
}

// EnsureHolidays loads the holidays of year unless the year is already present.
// Returns the number of holidays inserted.
func (s *Store) EnsureHolidays(ctx context.Context, q catalog.Querier, year int) (int, error) {
	var existing int
	err := q.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE country = ? AND year(date) = ?", HolidaysTable),
		s.country, year).Scan(&existing)
	if err != nil {
		return 0, fmt.Errorf("failed to check holidays for %d: %w", year, err)
	}
	if existing > 0 {
		s.logger.Debug().Int("year", year).Int("holidays", existing).Msg("Holidays already loaded, skipping")
		return 0, nil
	}

	days, err := s.source.Holidays(ctx, s.country, year)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch %s holidays for %d: %w", s.country, year, err)
	}
	if len(days) == 0 {
		s.logger.Warn().Int("year", year).Str("country", s.country).Msg("Holiday source returned no holidays")
		return 0, nil
	}

	insert := fmt.Sprintf("INSERT INTO %s (country, date, is_holiday) VALUES (?, CAST(? AS DATE), TRUE)", HolidaysTable)
	inserted := 0
	for _, d := range days {
		if d.Year() != year {
			continue
		}
		if _, err := q.ExecContext(ctx, insert, s.country, d.Format(time.DateOnly)); err != nil {
			return 0, fmt.Errorf("failed to insert holiday %s: %w", d.Format(time.DateOnly), err)
		}
		inserted++
	}

	s.logger.Info().Int("year", year).Int("holidays", inserted).Str("country", s.country).
		Msg("Inserted holidays")
	return inserted, nil
}

// RefreshCalendar replaces the calendar rows of exactly the given dates. The holidays of every
// year in dates must be ensured first.
func (s *Store) RefreshCalendar(ctx context.Context, q catalog.Querier, dates []time.Time) error {
	if len(dates) == 0 {
		return nil
	}
	if err := catalog.LoadDates(ctx, q, targetDatesTable, dates); err != nil {
		return err
	}

	if _, err := q.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE date IN (SELECT date FROM %s)", DatesTable, targetDatesTable)); err != nil {
		return fmt.Errorf("failed to clear calendar dates: %w", err)
	}

	_, err := q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (date, day_of_week, is_holiday)
		SELECT
			d.date,
			dayofweek(d.date) AS day_of_week,
			COALESCE(h.is_holiday, FALSE) AS is_holiday
		FROM (SELECT DISTINCT date FROM %s) d
		LEFT JOIN (
			SELECT date, bool_or(is_holiday) AS is_holiday
			FROM %s
			WHERE country = ?
			GROUP BY date
		) h ON d.date = h.date
	`, DatesTable, targetDatesTable, HolidaysTable), s.country)
	if err != nil {
		return fmt.Errorf("failed to insert calendar dates: %w", err)
	}

	s.logger.Debug().Int("dates", len(dates)).Msg("Calendar table updated")
	return nil
}
