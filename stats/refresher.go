// Package stats rebuilds the per-group trip statistics that drive outlier removal. A ledger of
// processed silver dates gates the rebuild so it only runs when silver has moved on.
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/IsmaelHA/lakehouse-spain-mobility/catalog"
)

const (
	StatsTable  = "silver_zone_stats"
	LedgerTable = "silver_stats_log"

	// DefaultMinObservations is the group size a stats row must exceed
	DefaultMinObservations = 5
)

// EnsureTables creates empty stats and ledger tables so readers can always join against them
func EnsureTables(ctx context.Context, q catalog.Querier) error {
	createStatsSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			day_type INTEGER,
			hour_period INTEGER,
			origin_zone VARCHAR,
			destination_zone VARCHAR,
			n_obs BIGINT,
			mean_trips DOUBLE,
			std_trips DOUBLE
		)
	`, StatsTable)
	if _, err := q.ExecContext(ctx, createStatsSQL); err != nil {
		return fmt.Errorf("failed to create %s: %w", StatsTable, err)
	}
	return NewLedger(LedgerTable).InitTable(ctx, q)
}

// Result describes a refresh
type Result struct {
	Skipped bool
	Reason  string
	// Groups is the number of stats rows after the rebuild
	Groups int64
	// Dates is the number of silver dates folded into the snapshot
	Dates    int64
	Duration time.Duration
}

// Refresher rebuilds silver_zone_stats from the silver view
type Refresher struct {
	db         *sql.DB
	ledger     *Ledger
	silverView string
	minObs     int
	logger     zerolog.Logger
}

// NewRefresher creates a refresher reading silverView
func NewRefresher(db *sql.DB, silverView string, minObservations int, logger zerolog.Logger) *Refresher {
	if minObservations <= 0 {
		minObservations = DefaultMinObservations
	}
	return &Refresher{
		db:         db,
		ledger:     NewLedger(LedgerTable),
		silverView: silverView,
		minObs:     minObservations,
		logger:     logger,
	}
}

// Ledger returns the processed-date ledger
func (r *Refresher) Ledger() *Ledger {
	return r.ledger
}

// Refresh rebuilds the stats when silver holds a date the ledger has not seen. The rebuild and
// the ledger reset commit together or not at all.
func (r *Refresher) Refresh(ctx context.Context) (*Result, error) {
	start := time.Now()

	exists, err := catalog.TableExists(ctx, r.db, r.silverView)
	if err != nil {
		return nil, err
	}
	if !exists {
		r.logger.Info().Str("view", r.silverView).Msg("Silver view not found, skipping stats refresh")
		return &Result{Skipped: true, Reason: "silver view missing"}, nil
	}

	if err := EnsureTables(ctx, r.db); err != nil {
		return nil, err
	}

	dirty, err := r.ledger.HasUnprocessed(ctx, r.db, r.silverView)
	if err != nil {
		return nil, err
	}
	if !dirty {
		r.logger.Info().Msg("✅ Stats are already up to date, skipping full refresh")
		return &Result{Skipped: true, Reason: "ledger up to date"}, nil
	}

	r.logger.Info().Msg("🔄 New silver dates detected, rebuilding stats")

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin stats transaction: %w", err)
	}
	defer tx.Rollback()

	rebuildSQL := fmt.Sprintf(`
		CREATE OR REPLACE TABLE %s AS
		SELECT
			day_type,
			hour_period,
			origin_zone,
			destination_zone,
			COUNT(*) AS n_obs,
			AVG(trips) AS mean_trips,
			STDDEV_SAMP(trips) AS std_trips
		FROM %s
		GROUP BY day_type, hour_period, origin_zone, destination_zone
		HAVING COUNT(*) > %d
	`, StatsTable, r.silverView, r.minObs)

	if _, err := tx.ExecContext(ctx, rebuildSQL); err != nil {
		return nil, fmt.Errorf("failed to rebuild %s: %w", StatsTable, err)
	}

	dates, err := r.ledger.Reset(ctx, tx, r.silverView)
	if err != nil {
		return nil, err
	}

	var groups int64
	if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", StatsTable)).Scan(&groups); err != nil {
		return nil, fmt.Errorf("failed to count stats groups: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit stats refresh: %w", err)
	}

	result := &Result{Groups: groups, Dates: dates, Duration: time.Since(start)}
	r.logger.Info().
		Int64("groups", groups).
		Int64("dates", dates).
		Dur("duration", result.Duration).
		Msg("✅ Stats table rebuilt and ledger synchronized")

	return result, nil
}
