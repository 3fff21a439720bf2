package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/IsmaelHA/lakehouse-spain-mobility/catalog"
)

// Ledger tracks which silver dates are folded into the current stats snapshot
type Ledger struct {
	table string
}

// NewLedger creates a ledger backed by table (silver_stats_log by default)
func NewLedger(table string) *Ledger {
	if table == "" {
		table = LedgerTable
	}
	return &Ledger{table: table}
}

// Table returns the ledger table name
func (l *Ledger) Table() string {
	return l.table
}

// InitTable creates the ledger table if it doesn't exist
func (l *Ledger) InitTable(ctx context.Context, q catalog.Querier) error {
	createTableSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			processed_date DATE
		)
	`, l.table)

	if _, err := q.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create stats ledger: %w", err)
	}
	return nil
}

// Dates returns the processed dates in ascending order
func (l *Ledger) Dates(ctx context.Context, q catalog.Querier) ([]time.Time, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		"SELECT processed_date FROM %s ORDER BY processed_date", l.table))
	if err != nil {
		return nil, fmt.Errorf("failed to load stats ledger: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan ledger date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// HasUnprocessed reports whether source holds any date missing from the ledger
func (l *Ledger) HasUnprocessed(ctx context.Context, q catalog.Querier, source string) (bool, error) {
	query := fmt.Sprintf(`
		SELECT 1
		FROM %s s
		WHERE NOT EXISTS (SELECT 1 FROM %s l WHERE l.processed_date = s.date)
		LIMIT 1
	`, source, l.table)

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return false, fmt.Errorf("failed to compare %s with stats ledger: %w", source, err)
	}
	defer rows.Close()

	found := rows.Next()
	return found, rows.Err()
}

// Reset makes the ledger equal to the distinct dates of source. Returns the number of dates.
func (l *Ledger) Reset(ctx context.Context, q catalog.Querier, source string) (int64, error) {
	if _, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", l.table)); err != nil {
		return 0, fmt.Errorf("failed to clear stats ledger: %w", err)
	}

	res, err := q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (processed_date)
		SELECT DISTINCT date FROM %s
	`, l.table, source))
	if err != nil {
		return 0, fmt.Errorf("failed to update stats ledger: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count ledger dates: %w", err)
	}
	return n, nil
}
