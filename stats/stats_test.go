package stats

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IsmaelHA/lakehouse-spain-mobility/catalog"
)

const silverTable = "silver_mobility_trips"

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	client, err := catalog.Open(catalog.Config{Type: catalog.TypeDuckDB}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client.DB()
}

func createSilver(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(fmt.Sprintf(`
		CREATE TABLE %s (
			date DATE, hour_period INTEGER, origin_zone VARCHAR,
			destination_zone VARCHAR, trips DOUBLE, day_type INTEGER
		)`, silverTable))
	require.NoError(t, err)
}

// addDays inserts one row per day for a group, starting at 2023-01-02
func addDays(t *testing.T, db *sql.DB, origin string, days int, trips float64) {
	t.Helper()
	_, err := db.Exec(fmt.Sprintf(`
		INSERT INTO %s
		SELECT DATE '2023-01-02' + CAST(i AS INTEGER), 8, ?, '01002', ?, 1
		FROM range(%d) t(i)
	`, silverTable, days), origin, trips)
	require.NoError(t, err)
}

func TestRefresh_SkipsWithoutSilver(t *testing.T) {
	r := NewRefresher(openDB(t), silverTable, 0, zerolog.Nop())

	result, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "silver view missing", result.Reason)
}

func TestRefresh_BuildsStatsAndGatesOnLedger(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	createSilver(t, db)

	addDays(t, db, "01001", 6, 10) // six observations, kept
	addDays(t, db, "01009", 5, 10) // five observations, below threshold

	r := NewRefresher(db, silverTable, DefaultMinObservations, zerolog.Nop())

	result, err := r.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.EqualValues(t, 1, result.Groups)
	assert.EqualValues(t, 6, result.Dates)

	var nObs int64
	var mean, std float64
	require.NoError(t, db.QueryRow(
		"SELECT n_obs, mean_trips, std_trips FROM silver_zone_stats WHERE origin_zone = '01001'",
	).Scan(&nObs, &mean, &std))
	assert.EqualValues(t, 6, nObs)
	assert.InDelta(t, 10.0, mean, 1e-9)
	assert.InDelta(t, 0.0, std, 1e-9)

	ledgerDates, err := r.Ledger().Dates(ctx, db)
	require.NoError(t, err)
	assert.Len(t, ledgerDates, 6)

	// A marker row proves the second refresh does not rewrite the table
	_, err = db.Exec("INSERT INTO silver_zone_stats VALUES (9, 0, 'marker', 'marker', 0, 0, 0)")
	require.NoError(t, err)

	result, err = r.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "ledger up to date", result.Reason)

	var markers int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM silver_zone_stats WHERE origin_zone = 'marker'").Scan(&markers))
	assert.Equal(t, 1, markers)

	// A new silver date triggers a full rebuild
	_, err = db.Exec(fmt.Sprintf("INSERT INTO %s VALUES (DATE '2023-02-01', 8, '01009', '01002', 12, 1)", silverTable))
	require.NoError(t, err)

	result, err = r.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.EqualValues(t, 2, result.Groups)
	assert.EqualValues(t, 7, result.Dates)

	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM silver_zone_stats WHERE origin_zone = 'marker'").Scan(&markers))
	assert.Equal(t, 0, markers)
}

func TestRefresh_FailureRollsBackLedger(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	// Silver without a trips column makes the rebuild fail after the gate passes
	_, err := db.Exec(fmt.Sprintf(`
		CREATE TABLE %s AS
		SELECT DATE '2023-01-02' AS date, 8 AS hour_period, '01001' AS origin_zone,
			'01002' AS destination_zone, 1 AS day_type
	`, silverTable))
	require.NoError(t, err)

	r := NewRefresher(db, silverTable, 0, zerolog.Nop())
	_, err = r.Refresh(ctx)
	require.Error(t, err)

	dates, err := r.Ledger().Dates(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, dates)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM silver_zone_stats").Scan(&n))
	assert.Zero(t, n)
}

func TestLedger_HasUnprocessed(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	createSilver(t, db)
	l := NewLedger("")
	require.NoError(t, l.InitTable(ctx, db))

	dirty, err := l.HasUnprocessed(ctx, db, silverTable)
	require.NoError(t, err)
	assert.False(t, dirty, "empty silver has nothing to process")

	addDays(t, db, "01001", 2, 1)
	dirty, err = l.HasUnprocessed(ctx, db, silverTable)
	require.NoError(t, err)
	assert.True(t, dirty)

	n, err := l.Reset(ctx, db, silverTable)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	dirty, err = l.HasUnprocessed(ctx, db, silverTable)
	require.NoError(t, err)
	assert.False(t, dirty)
}
