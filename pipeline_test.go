package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IsmaelHA/lakehouse-spain-mobility/audit"
	"github.com/IsmaelHA/lakehouse-spain-mobility/calendar"
	"github.com/IsmaelHA/lakehouse-spain-mobility/catalog"
	"github.com/IsmaelHA/lakehouse-spain-mobility/logging"
	"github.com/IsmaelHA/lakehouse-spain-mobility/partition"
	"github.com/IsmaelHA/lakehouse-spain-mobility/silver"
)

const sourceHeader = "fecha|periodo|origen|destino|distancia|actividad_origen|actividad_destino|" +
	"estudio_origen_posible|estudio_destino_posible|residencia|renta|edad|sexo|viajes|viajes_km"

type testEnv struct {
	config  *Config
	sources string
}

// newTestEnv builds a config over an in-memory catalog and local source files
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()
	sources := filepath.Join(base, "sources")
	require.NoError(t, os.MkdirAll(sources, 0o755))

	config, err := LoadConfig("")
	require.NoError(t, err)
	config.Catalog = catalog.Config{Type: catalog.TypeDuckDB}
	config.Storage.BronzePath = filepath.Join(base, "bronze")
	config.Storage.SilverPath = filepath.Join(base, "silver")
	config.Ingest.Delimiter = "|"
	config.Discovery.URLPattern = filepath.Join(sources, "{{.Day}}_Viajes_distritos.csv.gz")

	return &testEnv{config: config, sources: sources}
}

func (e *testEnv) writeSource(t *testing.T, day string, rows ...string) {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(sourceHeader + "\n" + strings.Join(rows, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(filepath.Join(e.sources, day+"_Viajes_distritos.csv.gz"), buf.Bytes(), 0o644))
}

func (e *testEnv) open(t *testing.T) *Pipeline {
	t.Helper()
	logger := logging.NewComponentLogger("mobility-test", "test", logging.Options{
		Level:  "error",
		Output: &bytes.Buffer{},
	})
	p, err := NewPipeline(context.Background(), e.config, logger)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func sourceRow(day, hour, origin, dest, trips string) string {
	return strings.Join([]string{
		day, hour, origin, dest, "0.5-2", "casa", "trabajo_estudio", "no", "no",
		"01", "10-15", "25-45", "mujer", trips, "4.5",
	}, "|")
}

func date(s string) time.Time {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestRun_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "20230315",
		sourceRow("20230315", "08", "01001_AM", "01002", "3.0"),
		sourceRow("20230315", "08", "01001_AM", "01002", "2.0"),
		sourceRow("20230315", "09", "PT150", "01002", "7.0"),
		sourceRow("20230315", "09", "01001", "externo", "1.0"),
	)
	p := env.open(t)
	ctx := context.Background()

	// 2023-03-16 has no published file
	summary, err := p.Run(ctx, date("2023-03-15"), date("2023-03-16"))
	require.NoError(t, err)

	assert.NotEmpty(t, summary.RunID)
	require.Len(t, summary.URLs, 1)
	assert.Equal(t, []time.Time{date("2023-03-15")}, summary.Dates)
	assert.Equal(t, []string{"date=20230315"}, summary.Bronze.Partitions)
	assert.EqualValues(t, 1, summary.Quality.CleanRows)
	assert.False(t, summary.Silver.Skipped)
	assert.EqualValues(t, 1, summary.Silver.Rows)
	assert.False(t, summary.Stats.Skipped)
	assert.EqualValues(t, 1, summary.Stats.Dates)

	var (
		day          string
		hour         int
		origin, dest string
		trips        float64
		dayType      int
	)
	require.NoError(t, p.client.DB().QueryRow(`
		SELECT strftime(date, '%Y-%m-%d'), hour_period, origin_zone, destination_zone, trips, day_type
		FROM `+silver.ViewName).Scan(&day, &hour, &origin, &dest, &trips, &dayType))
	assert.Equal(t, "2023-03-15", day)
	assert.Equal(t, 8, hour)
	assert.Equal(t, "01001", origin)
	assert.Equal(t, "01002", dest)
	assert.Equal(t, 5.0, trips)
	assert.Equal(t, int(calendar.Midweek), dayType)

	parts, err := partition.ListPartitions(env.config.Storage.SilverPath, partition.DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"date=2023-03-15"}, parts)

	runs, err := p.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 5)
	for _, run := range runs {
		assert.Equal(t, summary.RunID, run.RunID)
		assert.Equal(t, audit.StatusSuccess, run.Status, run.Stage)
	}

	stats := p.GetStats()
	assert.EqualValues(t, 1, stats.RunsTotal)
	assert.Zero(t, stats.RunErrors)
	assert.Equal(t, summary.RunID, stats.LastRunID)
	assert.Equal(t, audit.StatusSuccess, stats.StageStatus[StageStats])
}

func TestRun_RerunIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "20230315", sourceRow("20230315", "08", "01001", "01002", "3.0"))
	p := env.open(t)
	ctx := context.Background()

	_, err := p.Run(ctx, date("2023-03-15"), date("2023-03-15"))
	require.NoError(t, err)
	second, err := p.Run(ctx, date("2023-03-15"), date("2023-03-15"))
	require.NoError(t, err)

	var count int
	require.NoError(t, p.client.DB().QueryRow("SELECT COUNT(*) FROM "+silver.ViewName).Scan(&count))
	assert.Equal(t, 1, count)

	// Silver did not gain a new date, so stats are not rebuilt
	assert.True(t, second.Stats.Skipped)
	assert.Equal(t, audit.StatusSkipped, p.GetStats().StageStatus[StageStats])
}

func TestStages_RunStandaloneInFreshProcess(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "20230315", sourceRow("20230315", "08", "01001", "01002", "3.0"))
	ctx := context.Background()

	first := env.open(t)
	urls, err := first.Discover(ctx, date("2023-03-15"), date("2023-03-15"))
	require.NoError(t, err)
	_, err = first.Ingest(ctx, urls)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// A new in-memory catalog only sees the stores on disk
	second := env.open(t)
	result, err := second.Quality(ctx, []time.Time{date("2023-03-15")})
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.CleanRows)

	promoted, err := second.Promote(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, promoted.Rows)

	again, err := second.Promote(ctx)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
}

func TestRun_StageFailureIsTagged(t *testing.T) {
	env := newTestEnv(t)
	p := env.open(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	env.writeSource(t, "20230315", sourceRow("20230315", "08", "01001", "01002", "3.0"))
	_, err := p.Run(ctx, date("2023-03-15"), date("2023-03-15"))
	require.Error(t, err)

	stage, ok := FailedStage(err)
	require.True(t, ok)
	assert.Equal(t, StageDiscover, stage)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SeverityWarning, se.Severity)
	assert.EqualValues(t, 1, p.GetStats().RunErrors)
}

func TestNewPipeline_RejectsInvalidConfig(t *testing.T) {
	env := newTestEnv(t)
	env.config.Ingest.BatchSize = 0

	_, err := NewPipeline(context.Background(), env.config, logging.NewComponentLogger("t", "t", logging.Options{Output: &bytes.Buffer{}}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_size")
}

func TestStages_StandaloneCallsGetDistinctRunIDs(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "20230315", sourceRow("20230315", "08", "01001", "01002", "3.0"))
	p := env.open(t)
	ctx := context.Background()

	urls, err := p.Discover(ctx, date("2023-03-15"), date("2023-03-15"))
	require.NoError(t, err)
	_, err = p.Ingest(ctx, urls)
	require.NoError(t, err)
	_, err = p.Ingest(ctx, urls)
	require.NoError(t, err)

	runs, err := p.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	ids := map[string]bool{}
	for _, run := range runs {
		assert.NotEmpty(t, run.RunID, run.Stage)
		ids[run.RunID] = true
	}
	assert.Len(t, ids, 3)
}

func TestRunScheduled_RevisitsLateDays(t *testing.T) {
	env := newTestEnv(t)
	env.config.Service.LagDays = 1
	env.config.Service.LookbackDays = 2
	p := env.open(t)
	ctx := context.Background()

	clock := time.Date(2023, 3, 17, 6, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	start, end := p.scheduledWindow()
	assert.Equal(t, date("2023-03-14"), start)
	assert.Equal(t, date("2023-03-16"), end)

	// Nothing published yet: the tick succeeds without data
	p.runScheduled(ctx)
	assert.Equal(t, audit.StatusSkipped, p.GetStats().StageStatus[StageBronze])

	// 2023-03-15 appears late and the next tick, a day later, still covers it
	env.writeSource(t, "20230315", sourceRow("20230315", "08", "01001", "01002", "3.0"))
	clock = clock.Add(24 * time.Hour)
	p.runScheduled(ctx)

	var day string
	require.NoError(t, p.client.DB().QueryRow(
		"SELECT strftime(date, '%Y-%m-%d') FROM "+silver.ViewName).Scan(&day))
	assert.Equal(t, "2023-03-15", day)

	stats := p.GetStats()
	assert.EqualValues(t, 2, stats.RunsTotal)
	assert.Zero(t, stats.RunErrors)
}

func TestScheduledWindow_ZeroLookbackIsSingleDay(t *testing.T) {
	env := newTestEnv(t)
	p := env.open(t)
	p.config.Service.LookbackDays = 0
	p.now = func() time.Time { return time.Date(2023, 3, 17, 23, 59, 0, 0, time.UTC) }

	start, end := p.scheduledWindow()
	assert.Equal(t, date("2023-03-16"), start)
	assert.Equal(t, start, end)
}
