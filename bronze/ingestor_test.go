package bronze

import (
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IsmaelHA/lakehouse-spain-mobility/catalog"
	"github.com/IsmaelHA/lakehouse-spain-mobility/manifest"
	"github.com/IsmaelHA/lakehouse-spain-mobility/partition"
)

const csvHeader = "fecha|periodo|origen|destino|distancia|actividad_origen|actividad_destino|" +
	"estudio_origen_posible|estudio_destino_posible|residencia|renta|edad|sexo|viajes|viajes_km"

// writeSourceFile writes a gzip CSV named like the published daily files
func writeSourceFile(t *testing.T, dir, day string, rows ...string) string {
	t.Helper()
	path := filepath.Join(dir, day+"_Viajes_distritos.csv.gz")

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte(csvHeader + "\n" + strings.Join(rows, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return path
}

func row(day, hour, origin, dest, trips string) string {
	return strings.Join([]string{
		day, hour, origin, dest, "0.5-2", "casa", "trabajo_estudio", "no", "no",
		"01", "10-15", "25-45", "mujer", trips, "4.5",
	}, "|")
}

type fixture struct {
	client   *catalog.Client
	ingestor *Ingestor
	store    string
	sources  string
}

func newFixture(t *testing.T, batchSize int) *fixture {
	t.Helper()
	client, err := catalog.Open(catalog.Config{Type: catalog.TypeDuckDB}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	base := t.TempDir()
	store := filepath.Join(base, "bronze")
	sources := filepath.Join(base, "sources")
	require.NoError(t, os.MkdirAll(sources, 0o755))

	cfg := Config{Path: store, BatchSize: batchSize, Delimiter: "|"}
	return &fixture{
		client:   client,
		ingestor: NewIngestor(client, cfg, manifest.NewBuilder("bronze", store, zerolog.Nop()), zerolog.Nop()),
		store:    store,
		sources:  sources,
	}
}

type bronzeRow struct {
	Date, Period, Origin, Dest, Trips string
}

func (f *fixture) rows(t *testing.T) []bronzeRow {
	t.Helper()
	rs, err := f.client.DB().Query(`
		SELECT date, time_period, origin_zone, destination_zone, trips
		FROM bronze_raw_mobility_trips
		ORDER BY date, time_period, origin_zone, destination_zone, trips
	`)
	require.NoError(t, err)
	defer rs.Close()

	var out []bronzeRow
	for rs.Next() {
		var r bronzeRow
		require.NoError(t, rs.Scan(&r.Date, &r.Period, &r.Origin, &r.Dest, &r.Trips))
		out = append(out, r)
	}
	require.NoError(t, rs.Err())
	return out
}

func TestIngest_LandsRowsAsTextPartitionedByDate(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	src := writeSourceFile(t, f.sources, "20230102",
		row("20230102", "08", "01001_AM", "01002", "3.0"),
		row("20230102", "08", "01001_AM", "01002", "2.0"),
	)

	result, err := f.ingestor.Ingest(ctx, []string{src})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Batches)
	assert.Equal(t, []string{"date=20230102"}, result.Partitions)
	assert.Equal(t, 1, result.Manifests)
	assert.True(t, result.ViewReady)

	assert.Equal(t, []bronzeRow{
		{"20230102", "08", "01001_AM", "01002", "2.0"},
		{"20230102", "08", "01001_AM", "01002", "3.0"},
	}, f.rows(t))

	var colType string
	require.NoError(t, f.client.DB().QueryRow(`
		SELECT data_type FROM information_schema.columns
		WHERE table_name = 'bronze_raw_mobility_trips' AND column_name = 'date'
	`).Scan(&colType))
	assert.Equal(t, "VARCHAR", colType)
}

func TestIngest_IsIdempotent(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	src := writeSourceFile(t, f.sources, "20230102",
		row("20230102", "08", "01001", "01002", "3.0"),
		row("20230102", "09", "01001", "01003", "1.5"),
	)

	_, err := f.ingestor.Ingest(ctx, []string{src})
	require.NoError(t, err)
	first := f.rows(t)
	firstParts, err := partition.ListPartitions(f.store, "date")
	require.NoError(t, err)

	_, err = f.ingestor.Ingest(ctx, []string{src})
	require.NoError(t, err)

	assert.Equal(t, first, f.rows(t))
	parts, err := partition.ListPartitions(f.store, "date")
	require.NoError(t, err)
	assert.Equal(t, firstParts, parts)
}

func TestIngest_BatchesAndReplacesOnlyTouchedDates(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	d2 := writeSourceFile(t, f.sources, "20230102", row("20230102", "08", "01001", "01002", "1"))
	d3 := writeSourceFile(t, f.sources, "20230103", row("20230103", "08", "01001", "01002", "2"))
	d4 := writeSourceFile(t, f.sources, "20230104", row("20230104", "08", "01001", "01002", "3"))

	result, err := f.ingestor.Ingest(ctx, []string{d2, d3, d4})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Batches)
	assert.Equal(t, 2, result.Manifests)
	assert.Len(t, result.Partitions, 3)

	// Re-publish one day with different content
	d3 = writeSourceFile(t, f.sources, "20230103", row("20230103", "10", "01009", "01002", "7"))
	_, err = f.ingestor.Ingest(ctx, []string{d3})
	require.NoError(t, err)

	assert.Equal(t, []bronzeRow{
		{"20230102", "08", "01001", "01002", "1"},
		{"20230103", "10", "01009", "01002", "7"},
		{"20230104", "08", "01001", "01002", "3"},
	}, f.rows(t))
}

func TestIngest_DecodeFailureLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	src := writeSourceFile(t, f.sources, "20230102", row("20230102", "08", "01001", "01002", "3.0"))
	_, err := f.ingestor.Ingest(ctx, []string{src})
	require.NoError(t, err)
	before := f.rows(t)

	_, err = f.ingestor.Ingest(ctx, []string{filepath.Join(f.sources, "missing_Viajes_distritos.csv.gz")})
	require.Error(t, err)

	assert.Equal(t, before, f.rows(t))
	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(f.store), "_tmp_*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestIngest_EmptyInputIsNoop(t *testing.T) {
	f := newFixture(t, 0)

	result, err := f.ingestor.Ingest(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, result.ViewReady)

	exists, err := catalog.TableExists(context.Background(), f.client.DB(), ViewName)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestColumns(t *testing.T) {
	cols := Columns()
	assert.Equal(t, "date", cols[0])
	assert.Equal(t, "ingestion_date", cols[len(cols)-1])
	assert.Len(t, cols, 16)
}
