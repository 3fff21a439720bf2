// Package bronze lands raw MITMA trip files in the date-partitioned bronze store.
package bronze

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/IsmaelHA/lakehouse-spain-mobility/audit"
	"github.com/IsmaelHA/lakehouse-spain-mobility/catalog"
	"github.com/IsmaelHA/lakehouse-spain-mobility/manifest"
	"github.com/IsmaelHA/lakehouse-spain-mobility/partition"
)

const (
	// ViewName is the query view over every bronze partition
	ViewName = "bronze_raw_mobility_trips"

	DefaultBatchSize   = 15
	DefaultCompression = "gzip"
)

// Config contains bronze store settings
type Config struct {
	Path string `yaml:"path" split_words:"true"`
	// BatchSize caps how many source files are decoded in one COPY
	BatchSize int `yaml:"batch_size" split_words:"true"`
	// Compression of the source CSVs: gzip, none or auto
	Compression string `yaml:"compression" split_words:"true"`
	// Delimiter overrides CSV sniffing when set (MITMA publishes '|' separated files)
	Delimiter string `yaml:"delimiter" split_words:"true"`
}

// fieldMapping maps published CSV columns to bronze columns, in output order
var fieldMapping = []struct {
	Source string
	Target string
}{
	{"fecha", "date"},
	{"periodo", "time_period"},
	{"origen", "origin_zone"},
	{"destino", "destination_zone"},
	{"distancia", "distance_range"},
	{"actividad_origen", "origin_activity"},
	{"actividad_destino", "destination_activity"},
	{"estudio_origen_posible", "is_origin_study_possible"},
	{"estudio_destino_posible", "is_destination_study_possible"},
	{"residencia", "residence_province_code"},
	{"renta", "income_range"},
	{"edad", "age_group"},
	{"sexo", "gender"},
	{"viajes", "trips"},
	{"viajes_km", "trips_km_product"},
}

// Columns returns the bronze column names in file order
func Columns() []string {
	cols := make([]string, 0, len(fieldMapping)+1)
	for _, f := range fieldMapping {
		cols = append(cols, f.Target)
	}
	return append(cols, "ingestion_date")
}

// Result summarizes an ingestion
type Result struct {
	Files      int
	Batches    int
	Partitions []string
	Manifests  int
	// ViewReady is false when the store holds no data yet
	ViewReady bool
}

// Ingestor decodes source files and swaps them into the bronze store batch by batch
type Ingestor struct {
	client    *catalog.Client
	swapper   *partition.Swapper
	manifests *manifest.Builder
	config    Config
	logger    zerolog.Logger
}

// NewIngestor creates a bronze ingestor. manifests may be nil to skip manifest generation.
func NewIngestor(client *catalog.Client, config Config, manifests *manifest.Builder, logger zerolog.Logger) *Ingestor {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Compression == "" {
		config.Compression = DefaultCompression
	}
	return &Ingestor{
		client:    client,
		swapper:   partition.NewSwapper(config.Path, partition.DefaultKey, "batch", logger),
		manifests: manifests,
		config:    config,
		logger:    logger,
	}
}

// Ingest lands the given source files. Re-ingesting a date replaces its partition wholesale,
// so running twice with the same input leaves the same store.
func (i *Ingestor) Ingest(ctx context.Context, urls []string) (*Result, error) {
	result := &Result{Files: len(urls)}

	if len(urls) == 0 {
		i.logger.Info().Msg("No source files to ingest")
		ready, err := i.EnsureView(ctx)
		if err != nil {
			return nil, err
		}
		result.ViewReady = ready
		return result, nil
	}

	batches := (len(urls) + i.config.BatchSize - 1) / i.config.BatchSize
	seen := map[string]bool{}

	for b := 0; b < batches; b++ {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("ingestion interrupted before batch %d/%d: %w", b+1, batches, err)
		}

		start := b * i.config.BatchSize
		end := min(start+i.config.BatchSize, len(urls))
		batch := urls[start:end]

		batchStart := time.Now()
		i.logger.Info().Msgf("Batch %d/%d: processing %d files", b+1, batches, len(batch))

		swapped, err := i.swapper.Swap(ctx, i.copyBatch(batch))
		if err != nil {
			return result, fmt.Errorf("batch %d/%d failed: %w", b+1, batches, err)
		}
		result.Batches++

		if len(swapped.Partitions) == 0 {
			i.logger.Warn().Msgf("Batch %d/%d: no data written, skipping", b+1, batches)
			continue
		}

		for _, p := range swapped.Partitions {
			if !seen[p] {
				seen[p] = true
				result.Partitions = append(result.Partitions, p)
			}
		}

		if i.manifests != nil {
			m, err := i.manifests.Record(audit.RunIDFrom(ctx), swapped)
			if err != nil {
				return result, fmt.Errorf("batch %d/%d swapped but manifest failed: %w", b+1, batches, err)
			}
			if m != nil {
				result.Manifests++
			}
		}

		i.logger.Info().
			Int("partitions", len(swapped.Partitions)).
			Dur("elapsed", time.Since(batchStart)).
			Msgf("✅ Batch %d/%d swapped", b+1, batches)
	}

	ready, err := i.EnsureView(ctx)
	if err != nil {
		return result, err
	}
	result.ViewReady = ready

	i.logger.Info().
		Int("files", result.Files).
		Int("partitions", len(result.Partitions)).
		Msg("Bronze ingestion completed")

	return result, nil
}

// EnsureView (re)creates the bronze view when the store holds data and reports whether it did.
// Partition values are kept as text, exactly as published.
func (i *Ingestor) EnsureView(ctx context.Context) (bool, error) {
	has, err := partition.HasParquet(i.config.Path)
	if err != nil {
		return false, fmt.Errorf("failed to inspect bronze store: %w", err)
	}
	if !has {
		i.logger.Info().Str("path", i.config.Path).Msg("Bronze store is empty, view not created")
		return false, nil
	}

	if err := i.client.CreateParquetView(ctx, ViewName, i.config.Path,
		"hive_types_autocast = false", "union_by_name = true"); err != nil {
		return false, err
	}
	return true, nil
}

// copyBatch returns a writer that decodes batch into date partitions below the temp dir
func (i *Ingestor) copyBatch(batch []string) partition.Writer {
	return func(ctx context.Context, tmpDir string) error {
		if _, err := i.client.DB().ExecContext(ctx, i.copyStatement(batch, tmpDir)); err != nil {
			return fmt.Errorf("failed to decode %d files: %w", len(batch), err)
		}
		return nil
	}
}

func (i *Ingestor) copyStatement(batch []string, tmpDir string) string {
	selects := make([]string, 0, len(fieldMapping)+1)
	for _, f := range fieldMapping {
		selects = append(selects, fmt.Sprintf("%s AS %s", f.Source, f.Target))
	}
	selects = append(selects, "CURRENT_TIMESTAMP AS ingestion_date")

	readOptions := []string{
		catalog.QuoteList(batch),
		"header = true",
		"all_varchar = true",
		"ignore_errors = true",
		"compression = " + catalog.QuoteLiteral(i.config.Compression),
	}
	if i.config.Delimiter != "" {
		readOptions = append(readOptions, "delim = "+catalog.QuoteLiteral(i.config.Delimiter))
	}

	return fmt.Sprintf(`
		COPY (
			SELECT
				%s
			FROM read_csv(%s)
		)
		TO %s
		(FORMAT PARQUET, PARTITION_BY (%s), COMPRESSION 'ZSTD', OVERWRITE_OR_IGNORE 1)
	`,
		strings.Join(selects, ",\n\t\t\t\t"),
		strings.Join(readOptions, ", "),
		catalog.QuoteLiteral(tmpDir),
		partition.DefaultKey,
	)
}
