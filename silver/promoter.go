// Package silver promotes clean staging rows into the date-partitioned silver store.
package silver

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/IsmaelHA/lakehouse-spain-mobility/audit"
	"github.com/IsmaelHA/lakehouse-spain-mobility/catalog"
	"github.com/IsmaelHA/lakehouse-spain-mobility/manifest"
	"github.com/IsmaelHA/lakehouse-spain-mobility/partition"
	"github.com/IsmaelHA/lakehouse-spain-mobility/quality"
)

// ViewName is the query view over every silver partition
const ViewName = "silver_mobility_trips"

// Config contains silver store settings
type Config struct {
	Path string `yaml:"path" split_words:"true"`
}

// Result describes a promotion
type Result struct {
	Skipped    bool
	Reason     string
	Rows       int64
	Partitions []string
	ViewReady  bool
}

// Promoter moves the staging table into the silver store
type Promoter struct {
	client    *catalog.Client
	swapper   *partition.Swapper
	manifests *manifest.Builder
	config    Config
	staging   string
	logger    zerolog.Logger
}

// NewPromoter creates a promoter. manifests may be nil to skip manifest generation.
func NewPromoter(client *catalog.Client, config Config, manifests *manifest.Builder, logger zerolog.Logger) *Promoter {
	return &Promoter{
		client:    client,
		swapper:   partition.NewSwapper(config.Path, partition.DefaultKey, "ingest", logger),
		manifests: manifests,
		config:    config,
		staging:   quality.StagingTable,
		logger:    logger,
	}
}

// Promote swaps every staged date into silver, refreshes the view and drops the staging table.
// A missing or empty staging table is a no-op.
func (p *Promoter) Promote(ctx context.Context) (*Result, error) {
	db := p.client.DB()

	exists, err := catalog.TableExists(ctx, db, p.staging)
	if err != nil {
		return nil, err
	}
	if !exists {
		p.logger.Info().Msg("No staging table, skipping")
		return p.skip(ctx, "staging missing")
	}

	var rows int64
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", p.staging)).Scan(&rows); err != nil {
		return nil, fmt.Errorf("failed to count staging rows: %w", err)
	}
	if rows == 0 {
		p.logger.Info().Msg("No data in staging, skipping")
		return p.skip(ctx, "staging empty")
	}

	p.logger.Info().Int64("rows", rows).Msg("Promoting staging rows to silver")

	swapped, err := p.swapper.Swap(ctx, func(ctx context.Context, tmpDir string) error {
		_, err := db.ExecContext(ctx, fmt.Sprintf(`
			COPY (SELECT * FROM %s)
			TO %s
			(FORMAT PARQUET, PARTITION_BY (%s), COMPRESSION 'ZSTD')
		`, p.staging, catalog.QuoteLiteral(tmpDir), partition.DefaultKey))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("silver partitioning failed: %w", err)
	}

	if p.manifests != nil {
		if _, err := p.manifests.Record(audit.RunIDFrom(ctx), swapped); err != nil {
			return nil, fmt.Errorf("silver swapped but manifest failed: %w", err)
		}
	}

	ready, err := p.EnsureView(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", p.staging)); err != nil {
		return nil, fmt.Errorf("failed to drop staging table: %w", err)
	}

	p.logger.Info().
		Int64("rows", rows).
		Strs("partitions", swapped.Values()).
		Msg("✅ Silver layer updated")

	return &Result{
		Rows:       rows,
		Partitions: swapped.Partitions,
		ViewReady:  ready,
	}, nil
}

// EnsureView (re)creates the silver view when the store holds data and reports whether it did
func (p *Promoter) EnsureView(ctx context.Context) (bool, error) {
	has, err := partition.HasParquet(p.config.Path)
	if err != nil {
		return false, fmt.Errorf("failed to inspect silver store: %w", err)
	}
	if !has {
		return false, nil
	}
	if err := p.client.CreateParquetView(ctx, ViewName, p.config.Path, "hive_types = {'date': DATE}"); err != nil {
		return false, err
	}
	return true, nil
}

// skip leaves data untouched but makes sure an existing silver store is queryable
func (p *Promoter) skip(ctx context.Context, reason string) (*Result, error) {
	ready, err := p.EnsureView(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Skipped: true, Reason: reason, ViewReady: ready}, nil
}
