// Package audit keeps a trail of pipeline stage runs. Every stage invocation is recorded with its
// outcome, row count and timing in the catalog, and optionally mirrored to Postgres.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// TableName is the catalog table holding stage runs
const TableName = "pipeline_stage_runs"

// Run statuses
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Run is one stage invocation
type Run struct {
	RunID      string
	Stage      string
	Status     string
	Detail     string
	Rows       int64
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns how long the run took
func (r Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Recorder persists stage runs
type Recorder interface {
	Record(ctx context.Context, run Run) error
}

// NewRunID returns a fresh identifier shared by every stage of one pipeline run
func NewRunID() string {
	return uuid.NewString()
}

type runIDKey struct{}

// WithRunID attaches a run id to ctx so stages can tag their artifacts
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom returns the run id carried by ctx, or ""
func RunIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey{}).(string); ok {
		return id
	}
	return ""
}

// TableRecorder stores runs in the catalog
type TableRecorder struct {
	db *sql.DB
}

// NewTableRecorder creates the audit table if needed
func NewTableRecorder(ctx context.Context, db *sql.DB) (*TableRecorder, error) {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id VARCHAR,
			stage VARCHAR,
			status VARCHAR,
			detail VARCHAR,
			row_count BIGINT,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		)
	`, TableName))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", TableName, err)
	}
	return &TableRecorder{db: db}, nil
}

func (r *TableRecorder) Record(ctx context.Context, run Run) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (run_id, stage, status, detail, row_count, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, TableName), run.RunID, run.Stage, run.Status, run.Detail, run.Rows,
		run.StartedAt.UTC(), run.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record %s run: %w", run.Stage, err)
	}
	return nil
}

// Recent returns the latest runs, newest first
func (r *TableRecorder) Recent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT run_id, stage, status, detail, row_count, started_at, finished_at
		FROM %s
		ORDER BY finished_at DESC
		LIMIT ?
	`, TableName), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var detail sql.NullString
		if err := rows.Scan(&run.RunID, &run.Stage, &run.Status, &detail, &run.Rows,
			&run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage run: %w", err)
		}
		run.Detail = detail.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// PostgresRecorder mirrors runs into a Postgres table for dashboards outside the lake
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

// NewPostgresRecorder connects to Postgres and creates the audit table if needed
func NewPostgresRecorder(ctx context.Context, dsn string) (*PostgresRecorder, error) {
	pgConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	pgConfig.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	_, err = pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT,
			row_count BIGINT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (run_id, stage)
		)
	`, TableName))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create postgres %s: %w", TableName, err)
	}

	return &PostgresRecorder{pool: pool}, nil
}

func (r *PostgresRecorder) Record(ctx context.Context, run Run) error {
	_, err := r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (run_id, stage, status, detail, row_count, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, stage) DO UPDATE SET
			status = EXCLUDED.status,
			detail = EXCLUDED.detail,
			row_count = EXCLUDED.row_count,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at
	`, TableName), run.RunID, run.Stage, run.Status, run.Detail, run.Rows, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record %s run in postgres: %w", run.Stage, err)
	}
	return nil
}

func (r *PostgresRecorder) Close() {
	r.pool.Close()
}

// Multi fans a run out to several recorders. Every recorder is attempted; errors are joined.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, run Run) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logged wraps a recorder so that audit failures are logged instead of failing a stage
type Logged struct {
	Recorder Recorder
	Logger   zerolog.Logger
}

func (l Logged) Record(ctx context.Context, run Run) error {
	if err := l.Recorder.Record(ctx, run); err != nil {
		l.Logger.Warn().Err(err).Str("stage", run.Stage).Str("run_id", run.RunID).
			Msg("Failed to record stage run")
	}
	return nil
}
