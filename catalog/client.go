// Package catalog owns the DuckDB engine connection used by every stage: a plain DuckDB
// database for local runs and tests, or a DuckLake catalog attached on every pooled connection.
package catalog

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"
)

const (
	TypeDuckDB   = "duckdb"
	TypeDuckLake = "ducklake"
)

// Config contains SQL engine and catalog settings
type Config struct {
	// Type is "duckdb" (local database file, empty path = in-memory) or "ducklake"
	Type string `yaml:"type" split_words:"true"`

	// Path is the DuckDB database file, or for DuckLake the metadata location,
	// e.g. "ducklake:/data/mobility.ducklake" or "ducklake:postgres:dbname=lake host=..."
	Path string `yaml:"path" split_words:"true"`

	CatalogName    string `yaml:"catalog_name" split_words:"true"`
	DataPath       string `yaml:"data_path" split_words:"true"`
	MetadataSchema string `yaml:"metadata_schema" split_words:"true"`

	// Extensions are installed and loaded on every connection (e.g. httpfs for remote CSVs)
	Extensions []string `yaml:"extensions" split_words:"true"`

	MemoryLimit string `yaml:"memory_limit" split_words:"true"`
	Threads     int    `yaml:"threads" split_words:"true"`
}

// Querier is satisfied by both *sql.DB and *sql.Tx
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Client manages the DuckDB connection pool and the attached catalog
type Client struct {
	db     *sql.DB
	config Config
	logger zerolog.Logger
}

// Open creates a DuckDB connection pool whose connections are all initialized with the
// configured extensions and, for DuckLake, the attached and selected catalog.
func Open(config Config, logger zerolog.Logger) (*Client, error) {
	if config.Type == "" {
		config.Type = TypeDuckDB
	}
	if config.Type != TypeDuckDB && config.Type != TypeDuckLake {
		return nil, fmt.Errorf("unknown catalog type %q", config.Type)
	}
	if config.Type == TypeDuckLake && config.CatalogName == "" {
		config.CatalogName = "mobility_ducklake"
	}

	dsn := ""
	if config.Type == TypeDuckDB {
		dsn = config.Path
	}

	c := &Client{config: config, logger: logger}

	connector, err := duckdb.NewConnector(dsn, c.initConnection)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}
	c.db = sql.OpenDB(connector)

	if err := c.db.PingContext(context.Background()); err != nil {
		c.db.Close()
		return nil, fmt.Errorf("failed to initialize DuckDB: %w", err)
	}

	if config.Type == TypeDuckLake {
		logger.Info().Str("catalog", config.CatalogName).Str("data_path", config.DataPath).
			Msg("Attached DuckLake catalog")
	} else {
		logger.Info().Str("path", displayPath(dsn)).Msg("Opened DuckDB database")
	}

	return c, nil
}

// initConnection runs once for every new pooled connection
func (c *Client) initConnection(execer driver.ExecerContext) error {
	ctx := context.Background()
	for _, stmt := range c.bootStatements() {
		if _, err := execer.ExecContext(ctx, stmt, nil); err != nil {
			return fmt.Errorf("connection init %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// bootStatements lists the per-connection setup SQL
func (c *Client) bootStatements() []string {
	var stmts []string

	for _, ext := range c.config.Extensions {
		stmts = append(stmts, fmt.Sprintf("INSTALL %s", ext), fmt.Sprintf("LOAD %s", ext))
	}
	if c.config.MemoryLimit != "" {
		stmts = append(stmts, fmt.Sprintf("SET memory_limit = %s", QuoteLiteral(c.config.MemoryLimit)))
	}
	if c.config.Threads > 0 {
		stmts = append(stmts, fmt.Sprintf("SET threads = %d", c.config.Threads))
	}

	if c.config.Type == TypeDuckLake {
		options := []string{}
		if c.config.DataPath != "" {
			options = append(options, "DATA_PATH "+QuoteLiteral(c.config.DataPath))
		}
		if c.config.MetadataSchema != "" {
			options = append(options, "METADATA_SCHEMA "+QuoteLiteral(c.config.MetadataSchema))
		}
		attach := fmt.Sprintf("ATTACH IF NOT EXISTS %s AS %s", QuoteLiteral(ducklakePath(c.config.Path)), c.config.CatalogName)
		if len(options) > 0 {
			attach += " (" + strings.Join(options, ", ") + ")"
		}
		stmts = append(stmts,
			"INSTALL ducklake",
			"LOAD ducklake",
			attach,
			fmt.Sprintf("USE %s", c.config.CatalogName),
		)
	}

	return stmts
}

// DB returns the underlying connection pool
func (c *Client) DB() *sql.DB {
	return c.db
}

// Type returns the catalog type in use
func (c *Client) Type() string {
	return c.config.Type
}

// TableExists reports whether a table or view is visible in the current database
func TableExists(ctx context.Context, q Querier, name string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.tables
		WHERE table_name = ? AND table_catalog = current_database()
	`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", name, err)
	}
	return count > 0, nil
}

// CreateParquetView (re)creates a view over every Parquet file below root with hive
// partition inference. scanOptions are appended to the read_parquet call.
func (c *Client) CreateParquetView(ctx context.Context, view, root string, scanOptions ...string) error {
	glob := strings.TrimRight(root, "/") + "/**/*.parquet"
	args := append([]string{QuoteLiteral(glob), "hive_partitioning = true"}, scanOptions...)

	query := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)",
		view, strings.Join(args, ", "))

	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create view %s: %w", view, err)
	}
	c.logger.Debug().Str("view", view).Str("glob", glob).Msg("View refreshed")
	return nil
}

// Close detaches the catalog and closes the pool
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	if c.config.Type == TypeDuckLake {
		ctx := context.Background()
		if _, err := c.db.ExecContext(ctx, "USE memory"); err == nil {
			if _, err := c.db.ExecContext(ctx, fmt.Sprintf("DETACH %s", c.config.CatalogName)); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to detach DuckLake catalog")
			}
		}
	}
	return c.db.Close()
}

// QuoteLiteral renders s as a SQL string literal
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// QuoteList renders values as a SQL list literal, e.g. ['a', 'b']
func QuoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = QuoteLiteral(v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func ducklakePath(path string) string {
	if strings.HasPrefix(path, "ducklake:") {
		return path
	}
	return "ducklake:" + path
}

func displayPath(dsn string) string {
	if dsn == "" {
		return ":memory:"
	}
	return dsn
}

func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}

// LoadDates (re)creates a connection-local temp table with one DATE column holding dates.
// Use it inside a transaction so the table lives on the transaction's connection.
func LoadDates(ctx context.Context, q Querier, table string, dates []time.Time) error {
	if _, err := q.ExecContext(ctx, fmt.Sprintf("CREATE OR REPLACE TEMP TABLE %s (date DATE)", table)); err != nil {
		return fmt.Errorf("failed to create %s: %w", table, err)
	}
	insert := fmt.Sprintf("INSERT INTO %s VALUES (CAST(? AS DATE))", table)
	for _, d := range dates {
		if _, err := q.ExecContext(ctx, insert, d.Format(time.DateOnly)); err != nil {
			return fmt.Errorf("failed to load date %s: %w", d.Format(time.DateOnly), err)
		}
	}
	return nil
}
