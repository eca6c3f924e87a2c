package gotidb

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/pingcap/gotidb/internal/logger"
	"github.com/pingcap/gotidb/internal/sqlgen"
)

// serverlessHostPattern matches TiDB Cloud Serverless gateway hosts. Those
// endpoints require TLS and drop idle connections aggressively.
var serverlessHostPattern = regexp.MustCompile(
	`^gateway\d{2}\.(.+)\.(prod|dev|staging)\.(aws|alicloud)\.tidbcloud\.com`)

// Serverless gateways close idle connections after about five minutes;
// recycling pooled connections earlier avoids broken-pipe errors.
const serverlessConnMaxLifetime = 5 * time.Minute

// executor abstracts statement execution so tables and searches can run
// against a real connection pool or a test double.
type executor interface {
	QueryContext(ctx context.Context, query string, args ...any) (rowSet, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// rowSet is the subset of *sql.Rows the row scanners need.
type rowSet interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

type dbExecutor struct {
	db *sql.DB
}

func (e dbExecutor) QueryContext(ctx context.Context, query string, args ...any) (rowSet, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (e dbExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return e.db.ExecContext(ctx, query, args...)
}

// Client is the SDK entry point: a pooled connection to one TiDB database.
// It is safe for concurrent use.
type Client struct {
	db       *sql.DB
	exec     executor
	logger   *zap.Logger
	database string
}

// Connect connects to TiDB and verifies the connection with a ping. The
// zero configuration targets root@localhost:4000/test; TLS switches on
// automatically for TiDB Cloud Serverless hosts.
func Connect(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := newClientConfig()
	for _, o := range opts {
		o.apply(cfg)
	}

	if cfg.db != nil {
		return attach(ctx, cfg)
	}

	if cfg.dsn != "" {
		parsed, err := mysql.ParseDSN(cfg.dsn)
		if err != nil {
			return nil, fmt.Errorf("%w: parse DSN: %v", ErrConfiguration, err)
		}
		if host, _, err := net.SplitHostPort(parsed.Addr); err == nil {
			cfg.host = host
		} else {
			cfg.host = parsed.Addr
		}
		cfg.database = parsed.DBName
	}

	if cfg.ensureDatabase {
		if err := ensureDatabase(ctx, cfg); err != nil {
			return nil, err
		}
	}

	dsn, err := cfg.formatDSN(cfg.database)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrConfiguration, err)
	}
	if serverlessHostPattern.MatchString(cfg.host) {
		db.SetConnMaxLifetime(serverlessConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping database: %w", ErrExecution, err)
	}

	log := logger.OrNop(cfg.logger)
	log.Debug("connected to TiDB",
		zap.String("host", cfg.host),
		zap.String("database", cfg.database))

	return &Client{
		db:       db,
		exec:     dbExecutor{db: db},
		logger:   log,
		database: cfg.database,
	}, nil
}

// attach wraps a caller-managed *sql.DB instead of opening a pool. The
// database name is read from the connection when possible.
func attach(ctx context.Context, cfg *clientConfig) (*Client, error) {
	if err := cfg.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: ping database: %w", ErrExecution, err)
	}
	name := cfg.database
	var current sql.NullString
	if err := cfg.db.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&current); err == nil && current.Valid {
		name = current.String
	}

	log := logger.OrNop(cfg.logger)
	log.Debug("attached to existing pool", zap.String("database", name))

	return &Client{
		db:       cfg.db,
		exec:     dbExecutor{db: cfg.db},
		logger:   log,
		database: name,
	}, nil
}

// ensureDatabase connects without a schema and creates the target database
// when it does not exist yet.
func ensureDatabase(ctx context.Context, cfg *clientConfig) error {
	if cfg.database == "" {
		return fmt.Errorf("%w: a database name is required with WithEnsureDatabase", ErrConfiguration)
	}
	dsn, err := cfg.formatDSN("")
	if err != nil {
		return err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("%w: open database: %v", ErrConfiguration, err)
	}
	defer db.Close()

	stmt := "CREATE DATABASE IF NOT EXISTS " + sqlgen.QuoteIdent(cfg.database)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%w: create database %q: %w", ErrExecution, cfg.database, err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// Ping verifies database connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrExecution, err)
	}
	return nil
}

// DatabaseName returns the schema this client operates on.
func (c *Client) DatabaseName() string {
	return c.database
}

// CreateDatabase creates a database unless it already exists.
func (c *Client) CreateDatabase(ctx context.Context, name string) error {
	_, err := c.exec.ExecContext(ctx, "CREATE DATABASE IF NOT EXISTS "+sqlgen.QuoteIdent(name))
	if err != nil {
		return fmt.Errorf("%w: create database %q: %w", ErrExecution, name, err)
	}
	return nil
}

// DropDatabase drops a database if it exists.
func (c *Client) DropDatabase(ctx context.Context, name string) error {
	_, err := c.exec.ExecContext(ctx, "DROP DATABASE IF EXISTS "+sqlgen.QuoteIdent(name))
	if err != nil {
		return fmt.Errorf("%w: drop database %q: %w", ErrExecution, name, err)
	}
	return nil
}

// ListDatabases returns the names of all databases visible to the user.
func (c *Client) ListDatabases(ctx context.Context) ([]string, error) {
	return c.stringColumn(ctx, "SHOW DATABASES")
}

// ListTables returns the table names of the current database.
func (c *Client) ListTables(ctx context.Context) ([]string, error) {
	return c.stringColumn(ctx, "SHOW TABLES")
}

// HasDatabase reports whether a database exists.
func (c *Client) HasDatabase(ctx context.Context, name string) (bool, error) {
	const q = "SELECT COUNT(*) FROM information_schema.schemata WHERE schema_name = ?"
	n, err := c.countQuery(ctx, q, name)
	return n > 0, err
}

// HasTable reports whether a table exists in the current database.
func (c *Client) HasTable(ctx context.Context, name string) (bool, error) {
	const q = "SELECT COUNT(*) FROM information_schema.tables" +
		" WHERE table_schema = DATABASE() AND table_name = ?"
	n, err := c.countQuery(ctx, q, name)
	return n > 0, err
}

// DropTable drops a table if it exists.
func (c *Client) DropTable(ctx context.Context, name string) error {
	_, err := c.exec.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlgen.QuoteIdent(name))
	if err != nil {
		return fmt.Errorf("%w: drop table %q: %w", ErrExecution, name, err)
	}
	return nil
}

// TruncateTable removes every row from a table.
func (c *Client) TruncateTable(ctx context.Context, name string) error {
	_, err := c.exec.ExecContext(ctx, "TRUNCATE TABLE "+sqlgen.QuoteIdent(name))
	if err != nil {
		return fmt.Errorf("%w: truncate table %q: %w", ErrExecution, name, err)
	}
	return nil
}

// Execute runs a raw statement and reports the number of affected rows.
func (c *Client) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.exec.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// The driver cannot report a count; the statement still ran.
		return 0, nil
	}
	return n, nil
}

// Query runs a raw query and returns the whole result set as one frame.
func (c *Client) Query(ctx context.Context, query string, args ...any) (*Frame, error) {
	rs, err := c.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	defer rs.Close()

	cols, err := rs.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	frame := &Frame{Columns: cols}
	for rs.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExecution, err)
		}
		frame.Rows = append(frame.Rows, vals)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	return frame, nil
}

// QueryRows runs a raw query and returns name-aligned rows.
func (c *Client) QueryRows(ctx context.Context, query string, args ...any) ([]Row, error) {
	frame, err := c.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, len(frame.Rows))
	for i, vals := range frame.Rows {
		rows[i] = Row{Columns: frame.Columns, Values: vals}
	}
	return rows, nil
}

func (c *Client) countQuery(ctx context.Context, query string, args ...any) (int64, error) {
	rs, err := c.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	defer rs.Close()

	var n int64
	if rs.Next() {
		if err := rs.Scan(&n); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrExecution, err)
		}
	}
	if err := rs.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	return n, nil
}

func (c *Client) stringColumn(ctx context.Context, query string) ([]string, error) {
	rs, err := c.exec.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	defer rs.Close()

	var out []string
	for rs.Next() {
		var s string
		if err := rs.Scan(&s); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExecution, err)
		}
		out = append(out, s)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	return out, nil
}
