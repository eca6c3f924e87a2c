package gotidb

import (
	"database/sql"
	"fmt"
	"net"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

// Option configures the Client.
type Option interface {
	apply(*clientConfig)
}

// optionFunc adapts a function to the Option interface.
type optionFunc func(*clientConfig)

func (f optionFunc) apply(c *clientConfig) { f(c) }

type clientConfig struct {
	host     string
	port     int
	username string
	password string
	database string

	// Raw DSN override; when set, the individual fields above are ignored.
	dsn string

	enableTLS      *bool
	ensureDatabase bool

	// Caller-managed pool; when set, no connection is opened.
	db *sql.DB

	logger *zap.Logger
}

func newClientConfig() *clientConfig {
	return &clientConfig{
		host:     "localhost",
		port:     4000,
		username: "root",
		database: "test",
	}
}

// formatDSN renders the go-sql-driver DSN for the given database name. An
// empty name yields a schema-less connection for database management
// statements.
func (c *clientConfig) formatDSN(database string) (string, error) {
	if c.dsn != "" {
		parsed, err := mysql.ParseDSN(c.dsn)
		if err != nil {
			return "", fmt.Errorf("%w: parse DSN: %v", ErrConfiguration, err)
		}
		parsed.DBName = database
		return parsed.FormatDSN(), nil
	}

	mc := mysql.NewConfig()
	mc.User = c.username
	mc.Passwd = c.password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.host, strconv.Itoa(c.port))
	mc.DBName = database
	mc.ParseTime = true

	enableTLS := serverlessHostPattern.MatchString(c.host)
	if c.enableTLS != nil {
		enableTLS = *c.enableTLS
	}
	if enableTLS {
		mc.TLSConfig = "true"
	}
	return mc.FormatDSN(), nil
}

// WithHost sets the TiDB host. Default localhost.
func WithHost(host string) Option {
	return optionFunc(func(c *clientConfig) {
		c.host = host
	})
}

// WithPort sets the TiDB port. Default 4000.
func WithPort(port int) Option {
	return optionFunc(func(c *clientConfig) {
		c.port = port
	})
}

// WithCredentials sets the database user and password. Default root with
// an empty password.
func WithCredentials(username, password string) Option {
	return optionFunc(func(c *clientConfig) {
		c.username = username
		c.password = password
	})
}

// WithDatabase sets the database to operate on. Default test.
func WithDatabase(name string) Option {
	return optionFunc(func(c *clientConfig) {
		c.database = name
	})
}

// WithDSN passes a complete go-sql-driver DSN, overriding the host, port,
// credential, and database options.
func WithDSN(dsn string) Option {
	return optionFunc(func(c *clientConfig) {
		c.dsn = dsn
	})
}

// WithTLS forces TLS on or off. Without it, TLS switches on only for TiDB
// Cloud Serverless hosts.
func WithTLS(enable bool) Option {
	return optionFunc(func(c *clientConfig) {
		c.enableTLS = &enable
	})
}

// WithDB wraps an existing *sql.DB instead of opening a new pool. The
// caller keeps ownership; Close still closes the pool. Connection options
// such as host, credentials, and TLS are ignored.
func WithDB(db *sql.DB) Option {
	return optionFunc(func(c *clientConfig) {
		c.db = db
	})
}

// WithEnsureDatabase creates the configured database during Connect when
// it does not exist yet.
func WithEnsureDatabase() Option {
	return optionFunc(func(c *clientConfig) {
		c.ensureDatabase = true
	})
}

// WithLogger enables structured logging for SDK operations. Pass nil to
// disable (default).
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(c *clientConfig) {
		c.logger = l
	})
}
