package clickhouse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const DefaultDatabase = "default"

// ContextWithSyncInsert returns a context configured for synchronous inserts, for callers
// that read their own writes.
func ContextWithSyncInsert(ctx context.Context) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"async_insert":                  0,
		"wait_for_async_insert":         1,
		"insert_deduplicate":            0,
		"select_sequential_consistency": 1,
	}))
}

// Config holds the ClickHouse connection settings.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

func (cfg *Config) Validate() error {
	if cfg.Addr == "" {
		return errors.New("addr is required")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	return nil
}

// ApplyEnv overrides fields from CLICKHOUSE_ADDR_TCP, CLICKHOUSE_DATABASE,
// CLICKHOUSE_USERNAME, CLICKHOUSE_PASSWORD and CLICKHOUSE_SECURE when set.
func (cfg *Config) ApplyEnv() {
	if v := os.Getenv("CLICKHOUSE_ADDR_TCP"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("CLICKHOUSE_DATABASE"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("CLICKHOUSE_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		cfg.Secure = true
	}
}

func (cfg *Config) options() *clickhouse.Options {
	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
	}
	if cfg.Secure {
		options.TLS = &tls.Config{}
	}
	return options
}

// Client represents a ClickHouse database connection.
type Client interface {
	Conn(ctx context.Context) (Connection, error)
	Close() error
}

// Connection is the subset of the driver used by the stores.
type Connection interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	PrepareBatch(ctx context.Context, query string) (driver.Batch, error)
	Close() error
}

type client struct {
	conn driver.Conn
}

type connection struct {
	conn driver.Conn
}

// NewClient opens and pings a ClickHouse connection.
func NewClient(ctx context.Context, log *slog.Logger, cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid clickhouse config: %w", err)
	}

	conn, err := clickhouse.Open(cfg.options())
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	log.Info("clickhouse: client initialized", "addr", cfg.Addr, "database", cfg.Database, "secure", cfg.Secure)
	return &client{conn: conn}, nil
}

func (c *client) Conn(ctx context.Context) (Connection, error) {
	return &connection{conn: c.conn}, nil
}

func (c *client) Close() error {
	return c.conn.Close()
}

func (c *connection) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

func (c *connection) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

func (c *connection) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

// Close is a no-op; the underlying driver connection is shared by the client.
func (c *connection) Close() error {
	return nil
}
