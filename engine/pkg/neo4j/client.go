package neo4j

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

const DefaultDatabase = "neo4j"

// Transaction is a managed transaction handed to ExecuteRead/ExecuteWrite callbacks.
type Transaction = neo4j.ManagedTransaction

// Result is a query result stream.
type Result = neo4j.ResultWithContext

// Config holds the Neo4j connection settings.
type Config struct {
	URI      string
	Database string
	Username string
	Password string
	ReadOnly bool
}

func (cfg *Config) Validate() error {
	if cfg.URI == "" {
		return errors.New("uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Username == "" {
		cfg.Username = "neo4j"
	}
	return nil
}

// ApplyEnv overrides fields from NEO4J_URI, NEO4J_DATABASE, NEO4J_USERNAME and
// NEO4J_PASSWORD when set.
func (cfg *Config) ApplyEnv() {
	if v := os.Getenv("NEO4J_URI"); v != "" {
		cfg.URI = v
	}
	if v := os.Getenv("NEO4J_DATABASE"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("NEO4J_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("NEO4J_PASSWORD"); v != "" {
		cfg.Password = v
	}
}

// Client opens sessions against a single database.
type Client interface {
	Session(ctx context.Context) (Session, error)
	Close(ctx context.Context) error
}

// Session is the subset of the driver session used by the graph stores.
type Session interface {
	Run(ctx context.Context, cypher string, params map[string]any) (Result, error)
	ExecuteRead(ctx context.Context, work func(tx Transaction) (any, error)) (any, error)
	ExecuteWrite(ctx context.Context, work func(tx Transaction) (any, error)) (any, error)
	Close(ctx context.Context) error
}

type client struct {
	driver neo4j.DriverWithContext
	cfg    Config
}

// NewClient connects to Neo4j and verifies connectivity. A ReadOnly client opens every
// session in read access mode.
func NewClient(ctx context.Context, log *slog.Logger, cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid neo4j config: %w", err)
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify neo4j connectivity: %w", err)
	}

	log.Info("neo4j: client initialized", "uri", cfg.URI, "database", cfg.Database, "read_only", cfg.ReadOnly)
	return &client{driver: driver, cfg: cfg}, nil
}

func (c *client) Session(ctx context.Context) (Session, error) {
	mode := neo4j.AccessModeWrite
	if c.cfg.ReadOnly {
		mode = neo4j.AccessModeRead
	}
	s := c.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: c.cfg.Database,
		AccessMode:   mode,
	})
	return &session{s: s, readOnly: c.cfg.ReadOnly}, nil
}

func (c *client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

type session struct {
	s        neo4j.SessionWithContext
	readOnly bool
}

var errReadOnly = errors.New("neo4j: write attempted on read-only client")

func (s *session) Run(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	return s.s.Run(ctx, cypher, params)
}

func (s *session) ExecuteRead(ctx context.Context, work func(tx Transaction) (any, error)) (any, error) {
	return s.s.ExecuteRead(ctx, work)
}

func (s *session) ExecuteWrite(ctx context.Context, work func(tx Transaction) (any, error)) (any, error) {
	if s.readOnly {
		return nil, errReadOnly
	}
	return s.s.ExecuteWrite(ctx, work)
}

func (s *session) Close(ctx context.Context) error {
	return s.s.Close(ctx)
}
