package neo4jtesting

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"

	"github.com/malbeclabs/referrals/engine/pkg/neo4j"
)

type DBConfig struct {
	Password       string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "neo4j:5"
	}
	return nil
}

// DB is a Neo4j test container shared by the tests of one package. Community edition has a
// single database, so tests isolate their data by the ids they create rather than by database.
type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	uri       string
	container *tcneo4j.Neo4jContainer
}

func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate Neo4j container", "error", err)
	}
}

func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	container, err := tcneo4j.Run(ctx,
		cfg.ContainerImage,
		tcneo4j.WithAdminPassword(cfg.Password),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start Neo4j container: %w", err)
	}

	uri, err := container.BoltUrl(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get Neo4j bolt url: %w", err)
	}

	return &DB{log: log, cfg: cfg, uri: uri, container: container}, nil
}

func (db *DB) Config(readOnly bool) neo4j.Config {
	return neo4j.Config{
		URI:      db.uri,
		Username: "neo4j",
		Password: db.cfg.Password,
		ReadOnly: readOnly,
	}
}

func NewTestClient(t *testing.T, db *DB) neo4j.Client {
	client, err := neo4j.NewClient(t.Context(), db.log, db.Config(false))
	require.NoError(t, err)
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	})
	return client
}
