package engine

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/referrals/engine/pkg/codes"
	"github.com/malbeclabs/referrals/engine/pkg/hierarchy"
	"github.com/malbeclabs/referrals/engine/pkg/ledger"
	"github.com/malbeclabs/referrals/engine/pkg/rollup"
)

// PostgresStores are the Postgres implementations of every store the engine needs.
type PostgresStores struct {
	Users     *hierarchy.Store
	Codes     *codes.PostgresStore
	Donations *ledger.Store
	Counters  *rollup.PostgresStore
}

func NewPostgresStores(log *slog.Logger, pool *pgxpool.Pool) (*PostgresStores, error) {
	users, err := hierarchy.NewStore(hierarchy.StoreConfig{Logger: log, Postgres: pool})
	if err != nil {
		return nil, fmt.Errorf("failed to create user store: %w", err)
	}
	codeStore, err := codes.NewStore(codes.StoreConfig{Logger: log, Postgres: pool})
	if err != nil {
		return nil, fmt.Errorf("failed to create code store: %w", err)
	}
	donations, err := ledger.NewStore(ledger.StoreConfig{Logger: log, Postgres: pool})
	if err != nil {
		return nil, fmt.Errorf("failed to create donation store: %w", err)
	}
	counters, err := rollup.NewStore(rollup.StoreConfig{Logger: log, Postgres: pool})
	if err != nil {
		return nil, fmt.Errorf("failed to create counter store: %w", err)
	}
	return &PostgresStores{Users: users, Codes: codeStore, Donations: donations, Counters: counters}, nil
}

// Config returns an engine config over the stores. Callers may swap the directory or the
// reporting reader afterwards.
func (s *PostgresStores) Config(log *slog.Logger) Config {
	return Config{
		Logger:    log,
		Directory: s.Users,
		Codes:     s.Codes,
		Donations: s.Donations,
		Counters:  s.Counters,
	}
}
