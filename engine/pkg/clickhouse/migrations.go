package clickhouse

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pressly/goose/v3"

	"github.com/malbeclabs/referrals/engine"
)

const migrationsDir = "db/clickhouse/migrations"

// Up applies all pending ClickHouse migrations.
func Up(ctx context.Context, log *slog.Logger, cfg Config) error {
	log.Info("clickhouse: running migrations (up)", "database", cfg.Database)
	return withProvider(cfg, func(p *goose.Provider) error {
		results, err := p.Up(ctx)
		for _, r := range results {
			if r.Error != nil {
				log.Error("clickhouse: migration failed", "version", r.Source.Version, "error", r.Error)
				continue
			}
			log.Info("clickhouse: migration applied", "version", r.Source.Version, "duration", r.Duration)
		}
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return nil
	})
}

// Status logs the state of every ClickHouse migration.
func Status(ctx context.Context, log *slog.Logger, cfg Config) error {
	return withProvider(cfg, func(p *goose.Provider) error {
		statuses, err := p.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}
		for _, s := range statuses {
			log.Info("clickhouse: migration", "version", s.Source.Version, "path", s.Source.Path, "state", s.State)
		}
		return nil
	})
}

func withProvider(cfg Config, fn func(p *goose.Provider) error) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid clickhouse config: %w", err)
	}
	db := clickhouse.OpenDB(cfg.options())
	defer db.Close()

	fsys, err := fs.Sub(engine.ClickHouseMigrationsFS, migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectClickHouse, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	defer p.Close()
	return fn(p)
}
