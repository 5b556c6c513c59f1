package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver with database/sql
	"github.com/pressly/goose/v3"

	"github.com/malbeclabs/referrals/engine"
)

const migrationsDir = "db/postgres/migrations"

// Up applies all pending migrations.
func Up(ctx context.Context, log *slog.Logger, connStr string) error {
	log.Info("postgres: running migrations (up)")
	return withProvider(connStr, func(p *goose.Provider) error {
		results, err := p.Up(ctx)
		for _, r := range results {
			logResult(log, r)
		}
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("postgres: migrations completed", "applied", len(results))
		return nil
	})
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, log *slog.Logger, connStr string) error {
	log.Info("postgres: rolling back migration (down)")
	return withProvider(connStr, func(p *goose.Provider) error {
		r, err := p.Down(ctx)
		if r != nil {
			logResult(log, r)
		}
		if err != nil {
			return fmt.Errorf("failed to roll back migration: %w", err)
		}
		return nil
	})
}

// Status logs the state of every known migration.
func Status(ctx context.Context, log *slog.Logger, connStr string) error {
	return withProvider(connStr, func(p *goose.Provider) error {
		statuses, err := p.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}
		for _, s := range statuses {
			log.Info("postgres: migration", "version", s.Source.Version, "path", s.Source.Path, "state", s.State, "applied_at", s.AppliedAt)
		}
		return nil
	})
}

// withProvider uses a goose Provider instead of the package-level goose state so that
// parallel test databases can migrate concurrently.
func withProvider(connStr string, fn func(p *goose.Provider) error) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	fsys, err := fs.Sub(engine.PostgresMigrationsFS, migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	defer p.Close()
	return fn(p)
}

func logResult(log *slog.Logger, r *goose.MigrationResult) {
	if r.Error != nil {
		log.Error("postgres: migration failed", "version", r.Source.Version, "path", r.Source.Path, "error", r.Error)
		return
	}
	log.Info("postgres: migration applied", "version", r.Source.Version, "direction", r.Direction, "duration", r.Duration)
}
