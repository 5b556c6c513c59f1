package admin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/referrals/engine/pkg/clickhouse"
	"github.com/malbeclabs/referrals/engine/pkg/postgres"
)

// PgMigrateUp runs all pending PostgreSQL migrations
func PgMigrateUp(ctx context.Context, log *slog.Logger, cfg postgres.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid postgres config: %w", err)
	}
	log.Info("running PostgreSQL migrations (up)")
	if err := postgres.Up(ctx, log, cfg.ConnString()); err != nil {
		return err
	}
	log.Info("PostgreSQL migrations completed")
	return nil
}

// PgMigrateDown rolls back the last PostgreSQL migration
func PgMigrateDown(ctx context.Context, log *slog.Logger, cfg postgres.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid postgres config: %w", err)
	}
	log.Info("rolling back PostgreSQL migration (down)")
	if err := postgres.Down(ctx, log, cfg.ConnString()); err != nil {
		return err
	}
	log.Info("PostgreSQL migration rollback completed")
	return nil
}

// PgMigrateStatus shows the status of all PostgreSQL migrations
func PgMigrateStatus(ctx context.Context, log *slog.Logger, cfg postgres.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid postgres config: %w", err)
	}
	return postgres.Status(ctx, log, cfg.ConnString())
}

// ClickHouseMigrateUp creates or upgrades the analytics tables.
func ClickHouseMigrateUp(ctx context.Context, log *slog.Logger, cfg clickhouse.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid clickhouse config: %w", err)
	}
	return clickhouse.Up(ctx, log, cfg)
}

func ClickHouseMigrateStatus(ctx context.Context, log *slog.Logger, cfg clickhouse.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid clickhouse config: %w", err)
	}
	return clickhouse.Status(ctx, log, cfg)
}
