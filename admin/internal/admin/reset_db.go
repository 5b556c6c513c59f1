package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/malbeclabs/referrals/engine/pkg/clickhouse"
)

// ResetAnalyticsConfig controls ResetAnalytics. In is read for the confirmation prompt and
// Out receives the report.
type ResetAnalyticsConfig struct {
	DryRun      bool
	SkipConfirm bool
	In          io.Reader
	Out         io.Writer
}

// ResetAnalytics truncates the ClickHouse fact tables. Postgres stays the source of truth,
// so a backfill restores them.
func ResetAnalytics(ctx context.Context, log *slog.Logger, client clickhouse.Client, database string, cfg ResetAnalyticsConfig) error {
	conn, err := client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, `
		SELECT name
		FROM system.tables
		WHERE database = ?
		  AND engine NOT IN ('View', 'MaterializedView')
		  AND name LIKE 'fact_%'
		ORDER BY name
	`, database)
	if err != nil {
		return fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate tables: %w", err)
	}

	if len(tables) == 0 {
		fmt.Fprintln(cfg.Out, "No fact tables found")
		return nil
	}

	fmt.Fprintf(cfg.Out, "WARNING: This will TRUNCATE %d table(s) in database '%s':\n\n", len(tables), database)
	for _, t := range tables {
		fmt.Fprintf(cfg.Out, "  - %s\n", t)
	}

	if cfg.DryRun {
		fmt.Fprintln(cfg.Out, "\n[DRY RUN] Would truncate the above tables")
		return nil
	}

	if !cfg.SkipConfirm {
		fmt.Fprintf(cfg.Out, "\nType 'yes' to confirm: ")
		response, err := bufio.NewReader(cfg.In).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(strings.ToLower(response)) != "yes" {
			fmt.Fprintln(cfg.Out, "\nConfirmation failed. Operation cancelled.")
			return nil
		}
	}

	for _, t := range tables {
		if err := conn.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE IF EXISTS %s", t)); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", t, err)
		}
		log.Info("admin: truncated table", "table", t)
	}
	fmt.Fprintf(cfg.Out, "\nSuccessfully truncated %d table(s)\n", len(tables))
	return nil
}
