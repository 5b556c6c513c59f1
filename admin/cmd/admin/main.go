package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/referrals/admin/internal/admin"
	"github.com/malbeclabs/referrals/engine/pkg/clickhouse"
	"github.com/malbeclabs/referrals/engine/pkg/engine"
	"github.com/malbeclabs/referrals/engine/pkg/export"
	"github.com/malbeclabs/referrals/engine/pkg/hierarchy"
	"github.com/malbeclabs/referrals/engine/pkg/ledger"
	"github.com/malbeclabs/referrals/engine/pkg/neo4j"
	"github.com/malbeclabs/referrals/engine/pkg/postgres"
	"github.com/malbeclabs/referrals/engine/pkg/reporting"
	"github.com/malbeclabs/referrals/utils/pkg/env"
	"github.com/malbeclabs/referrals/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	env.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Migrations
	pgMigrateFlag := flag.Bool("pg-migrate", false, "Run PostgreSQL migrations")
	pgMigrateDownFlag := flag.Bool("pg-migrate-down", false, "Roll back the last PostgreSQL migration")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show PostgreSQL migration status")
	clickhouseMigrateFlag := flag.Bool("clickhouse-migrate", false, "Run ClickHouse migrations")
	clickhouseMigrateStatusFlag := flag.Bool("clickhouse-migrate-status", false, "Show ClickHouse migration status")

	// Maintenance
	recomputeAllFlag := flag.Bool("recompute-all", false, "Recompute counters for every referral code")
	recomputeCodeFlag := flag.String("recompute-code", "", "Recompute counters for one referral code id")
	recomputeUserFlag := flag.String("recompute-user", "", "Recompute hierarchy totals for one user id")
	recomputeConcurrencyFlag := flag.Int("recompute-concurrency", 8, "Codes recomputed in parallel by --recompute-all")
	backfillClickHouseFlag := flag.Bool("backfill-clickhouse", false, "Mirror all successful donations into ClickHouse")
	resetClickHouseFlag := flag.Bool("reset-clickhouse", false, "Truncate the ClickHouse fact tables")
	syncGraphFlag := flag.Bool("sync-graph", false, "Mirror users and parent edges into Neo4j")
	batchSizeFlag := flag.Int("batch-size", 1000, "Rows per batch for --backfill-clickhouse and --sync-graph")

	// Export
	exportTreeFlag := flag.String("export-tree", "", "Export the performance tree rooted at this user id to S3")
	s3BucketFlag := flag.String("s3-bucket", "", "S3 bucket for exports (or set EXPORT_S3_BUCKET env var)")
	s3PrefixFlag := flag.String("s3-prefix", "", "S3 key prefix for exports (or set EXPORT_S3_PREFIX env var)")
	s3RegionFlag := flag.String("s3-region", "", "S3 region (or set AWS_REGION env var)")
	s3EndpointFlag := flag.String("s3-endpoint", "", "S3-compatible endpoint URL (or set EXPORT_S3_ENDPOINT env var)")

	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	flag.Parse()

	env.Override(s3BucketFlag, "EXPORT_S3_BUCKET")
	env.Override(s3PrefixFlag, "EXPORT_S3_PREFIX")
	env.Override(s3RegionFlag, "AWS_REGION")
	env.Override(s3EndpointFlag, "EXPORT_S3_ENDPOINT")

	log := logger.New(*verboseFlag)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgCfg := postgres.ConfigFromEnv()
	var chCfg clickhouse.Config
	chCfg.ApplyEnv()

	if *pgMigrateFlag {
		return admin.PgMigrateUp(ctx, log, pgCfg)
	}
	if *pgMigrateDownFlag {
		return admin.PgMigrateDown(ctx, log, pgCfg)
	}
	if *pgMigrateStatusFlag {
		return admin.PgMigrateStatus(ctx, log, pgCfg)
	}
	if *clickhouseMigrateFlag {
		return admin.ClickHouseMigrateUp(ctx, log, chCfg)
	}
	if *clickhouseMigrateStatusFlag {
		return admin.ClickHouseMigrateStatus(ctx, log, chCfg)
	}

	if *resetClickHouseFlag {
		if err := chCfg.Validate(); err != nil {
			return fmt.Errorf("invalid clickhouse config: %w", err)
		}
		client, err := clickhouse.NewClient(ctx, log, chCfg)
		if err != nil {
			return err
		}
		defer client.Close()
		return admin.ResetAnalytics(ctx, log, client, chCfg.Database, admin.ResetAnalyticsConfig{
			DryRun:      *dryRunFlag,
			SkipConfirm: *yesFlag,
			In:          os.Stdin,
			Out:         os.Stdout,
		})
	}

	if err := pgCfg.Validate(); err != nil {
		return fmt.Errorf("invalid postgres config: %w", err)
	}
	pool, err := postgres.NewPool(ctx, log, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	stores, err := engine.NewPostgresStores(log, pool)
	if err != nil {
		return err
	}

	if *backfillClickHouseFlag {
		client, err := clickhouse.NewClient(ctx, log, chCfg)
		if err != nil {
			return err
		}
		defer client.Close()
		analytics, err := ledger.NewAnalyticsStore(ledger.AnalyticsConfig{Logger: log, ClickHouse: client})
		if err != nil {
			return err
		}
		_, err = admin.BackfillClickHouse(ctx, log, stores.Donations, analytics, admin.BackfillClickHouseConfig{
			BatchSize: *batchSizeFlag,
			DryRun:    *dryRunFlag,
		})
		return err
	}

	if *syncGraphFlag {
		var neoCfg neo4j.Config
		neoCfg.ApplyEnv()
		client, err := neo4j.NewClient(ctx, log, neoCfg)
		if err != nil {
			return err
		}
		defer client.Close(context.Background())
		graph, err := hierarchy.NewGraph(hierarchy.GraphConfig{Logger: log, Neo4j: client})
		if err != nil {
			return err
		}
		_, err = admin.SyncGraph(ctx, log, stores.Users, graph, admin.SyncGraphConfig{
			BatchSize: *batchSizeFlag,
			DryRun:    *dryRunFlag,
		})
		return err
	}

	engineCfg := stores.Config(log)
	engineCfg.RecomputeConcurrency = *recomputeConcurrencyFlag
	eng, err := engine.New(engineCfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if *recomputeAllFlag {
		return admin.RecomputeAll(ctx, log, eng, os.Stdout)
	}
	if *recomputeCodeFlag != "" {
		id, err := parseID("--recompute-code", *recomputeCodeFlag)
		if err != nil {
			return err
		}
		return admin.RecomputeCode(ctx, eng, id, os.Stdout)
	}
	if *recomputeUserFlag != "" {
		id, err := parseID("--recompute-user", *recomputeUserFlag)
		if err != nil {
			return err
		}
		return admin.RecomputeUser(ctx, eng, id, os.Stdout)
	}

	if *exportTreeFlag != "" {
		id, err := parseID("--export-tree", *exportTreeFlag)
		if err != nil {
			return err
		}
		exporter, err := newExporter(ctx, log, eng, *s3BucketFlag, *s3PrefixFlag, *s3RegionFlag, *s3EndpointFlag)
		if err != nil {
			return err
		}
		return admin.ExportTree(ctx, exporter, id, reporting.Window{}, os.Stdout)
	}

	flag.Usage()
	return nil
}

func parseID(flagName, v string) (uuid.UUID, error) {
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s must be a UUID: %w", flagName, err)
	}
	return id, nil
}

func newExporter(ctx context.Context, log *slog.Logger, trees export.TreeBuilder, bucket, prefix, region, endpoint string) (*export.Exporter, error) {
	if bucket == "" {
		return nil, fmt.Errorf("--s3-bucket is required for --export-tree")
	}
	client, err := export.NewS3Client(ctx, region, endpoint)
	if err != nil {
		return nil, err
	}
	return export.New(export.Config{
		Logger: log,
		S3:     client,
		Bucket: bucket,
		Prefix: prefix,
		Trees:  trees,
	})
}
