package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/referrals/engine/pkg/alerting"
	"github.com/malbeclabs/referrals/engine/pkg/clickhouse"
	"github.com/malbeclabs/referrals/engine/pkg/engine"
	"github.com/malbeclabs/referrals/engine/pkg/hierarchy"
	"github.com/malbeclabs/referrals/engine/pkg/ledger"
	"github.com/malbeclabs/referrals/engine/pkg/metrics"
	"github.com/malbeclabs/referrals/engine/pkg/neo4j"
	"github.com/malbeclabs/referrals/engine/pkg/postgres"
	"github.com/malbeclabs/referrals/engine/pkg/server"
	"github.com/malbeclabs/referrals/utils/pkg/env"
	"github.com/malbeclabs/referrals/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr      = "0.0.0.0:8080"
	backendPostgres        = "postgres"
	backendNeo4j           = "neo4j"
	backendClickHouse      = "clickhouse"
	defaultShutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	appEnv := env.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	logFormatFlag := flag.String("log-format", "text", "log format: text or json (or set LOG_FORMAT env var)")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP listen address (or set LISTEN_ADDR env var)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", defaultShutdownTimeout, "maximum time to wait for in-flight requests during shutdown")
	corsOriginsFlag := flag.String("cors-origins", "", "comma-separated allowed CORS origins (or set CORS_ORIGINS env var)")
	requestsPerMinuteFlag := flag.Int("requests-per-minute", 600, "per-IP request limit for /api/v1, 0 disables")

	hierarchyBackendFlag := flag.String("hierarchy-backend", backendPostgres, "user hierarchy reads: postgres or neo4j")
	reportingBackendFlag := flag.String("reporting-backend", backendPostgres, "reporting aggregations: postgres or clickhouse")
	mirrorClickHouseFlag := flag.Bool("mirror-clickhouse", false, "mirror rolled up donations into ClickHouse")

	recomputeConcurrencyFlag := flag.Int("recompute-concurrency", 8, "codes recomputed in parallel by recompute-all")
	recomputeRateFlag := flag.Float64("recompute-rate", 0, "codes recomputed per second by recompute-all, 0 is unlimited")

	sentryDSNFlag := flag.String("sentry-dsn", "", "Sentry DSN for hierarchy corruption alerts (or set SENTRY_DSN env var)")

	flag.Parse()

	env.Override(logFormatFlag, "LOG_FORMAT")
	env.Override(listenAddrFlag, "LISTEN_ADDR")
	env.Override(corsOriginsFlag, "CORS_ORIGINS")
	env.Override(sentryDSNFlag, "SENTRY_DSN")

	format, err := logger.ParseFormat(*logFormatFlag)
	if err != nil {
		return err
	}
	log := logger.NewWithOptions(logger.Options{Verbose: *verboseFlag, Format: format})
	log.Info("engine: starting", "version", version, "commit", commit, "env", appEnv)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgCfg := postgres.ConfigFromEnv()
	if postgres.RunMigrationsFromEnv() {
		if err := pgCfg.Validate(); err != nil {
			return fmt.Errorf("invalid postgres config: %w", err)
		}
		if err := postgres.Up(ctx, log, pgCfg.ConnString()); err != nil {
			return fmt.Errorf("failed to run postgres migrations: %w", err)
		}
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
	engineCfg := stores.Config(log)
	engineCfg.RecomputeConcurrency = *recomputeConcurrencyFlag
	if *recomputeRateFlag > 0 {
		engineCfg.RecomputeRate = rate.Limit(*recomputeRateFlag)
	}

	if *hierarchyBackendFlag == backendNeo4j {
		graph, closeGraph, err := openGraph(ctx, log)
		if err != nil {
			return err
		}
		defer closeGraph()
		engineCfg.Directory = graph
	} else if *hierarchyBackendFlag != backendPostgres {
		return fmt.Errorf("unknown hierarchy backend %q", *hierarchyBackendFlag)
	}

	if *reportingBackendFlag == backendClickHouse || *mirrorClickHouseFlag {
		analytics, closeAnalytics, err := openAnalytics(ctx, log)
		if err != nil {
			return err
		}
		defer closeAnalytics()
		if *reportingBackendFlag == backendClickHouse {
			engineCfg.Reports = analytics
		}
		if *mirrorClickHouseFlag {
			engineCfg.Analytics = analytics
		}
	} else if *reportingBackendFlag != backendPostgres {
		return fmt.Errorf("unknown reporting backend %q", *reportingBackendFlag)
	}

	if *sentryDSNFlag != "" {
		notifier, err := alerting.NewSentry(alerting.SentryConfig{
			Logger:      log,
			DSN:         *sentryDSNFlag,
			Environment: appEnv,
			Release:     version,
		})
		if err != nil {
			return err
		}
		defer notifier.Flush(2 * time.Second)
		engineCfg.Notifier = notifier
	}

	eng, err := engine.New(engineCfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	var origins []string
	for _, o := range strings.Split(*corsOriginsFlag, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	srv, err := server.New(server.Config{
		Logger:            log,
		ListenAddr:        *listenAddrFlag,
		ShutdownTimeout:   *shutdownTimeoutFlag,
		VersionInfo:       server.VersionInfo{Version: version, Commit: commit, Date: date},
		API:               eng,
		Ready:             pool,
		CORSOrigins:       origins,
		RequestsPerMinute: *requestsPerMinuteFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Run(ctx)
}

func openGraph(ctx context.Context, log *slog.Logger) (*hierarchy.Graph, func(), error) {
	cfg := neo4j.Config{ReadOnly: true}
	cfg.ApplyEnv()
	client, err := neo4j.NewClient(ctx, log, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to neo4j: %w", err)
	}
	graph, err := hierarchy.NewGraph(hierarchy.GraphConfig{Logger: log, Neo4j: client})
	if err != nil {
		_ = client.Close(ctx)
		return nil, nil, err
	}
	return graph, func() { _ = client.Close(context.Background()) }, nil
}

func openAnalytics(ctx context.Context, log *slog.Logger) (*ledger.AnalyticsStore, func(), error) {
	var cfg clickhouse.Config
	cfg.ApplyEnv()
	client, err := clickhouse.NewClient(ctx, log, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	store, err := ledger.NewAnalyticsStore(ledger.AnalyticsConfig{Logger: log, ClickHouse: client})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, func() { _ = client.Close() }, nil
}
