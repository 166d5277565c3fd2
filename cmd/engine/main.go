// Copyright 2025 James Ross
// Command engine runs the always-on background half of the workflow
// execution engine: schema bootstrap, the Reclaimer sweep, the
// Transition Controller's catalog refresh, and queue-depth metrics.
// The Queue Manager itself is a library called directly by cmd/worker
// and cmd/admin-api against the same Postgres/Redis; this process owns
// no request path of its own besides /metrics, /healthz and /readyz.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/sowers-io/bosca-sub001/internal/config"
	"github.com/sowers-io/bosca-sub001/internal/durablestore"
	"github.com/sowers-io/bosca-sub001/internal/obs"
	"github.com/sowers-io/bosca-sub001/internal/queuestore"
	"github.com/sowers-io/bosca-sub001/internal/reclaimer"
	"github.com/sowers-io/bosca-sub001/internal/redisclient"
	"github.com/sowers-io/bosca-sub001/internal/transition"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("open postgres", obs.Err(err))
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := durablestore.CreateSchema(ctx, db); err != nil {
		logger.Fatal("create schema", obs.Err(err))
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()
	qs := queuestore.New(rdb)

	catalog := transition.NewCatalog()
	if err := catalog.Load(ctx, db); err != nil {
		logger.Fatal("load transition catalog", obs.Err(err))
	}
	go reloadCatalogPeriodically(ctx, catalog, db, cfg.Transition.CatalogReloadInterval, logger)

	rc := reclaimer.New(qs, logger, cfg.Reclaimer.Interval)
	go rc.Run(ctx)

	go sampleQueueDepth(ctx, qs, cfg.Worker.Queues, logger)

	readyCheck := func(c context.Context) error {
		if err := db.PingContext(c); err != nil {
			return err
		}
		return rdb.Ping(c).Err()
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()

	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(5 * time.Second):
	}
}

func reloadCatalogPeriodically(ctx context.Context, catalog *transition.Catalog, db *sql.DB, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := catalog.Load(ctx, db); err != nil {
				logger.Warn("transition catalog reload failed", obs.Err(err))
			}
		}
	}
}

func sampleQueueDepth(ctx context.Context, qs *queuestore.Store, queues []string, logger *zap.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				if n, err := qs.PendingLength(ctx, q); err != nil {
					logger.Debug("pending length poll error", obs.String("queue", q), obs.Err(err))
				} else {
					obs.QueueLength.WithLabelValues(q).Set(float64(n))
				}
				if n, err := qs.RunningLength(ctx, q); err != nil {
					logger.Debug("running length poll error", obs.String("queue", q), obs.Err(err))
				} else {
					obs.QueueRunningLength.WithLabelValues(q).Set(float64(n))
				}
			}
		}
	}
}
