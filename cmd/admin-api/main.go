// Copyright 2025 James Ross
// Command admin-api hosts the engine's external HTTP surface: plan and
// queue introspection plus the Transition Controller's operations, for
// callers outside this process per spec.md's "external collaborator"
// boundary.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/sowers-io/bosca-sub001/internal/adminapi"
	"github.com/sowers-io/bosca-sub001/internal/config"
	"github.com/sowers-io/bosca-sub001/internal/durablestore"
	"github.com/sowers-io/bosca-sub001/internal/events"
	"github.com/sowers-io/bosca-sub001/internal/obs"
	"github.com/sowers-io/bosca-sub001/internal/queuemanager"
	"github.com/sowers-io/bosca-sub001/internal/queuestore"
	"github.com/sowers-io/bosca-sub001/internal/redisclient"
	"github.com/sowers-io/bosca-sub001/internal/transition"
)

var version = "dev"

func main() {
	var configPath string
	var listenAddr string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&listenAddr, "listen", ":8080", "Address for the admin API surface")
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

	ds := durablestore.New(db)
	qs := queuestore.New(rdb)
	qm := queuemanager.New(ds, qs, logger, cfg.Worker.LeaseTTL, cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)

	bus := events.NewBus(logger)
	qm.SetEventBus(bus)

	catalog := transition.NewCatalog()
	if err := catalog.Load(ctx, db); err != nil {
		logger.Fatal("load transition catalog", obs.Err(err))
	}
	transitionStore := transition.NewStore(db)
	controller := transition.NewController(qm, catalog, transitionStore, ds, logger)
	controller.SetEventBus(bus)
	go reloadCatalogPeriodically(ctx, catalog, db, cfg.Transition.CatalogReloadInterval)

	api := adminapi.NewServer(qm, ds, qs, controller, logger)
	mux := http.NewServeMux()
	mux.Handle("/v1/", api.Routes())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, fmt.Sprintf("not ready: %v", err), http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, fmt.Sprintf("not ready: %v", err), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		logger.Info("admin-api listening", obs.String("addr", listenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("admin-api server error", obs.Err(err))
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

func reloadCatalogPeriodically(ctx context.Context, catalog *transition.Catalog, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = catalog.Load(ctx, db)
		}
	}
}
