// Copyright 2025 James Ross
// Command worker runs the reference worker harness: it dequeues jobs
// for the configured queues and drives each through a registered
// activity, exercising the engine's own Dequeue/Checkin/Complete/Fail
// surface the way any external worker process would.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/sowers-io/bosca-sub001/internal/config"
	"github.com/sowers-io/bosca-sub001/internal/durablestore"
	"github.com/sowers-io/bosca-sub001/internal/events"
	"github.com/sowers-io/bosca-sub001/internal/obs"
	"github.com/sowers-io/bosca-sub001/internal/queuemanager"
	"github.com/sowers-io/bosca-sub001/internal/queuestore"
	"github.com/sowers-io/bosca-sub001/internal/redisclient"
	"github.com/sowers-io/bosca-sub001/internal/transition"
	"github.com/sowers-io/bosca-sub001/internal/workerharness"
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

	ds := durablestore.New(db)
	qs := queuestore.New(rdb)
	qm := queuemanager.New(ds, qs, logger, cfg.Worker.LeaseTTL, cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
	bus := events.NewBus(logger)
	qm.SetEventBus(bus)

	catalog := transition.NewCatalog()
	if err := catalog.Load(ctx, db); err != nil {
		logger.Fatal("load transition catalog", obs.Err(err))
	}
	controller := transition.NewController(qm, catalog, transition.NewStore(db), ds, logger)
	controller.SetEventBus(bus)

	registry := workerharness.NewActivityRegistry()
	registerDelayedTransitionResume(registry, controller, cfg.Worker.Queues)

	readyCheck := func(c context.Context) error {
		if err := db.PingContext(c); err != nil {
			return err
		}
		return rdb.Ping(c).Err()
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	h := workerharness.New(qm, registry, logger, workerharness.Config{
		Queues:                  cfg.Worker.Queues,
		CountPerQueue:           cfg.Worker.CountPerQueue,
		DequeueIdle:             cfg.Worker.DequeueIdle,
		CheckinEvery:            cfg.Worker.CheckinEvery,
		BreakerWindow:           cfg.CircuitBreaker.Window,
		BreakerCooldown:         cfg.CircuitBreaker.CooldownPeriod,
		BreakerFailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		BreakerMinSamples:       cfg.CircuitBreaker.MinSamples,
	})

	go func() {
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
	}()

	h.Run(ctx)
}

// registerDelayedTransitionResume wires the well-known delayed_transition
// activity to Controller.Resume for any configured queue matching one of
// the two meta-workflow ids, so this worker process can service its own
// engine's scheduled transitions out of the box. The item id resuming is
// whichever content reference (metadata or collection) the plan carries,
// following the convention that BeginTransitionRequest.ItemID is that
// same reference.
func registerDelayedTransitionResume(registry *workerharness.ActivityRegistry, controller *transition.Controller, queues []string) {
	for _, queue := range queues {
		var kind transition.ItemKind
		switch queue {
		case transition.MetadataDelayedTransitionWorkflowID:
			kind = transition.ItemKindMetadata
		case transition.CollectionDelayedTransitionWorkflowID:
			kind = transition.ItemKindCollection
		default:
			continue
		}
		registry.Register(queue, transition.DelayedTransitionActivityID, func(ctx context.Context, job queuemanager.Job) (json.RawMessage, error) {
			var itemID uuid.UUID
			switch kind {
			case transition.ItemKindMetadata:
				if job.MetadataID == nil {
					return nil, errors.New("delayed_transition job missing metadata_id")
				}
				itemID = *job.MetadataID
			case transition.ItemKindCollection:
				if job.CollectionID == nil {
					return nil, errors.New("delayed_transition job missing collection_id")
				}
				itemID = *job.CollectionID
			}
			return nil, controller.Resume(ctx, itemID, kind)
		})
	}
}
