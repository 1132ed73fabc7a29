// Command engine is the Provider Integration Engine's entrypoint: it wires
// configuration, the canonical store, the rate limiter, the Sync Executor,
// the Discovery Worker, the Event-Driven Scheduler, and the metrics surface
// into a system.Manager and runs until signalled to stop.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/raceops/provider-engine/internal/provider/haku"
	_ "github.com/raceops/provider-engine/internal/provider/runsignup"

	"github.com/raceops/provider-engine/internal/checkpoint"
	"github.com/raceops/provider-engine/internal/config"
	"github.com/raceops/provider-engine/internal/discovery"
	"github.com/raceops/provider-engine/internal/domain"
	"github.com/raceops/provider-engine/internal/lockfile"
	"github.com/raceops/provider-engine/internal/logging"
	"github.com/raceops/provider-engine/internal/metrics"
	"github.com/raceops/provider-engine/internal/platform/database"
	"github.com/raceops/provider-engine/internal/platform/migrations"
	"github.com/raceops/provider-engine/internal/ratelimit"
	"github.com/raceops/provider-engine/internal/scheduler"
	"github.com/raceops/provider-engine/internal/store/postgres"
	"github.com/raceops/provider-engine/internal/sync"
	"github.com/raceops/provider-engine/internal/system"
)

func main() {
	mode := flag.String("mode", "scheduler", "run mode: scheduler|discover-only|once|backfill")
	forceFull := flag.Bool("force-full", false, "force a full sync regardless of the decision procedure")
	horizonDays := flag.Int("incremental-horizon-days", 0, "override the incremental horizon in days (0 = use config)")
	partnerID := flag.String("partner", "", "restrict scheduling/backfill to a single partner id")
	onceEvent := flag.String("event", "", "partner|provider|event_id to sync once (mode=once)")
	backfillRunID := flag.String("backfill-run-id", "", "run id identifying this backfill's checkpoint; a fresh one is seeded if none exists (mode=backfill)")
	backfillDryRun := flag.Bool("backfill-dry-run", false, "mode=backfill: log the work list without syncing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *horizonDays > 0 {
		cfg.Scheduler.IncrementalHorizonDays = *horizonDays
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output})

	rootCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	db, err := database.Open(rootCtx, cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("connect to database")
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(rootCtx, db); err != nil {
			logger.WithError(err).Fatal("apply migrations")
		}
	}

	st := postgres.New(db)
	if err := st.CheckConstraints(rootCtx); err != nil {
		logger.WithError(err).Fatal("schema constraint check failed")
	}

	// Per-provider bucket sizes from spec.md section 4.2: RunSignUp allows
	// 1000 calls/hour per credential, Haku allows 500. Any provider not
	// listed here falls back to the configured default bucket.
	perProviderLimits := map[string]ratelimit.Config{
		"runsignup": {RequestsPerHour: 1000, Burst: cfg.RateLimit.Burst},
		"haku":      {RequestsPerHour: 500, Burst: cfg.RateLimit.Burst},
	}
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerHour: cfg.RateLimit.RequestsPerSecond * 3600,
		Burst:           cfg.RateLimit.Burst,
	}, perProviderLimits)
	warmStartLimiter(rootCtx, logger, st, limiter)

	metrics.Global() // registers collectors against the default Prometheus registry

	manager := system.NewManager()

	snapshotter := ratelimit.NewSnapshotter(limiter, st, cfg.RateLimit.SnapshotIntervalDuration())
	registerOrFatal(logger, manager, snapshotter)

	executor := sync.New(st, limiter, logger.Component("sync-executor"), db)

	metricsServer := metrics.NewServer(cfg.Metrics.ListenAddr, logger.Component("metrics-server"))
	metricsServer.RegisterHealthCheck("database", func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	registerOrFatal(logger, manager, metricsServer)

	switch *mode {
	case "once":
		runOnce(rootCtx, logger, executor, *onceEvent, *forceFull, cfg.Scheduler.IncrementalHorizonDays)
	case "discover-only":
		worker := discovery.New(st, limiter, logger.Component("discovery-worker"), cfg.Discovery.Schedule)
		if err := worker.RunOnce(rootCtx); err != nil {
			logger.WithError(err).Fatal("discovery run failed")
		}
	case "backfill":
		runBackfill(rootCtx, logger, db, st, executor, *backfillRunID, *partnerID, *backfillDryRun)
	case "scheduler":
		runScheduler(rootCtx, cfg, logger, manager, st, executor, limiter, *forceFull, *partnerID)
	default:
		logger.Fatal("unknown mode: " + *mode)
	}
}

func runScheduler(ctx context.Context, cfg *config.Config, logger *logging.Logger, manager *system.Manager, st *postgres.Store, executor *sync.Executor, limiter *ratelimit.Limiter, forceFull bool, partnerID string) {
	if cfg.Discovery.Enabled {
		worker := discovery.New(st, limiter, logger.Component("discovery-worker"), cfg.Discovery.Schedule)
		registerOrFatal(logger, manager, worker)
	}

	lock := lockfile.New(cfg.Lock.Path)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.CycleInterval = cfg.Scheduler.CycleIntervalDuration()
	schedCfg.Workers = cfg.Scheduler.Workers
	schedCfg.MaxConcurrentPerPartner = cfg.Scheduler.MaxConcurrentPerPartner
	schedCfg.IncrementalHorizonDays = cfg.Scheduler.IncrementalHorizonDays
	schedCfg.ForceFull = forceFull
	schedCfg.PartnerID = partnerID
	schedCfg.High.Cap = cfg.Scheduler.HighBandCap
	schedCfg.Medium.Cap = cfg.Scheduler.MediumBandCap
	schedCfg.Low.Cap = cfg.Scheduler.LowBandCap

	sched := scheduler.New(st, executor, lock, logger.Component("scheduler"), schedCfg)
	registerOrFatal(logger, manager, sched)

	if err := manager.Start(ctx); err != nil {
		logger.WithError(err).Fatal("start engine")
	}
	logger.Info("provider engine running")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Fatal("shutdown")
	}
}

func registerOrFatal(logger *logging.Logger, manager *system.Manager, svc system.Service) {
	if err := manager.Register(svc); err != nil {
		logger.WithError(err).Fatal("register " + svc.Name())
	}
}

func warmStartLimiter(ctx context.Context, logger *logging.Logger, st *postgres.Store, limiter *ratelimit.Limiter) {
	snapshots, err := st.LoadRateLimitSnapshots(ctx)
	if err != nil {
		logger.WithError(err).Warn("load rate limit snapshots failed, starting cold")
		return
	}
	for partnerID, byProvider := range snapshots {
		for providerID, tokens := range byProvider {
			limiter.SetSnapshot(partnerID, providerID, tokens)
		}
	}
}

func runOnce(ctx context.Context, logger *logging.Logger, executor *sync.Executor, eventSpec string, forceFull bool, horizonDays int) {
	parts := strings.SplitN(eventSpec, "|", 3)
	if len(parts) != 3 {
		logger.Fatal("mode=once requires -event=partner|provider|event_id")
	}
	eventRef := domain.EventRef{PartnerID: parts[0], ProviderID: parts[1], ProviderEventID: parts[2]}
	opts := sync.Options{ForceFull: forceFull, IncrementalHorizonDays: horizonDays}
	if err := executor.Run(ctx, eventRef, opts); err != nil {
		logger.WithError(err).Fatal("sync failed")
	}
}

func runBackfill(ctx context.Context, logger *logging.Logger, db *sql.DB, st *postgres.Store, executor *sync.Executor, runID, partnerID string, dryRun bool) {
	if runID == "" {
		logger.Fatal("mode=backfill requires -backfill-run-id")
	}

	// The ordered work list is computed at job start (spec.md section 4.7);
	// Runner.Run only uses it to seed a fresh checkpoint when runID has none
	// yet, so recomputing it on every invocation is harmless on resume.
	pairs, err := st.BackfillWorkList(ctx, partnerID)
	if err != nil {
		logger.WithError(err).Fatal("compute backfill work list")
	}

	checkpoints := checkpoint.New(db)
	runner := checkpoint.NewRunner(checkpoints, executor, logger.Component("backfill-runner"))
	if err := runner.Run(ctx, runID, pairs, dryRun); err != nil {
		logger.WithError(err).Fatal("backfill run failed")
	}
}
