// Command rvc-core is the process entry point: it loads configuration,
// wires every L1-L4 component into the Service Registry kernel, and runs
// until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"

	infraconfig "github.com/coachrun/rvc-core/infrastructure/config"
	"github.com/coachrun/rvc-core/infrastructure/logging"
	"github.com/coachrun/rvc-core/infrastructure/metrics"
	"github.com/coachrun/rvc-core/infrastructure/security"
	"github.com/coachrun/rvc-core/infrastructure/worker"
	"github.com/coachrun/rvc-core/internal/analyzer"
	"github.com/coachrun/rvc-core/internal/anomaly"
	"github.com/coachrun/rvc-core/internal/can"
	"github.com/coachrun/rvc-core/internal/codec"
	"github.com/coachrun/rvc-core/internal/config"
	"github.com/coachrun/rvc-core/internal/entity"
	"github.com/coachrun/rvc-core/internal/filter"
	"github.com/coachrun/rvc-core/internal/inject"
	"github.com/coachrun/rvc-core/internal/recorder"
	"github.com/coachrun/rvc-core/internal/registry"
	"github.com/coachrun/rvc-core/internal/repository"
	"github.com/coachrun/rvc-core/internal/safety"
	"github.com/coachrun/rvc-core/internal/security/attempts"
	"github.com/coachrun/rvc-core/internal/security/orchestrator"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the coach configuration file")
	servicesPath := flag.String("services", "", "optional path to the module enable/disable flags")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config %s: %v", *configPath, err)
	}
	svcFlags := infraconfig.LoadServicesConfigOrDefault()
	if *servicesPath != "" {
		svcFlags, err = infraconfig.LoadServicesConfigFromPath(*servicesPath)
		if err != nil {
			log.Fatalf("load services config %s: %v", *servicesPath, err)
		}
	}

	logger := logging.NewFromEnv("rvc-core")
	m := metrics.New("rvc-core")
	startHostStatsSampler(m, logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kernel := registry.NewKernel(registry.WithStartTimeout(15 * time.Second))

	bus := kernel.Bus()
	attemptLog := attempts.New(15*time.Minute, logger)

	var stateCache *repository.StateCache
	var frameCache *repository.FrameCache
	if addr := infraconfig.GetEnv("RVC_REDIS_ADDR", ""); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		stateCache = repository.NewStateCache(client, "rvc:entity:")
		frameCache = repository.NewFrameCache(client, "rvc:recorder:",
			int64(infraconfig.GetEnvInt("RVC_FRAME_CACHE_LIMIT", 10000)))
	}

	// Postgres backs three repositories: entity config (upserted), and the
	// append-only command audit and security audit. All three are optional —
	// a coach can run CAN-only with no persistence backend configured —
	// but once connected, every audit-producing component below is wired
	// to write through them rather than constructing them unused.
	var db *repository.DB
	var entityConfigRepo *repository.EntityConfigRepository
	var cmdAuditRepo *repository.CommandAuditRepository
	var secAuditRepo *repository.SecurityAuditRepository
	if dsn := infraconfig.GetEnv("RVC_POSTGRES_DSN", ""); dsn != "" {
		db, err = repository.Open(dsn)
		if err != nil {
			logger.WithFields(map[string]any{"error": security.SanitizeError(err)}).Fatal("connect postgres")
		}
		defer db.Close()
		if infraconfig.GetEnvBool("RVC_DB_BOOTSTRAP", true) {
			if err := db.Migrate(rootCtx); err != nil {
				logger.WithError(err).Fatal("bootstrap database schema")
			}
		}
		entityConfigRepo = repository.NewEntityConfigRepository(db)
		cmdAuditRepo = repository.NewCommandAuditRepository(db)
		secAuditRepo = repository.NewSecurityAuditRepository(db)
		startRetentionWorker(db, cfg.Retention, secAuditRepo, logger)
	}

	var mgrOpts []entity.ManagerOption
	if stateCache != nil {
		mgrOpts = append(mgrOpts, entity.WithSnapshotCache(stateCache, cfg.Timeouts.Reconcile))
	}
	mgr := entity.NewManager(logger, m, bus, mgrOpts...)
	mgr.Load(cfg.CoachMapping)
	if entityConfigRepo != nil {
		seedEntityConfig(rootCtx, entityConfigRepo, mgr, logger)
	}

	// The CAN Facade's frame handler is only invokable after facade has
	// received its own frameSink dependents, which are themselves
	// constructed over facade — onFrame breaks that cycle by deferring to
	// whatever pipeline func is assigned below before Start ever runs.
	var onFrame can.FrameHandler
	facade := can.NewFacade(cfg.CANInterfaces, cfg.RVCSpec, logger, m, can.WithFrameHandler(
		func(ctx context.Context, frame codec.DecodedFrame) {
			if onFrame != nil {
				onFrame(ctx, frame)
			}
		},
	))

	safetySvc := safety.NewService(kernel, mgr, cfg.Safety, cfg.PinPolicy, cfg.Timeouts, attemptLog, logger, m)
	loadOperatorPINs(safetySvc, logger)

	ctrl := entity.NewControlService(mgr, facade, cfg.CoachMapping, cfg.Timeouts, safetySvc, safetySvc, logger, m)
	if cmdAuditRepo != nil {
		ctrl.SetCommandAuditor(cmdAuditRepo)
	}
	if secAuditRepo != nil {
		ctrl.SetAuditEngine(secAuditRepo)
	}
	inbound := entity.NewInboundHandler(mgr, ctrl)

	classifier := codec.NewClassifier()
	var analyzerSvc *analyzer.Analyzer
	if svcFlags.EnabledOrDefault("protocol_analyzer", true) {
		analyzerSvc = analyzer.New(classifier, bus, logger, m)
	}
	var anomalyDet *anomaly.Detector
	if svcFlags.EnabledOrDefault("anomaly_detector", true) {
		anomalyDet = anomaly.New(cfg.RVCSpec, bus, logger, m)
	}

	var rec *recorder.Recorder
	if svcFlags.EnabledOrDefault("recorder", true) {
		var recOpts []recorder.Option
		if frameCache != nil {
			recOpts = append(recOpts, recorder.WithOverflowStore(frameCache))
		}
		rec = recorder.New(cfg.RecordingsDir, logger, m, recOpts...)
	}

	filterEngine := filter.NewEngine(1000,
		func(rule filter.Rule, frame codec.DecodedFrame) {
			logger.WithFields(map[string]any{"rule": rule.ID, "pgn": frame.PGN}).Warn("filter: alert rule matched")
		},
		func(iface string, frame codec.DecodedFrame) error {
			values := make(map[string]float64, len(frame.Fields))
			for _, f := range frame.Fields {
				values[f.Name] = f.Scaled
			}
			return facade.EncodeAndEnqueue(iface, codec.EncodeRequest{
				PGN: frame.PGN, Priority: frame.Priority, Source: frame.Source,
				Destination: frame.Destination, Values: values,
			})
		},
		logger, m,
	)

	filterEnabled := svcFlags.EnabledOrDefault("message_filter", true)

	onFrame = func(ctx context.Context, frame codec.DecodedFrame) {
		if filterEnabled {
			res := filterEngine.Evaluate(ctx, frame)
			if res.Blocked {
				return
			}
		}
		if analyzerSvc != nil {
			analyzerSvc.Observe(ctx, frame)
		}
		if anomalyDet != nil {
			anomalyDet.Observe(ctx, frame)
		}
		if rec != nil {
			rec.Capture(frame)
		}
		inbound(ctx, frame)
	}

	var auditInjection inject.AuditFunc
	if secAuditRepo != nil {
		auditInjection = func(ctx context.Context, req inject.Request, res inject.Result) {
			outcome := "sent"
			if !res.Success {
				outcome = "blocked"
			}
			event := registry.AuditEvent{
				Actor:      req.Principal,
				Action:     "message_injection",
				Resource:   "can_frame",
				ResourceID: fmt.Sprintf("0x%X", req.CANID),
				Outcome:    outcome,
				Details: map[string]any{
					"reason": req.Reason,
					"mode":   string(req.Mode),
					"sent":   res.MessagesSent,
					"failed": res.MessagesFailed,
				},
			}
			if err := secAuditRepo.LogAuditEvent(ctx, event); err != nil {
				logger.WithError(err).Warn("injector: audit write failed")
			}
		}
	}
	registerModule(kernel, mgr)
	registerModule(kernel, facade, registry.Dep{Name: mgr.Name(), Required: true})
	registerModule(kernel, safetySvc, registry.Dep{Name: mgr.Name(), Required: true})
	registerModule(kernel, ctrl, registry.Dep{Name: mgr.Name(), Required: true}, registry.Dep{Name: facade.Name(), Required: true}, registry.Dep{Name: safetySvc.Name(), Required: true})
	if analyzerSvc != nil {
		registerModule(kernel, analyzerSvc, registry.Dep{Name: facade.Name(), Required: false})
	}
	if anomalyDet != nil {
		registerModule(kernel, anomalyDet, registry.Dep{Name: facade.Name(), Required: false})
	}
	if filterEnabled {
		registerModule(kernel, filterEngine)
	}
	if rec != nil {
		registerModule(kernel, rec, registry.Dep{Name: facade.Name(), Required: false})
	}
	if svcFlags.EnabledOrDefault("message_injector", true) {
		injector := inject.New(facade, cfg.Safety, inject.LevelModerate, auditInjection, logger, m)
		registerModule(kernel, injector, registry.Dep{Name: facade.Name(), Required: true})
	}
	if svcFlags.EnabledOrDefault("security_event_orchestrator", true) {
		secOrchestrator := orchestrator.NewService(attemptLog, bus, 15*time.Minute, logger, m)
		registerModule(kernel, secOrchestrator)
	}
	if secAuditRepo != nil {
		registerModule(kernel, secAuditRepo)
	}
	for _, name := range svcFlags.DisabledServices() {
		logger.WithFields(map[string]any{"service": name}).Info("module disabled by services config")
	}

	if err := kernel.StartupAll(rootCtx); err != nil {
		logger.WithError(err).Fatal("service registry startup failed")
	}
	logger.WithFields(map[string]any{"config": *configPath}).Info("rvc-core started")

	<-rootCtx.Done()
	logger.WithFields(nil).Info("shutdown signal received")

	shutdownTimeout := 10 * time.Second
	if d, ok := infraconfig.ParseEnvDuration("RVC_SHUTDOWN_TIMEOUT"); ok {
		shutdownTimeout = d
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := kernel.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
}

// registerModule registers mod with kernel, exiting the process on a
// registration error (duplicate name or a dependency cycle) since either
// indicates a composition-root bug, not a runtime condition to recover
// from.
func registerModule(kernel *registry.Kernel, mod registry.ServiceModule, deps ...registry.Dep) {
	if err := kernel.Register(mod, deps...); err != nil {
		log.Fatalf("register %s: %v", mod.Name(), err)
	}
}

// seedEntityConfig applies any persisted management overrides on top of
// the entity set Manager.Load just built from the coach-mapping YAML, then
// persists the merged definitions back. the entity ownership rule —
// "destroyed only by explicit management operation" — is what
// EntityConfigRepository's Controllable column records: a value an
// operator changed after boot must survive a coach-mapping reload, which
// otherwise recomputes Controllable from CommandPGN alone. On an empty
// table (first boot) this just mirrors the YAML-derived defaults back into
// Postgres, so subsequent restarts have something to read.
func seedEntityConfig(ctx context.Context, repo *repository.EntityConfigRepository, mgr *entity.Manager, logger *logging.Logger) {
	records, err := repo.List(ctx)
	if err != nil {
		logger.WithError(err).Warn("entity config: failed to load persisted overrides")
	} else {
		overrides := make(map[string]bool, len(records))
		for _, rec := range records {
			overrides[rec.EntityID] = rec.Controllable
		}
		mgr.ApplyControllableOverrides(overrides)
	}

	now := time.Now()
	for _, ent := range mgr.List() {
		rec := repository.EntityConfigRecord{
			EntityID:     ent.ID,
			Kind:         string(ent.Kind),
			Name:         ent.Name,
			DeviceID:     ent.DeviceID,
			Instance:     ent.Instance,
			Controllable: ent.Controllable,
			UpdatedAt:    now,
		}
		if err := repo.Upsert(ctx, rec); err != nil {
			logger.WithError(err).Warn("entity config: failed to persist entity definition")
		}
	}
}

// loadOperatorPINs reads each PIN class's plaintext material from its
// environment variable and hashes it once at boot. A class left unset
// stays unvalidatable (ValidatePIN fails closed), which is the safe
// default for a coach shipped without operator-configured PINs.
func loadOperatorPINs(svc *safety.Service, logger *logging.Logger) {
	classes := map[config.PinClass]string{
		config.PinEmergency:   infraconfig.GetEnv("RVC_PIN_EMERGENCY", ""),
		config.PinOverride:    infraconfig.GetEnv("RVC_PIN_OVERRIDE", ""),
		config.PinMaintenance: infraconfig.GetEnv("RVC_PIN_MAINTENANCE", ""),
	}
	hashes := make(map[config.PinClass]string, len(classes))
	for class, plain := range classes {
		if plain == "" {
			logger.WithFields(map[string]any{"class": class}).Warn("safety: no PIN configured for class")
			continue
		}
		hash, err := safety.HashPIN(plain)
		if err != nil {
			logger.WithError(err).Fatal("hash operator PIN")
		}
		hashes[class] = hash
	}
	svc.SetPINs(hashes)
}

// startHostStatsSampler refreshes the performance monitor's host CPU/mem
// gauges every 10s for the life of the process; it is never registered
// with the Service Registry since it has no dependents and nothing in its
// failure mode warrants health tracking.
func startHostStatsSampler(m *metrics.Metrics, logger *logging.Logger) {
	w := worker.New(worker.Config{
		Name:     "host_stats_sampler",
		Interval: 10 * time.Second,
		Fn: func(ctx context.Context) error {
			return m.SampleHostStats()
		},
		OnError: func(name string, err error) {
			logger.WithError(err).Warn("metrics: host stats sample failed")
		},
	})
	_ = w.Start(context.Background())
}

// startRetentionWorker schedules the daily prune of entity history and
// security audit rows older than the configured retention windows. It
// runs on a wall-clock cron schedule ("0 2 * * *", 02:00 daily)
// rather than worker.Worker's since-boot ticker, so the sweep lands at a
// predictable low-traffic hour regardless of process start time.
func startRetentionWorker(db *repository.DB, policy config.RetentionPolicy, secAudit *repository.SecurityAuditRepository, logger *logging.Logger) {
	history := repository.NewHistoryRepository(db)

	runSweep := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		cutoff := time.Now().AddDate(0, 0, -policy.HistoryDays)
		if _, err := history.DeleteOlderThan(ctx, cutoff); err != nil {
			logger.WithError(err).Error("retention cleanup: history prune failed")
			return
		}
		if _, err := secAudit.DeleteExpired(ctx, time.Now(),
			time.Duration(policy.SecurityAuditDays)*24*time.Hour,
			time.Duration(policy.SecurityAuditComplianceDays)*24*time.Hour); err != nil {
			logger.WithError(err).Error("retention cleanup: security audit prune failed")
		}
	}

	c := cron.New()
	if _, err := c.AddFunc("0 2 * * *", runSweep); err != nil {
		logger.WithError(err).Error("retention cleanup: failed to schedule cron sweep")
		return
	}
	c.Start()
}
