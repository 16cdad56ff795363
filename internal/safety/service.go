// Package safety implements the Safety Service: the system's
// watchdog, interlock evaluator, PIN authority, and emergency-stop
// orchestrator. It is the concrete implementer the Entity Control
// Service's entity.InterlockChecker and entity.AuthChecker interfaces are
// written against, wired together only at the composition root.
package safety

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
	"github.com/coachrun/rvc-core/infrastructure/fallback"
	"github.com/coachrun/rvc-core/infrastructure/logging"
	"github.com/coachrun/rvc-core/infrastructure/metrics"
	"github.com/coachrun/rvc-core/infrastructure/worker"
	"github.com/coachrun/rvc-core/internal/config"
	"github.com/coachrun/rvc-core/internal/entity"
	"github.com/coachrun/rvc-core/internal/registry"
	"github.com/coachrun/rvc-core/internal/security/attempts"
	authsession "github.com/coachrun/rvc-core/internal/security/session"
)

// snapshotCacheTTL bounds how stale a degraded-mode entity read may be
// before EntitySnapshot treats it as unavailable rather than serving it.
const snapshotCacheTTL = 2 * time.Minute

// Kernel is the narrow slice of registry.Kernel the Safety Service needs:
// the aggregated health view for the watchdog loop and the safety-aware
// module set for emergency-stop broadcast. Expressed as an interface so
// the Safety Service never holds a back-reference to the full Kernel
// after init returns.
type Kernel interface {
	AggregateHealth() []registry.ModuleHealth
	Registry() *registry.Registry
}

// Service is the Safety Service: the only L4 component every other
// safety-aware service ultimately answers to during an emergency stop.
type Service struct {
	log *logging.Logger
	m   *metrics.Metrics

	kernel   Kernel
	mgr      *entity.Manager
	attempts *attempts.Log
	pins     config.PinPolicy
	timeouts config.Timeouts
	signals  SignalSource

	// snapshots serves the last-known-good entity read when the entity
	// manager's own read fails (bus or repository unavailable): the
	// degraded-read path ENTER_SAFE_MODE requires.
	snapshots *fallback.Handler

	watchdog *worker.Worker

	mu          sync.RWMutex
	interlocks  []compiledInterlock
	overridden  map[string]bool // entity id -> override-class PIN session active
	pinMaterial pinStore

	lastHealthyCycle time.Time
	degraded         bool

	sessions sessionStore
	issuer   *authsession.Issuer

	stopped atomic.Bool
}

// NewService constructs the Safety Service over a Kernel handle, an
// entity.Manager (for entity-keyed interlock signals), and policy
// configuration. attemptLog is shared with internal/security/orchestrator
// so PIN failures feed both lockout and risk scoring from one ledger.
func NewService(kernel Kernel, mgr *entity.Manager, policy config.SafetyPolicy, pins config.PinPolicy, timeouts config.Timeouts, attemptLog *attempts.Log, log *logging.Logger, m *metrics.Metrics) *Service {
	issuer, err := authsession.NewRandomIssuer()
	if err != nil {
		// A failure here means the process's random source is broken; fall
		// back to uuid-only session IDs (ValidatePIN tolerates a nil
		// issuer) rather than failing construction outright.
		if log != nil {
			log.WithError(err).Error("safety: session issuer unavailable, PIN sessions will use opaque uuids only")
		}
		issuer = nil
	}
	return &Service{
		log:        log,
		m:          m,
		kernel:     kernel,
		mgr:        mgr,
		attempts:   attemptLog,
		pins:       pins,
		timeouts:   timeouts,
		signals:    newSignalResolver(policy.SignalAliases, entitySignals{mgr: mgr}),
		snapshots:  fallback.NewHandler(fallback.DefaultConfig()),
		interlocks: compile(policy.Interlocks),
		overridden: make(map[string]bool),
		sessions:   newSessionStore(),
		issuer:     issuer,
	}
}

// SetSignalSource prepends src to the interlock signal-resolution chain,
// ahead of the entity-backed source. Used to wire a dedicated vehicle
// signal provider (chassis speed, ignition state) that is not modeled as
// a coach entity.
func (s *Service) SetSignalSource(src SignalSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.signals.(*signalResolver); ok {
		r.sources = append([]SignalSource{src}, r.sources...)
		return
	}
	s.signals = src
}

// Name identifies this module to the Service Registry.
func (s *Service) Name() string { return "safety_service" }

// Domain reports the registry domain this module belongs to.
func (s *Service) Domain() string { return "safety" }

// Start launches the watchdog loop, which polls the Service Registry's
// aggregated health every health interval.
func (s *Service) Start(ctx context.Context) error {
	s.lastHealthyCycle = time.Now()
	interval := s.timeouts.Health
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s.watchdog = worker.New(worker.Config{
		Name:     "safety_watchdog",
		Interval: interval,
		Fn:       s.watchdogCycle,
		OnError: func(name string, err error) {
			if s.log != nil {
				s.log.WithError(err).Error("safety: watchdog cycle error")
			}
		},
	})
	return s.watchdog.Start(context.Background())
}

// Stop halts the watchdog loop.
func (s *Service) Stop(ctx context.Context) error {
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	return nil
}

// SafetyClassification reports CRITICAL: the Safety Service is itself the
// arbiter of every other service's emergency-stop behavior.
func (s *Service) SafetyClassification() registry.SafetyClassification {
	return registry.ClassCritical
}

// EmergencyStopAction reports ENTER_SAFE_MODE: the Safety Service does not
// stop itself, it enters a posture where only PIN-authorized reset can
// clear the global flag.
func (s *Service) EmergencyStopAction() registry.EmergencyStopAction {
	return registry.ActionEnterSafeMode
}

// EmergencyStop satisfies registry.SafetyAware for the Safety Service's
// own entry in the broadcast; the Safety Service is also the orchestrator
// that invokes this same method on every other safety-aware module.
func (s *Service) EmergencyStop(ctx context.Context, reason string) (registry.EmergencyStopOutcome, error) {
	s.stopped.Store(true)
	return registry.EmergencyStopOutcome{
		Service: s.Name(),
		Action:  registry.ActionEnterSafeMode,
		Result:  "safe_mode",
		At:      time.Now().UTC(),
	}, nil
}

// SafetyStatus reports current posture.
func (s *Service) SafetyStatus() registry.SafetyStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return registry.SafetyStatus{
		Healthy:          !s.degraded,
		EmergencyStopped: s.stopped.Load(),
	}
}

// watchdogCycle polls the registry's aggregate health, resetting the
// watchdog timer on success and driving DEGRADED/emergency-stop on
// failure.
func (s *Service) watchdogCycle(ctx context.Context) error {
	health := s.kernel.AggregateHealth()

	wdogLimit := s.timeouts.Watchdog
	if wdogLimit <= 0 {
		wdogLimit = 15 * time.Second
	}

	var criticalFailed []string
	for _, h := range health {
		if h.Status == registry.StatusFailed {
			criticalFailed = append(criticalFailed, h.Name)
		}
	}

	s.mu.Lock()
	if time.Since(s.lastHealthyCycle) > wdogLimit {
		s.degraded = true
		if s.m != nil {
			s.m.RecordWatchdogLapse()
		}
		if s.log != nil {
			s.log.WithFields(map[string]any{"limit": wdogLimit}).Warn("safety: watchdog lapsed")
		}
	} else {
		s.degraded = false
	}
	s.lastHealthyCycle = time.Now()
	s.mu.Unlock()

	if !s.degraded {
		s.refreshSnapshotCache()
	}

	if len(criticalFailed) > 0 {
		reason := "critical service failure: " + criticalFailed[0]
		if _, err := s.TriggerEmergencyStop(ctx, reason); err != nil && s.log != nil {
			s.log.WithError(err).Error("safety: emergency-stop orchestration failed")
		}
	}
	return nil
}

// TriggerEmergencyStop runs the full emergency-stop protocol:
// set the global flag, call EmergencyStop on every safety-aware module in
// parallel with a bounded timeout, collect outcomes, and record an
// immutable audit entry. It returns the per-service outcomes even when
// some fail, since shutdown continuation is the point of the protocol.
func (s *Service) TriggerEmergencyStop(ctx context.Context, reason string) ([]registry.EmergencyStopOutcome, error) {
	s.stopped.Store(true)

	s.recordAudit(ctx, registry.AuditEvent{
		Actor:      "system",
		Action:     "emergency_stop_initiated",
		Resource:   "safety_service",
		ResourceID: reason,
		Outcome:    "initiated",
		Details:    map[string]any{"reason": reason},
		Compliance: true,
	})

	modules := s.kernel.Registry().SafetyAwareModules()
	timeout := s.timeouts.EmergencyStop
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	outcomes := make([]registry.EmergencyStopOutcome, len(modules))
	g, gctx := errgroup.WithContext(ctx)
	for i, mod := range modules {
		i, mod := i, mod
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			out, err := mod.EmergencyStop(cctx, reason)
			if err != nil {
				out = registry.EmergencyStopOutcome{Service: mod.Name(), Result: "error", At: time.Now().UTC()}
			}
			outcomes[i] = out
			return nil // individual failures don't abort the broadcast
		})
	}
	_ = g.Wait()

	if s.m != nil {
		s.m.RecordEmergencyStop(reason)
	}
	if s.log != nil {
		s.log.WithFields(map[string]any{"reason": reason, "services": len(outcomes)}).Error("safety: emergency stop executed")
	}

	details := make(map[string]any, len(outcomes))
	for _, o := range outcomes {
		details[o.Service] = o.Result
	}
	s.recordAudit(ctx, registry.AuditEvent{
		Actor:      "system",
		Action:     "emergency_stop_complete",
		Resource:   "safety_service",
		ResourceID: reason,
		Outcome:    "complete",
		Details:    details,
		Compliance: true,
	})
	return outcomes, nil
}

// recordAudit persists an immutable compliance entry through every audit
// engine registered with the Service Registry (ordinarily exactly one: the
// Postgres-backed security audit repository). Safety never holds its own
// repository reference; the registry lookup is the one sanctioned
// back-channel, and a write failure is logged, never returned, since the
// emergency-stop protocol that calls this must still complete.
func (s *Service) recordAudit(ctx context.Context, event registry.AuditEvent) {
	if s.kernel == nil {
		return
	}
	reg := s.kernel.Registry()
	if reg == nil {
		return
	}
	for _, ae := range reg.AuditEngines() {
		if err := ae.LogAuditEvent(ctx, event); err != nil && s.log != nil {
			s.log.WithError(err).Warn("safety: audit write failed")
		}
	}
}

// ResetEmergencyStop clears the global flag. Reset requires an
// override-class operator PIN and explicit confirmation; the audit trail
// is left intact.
func (s *Service) ResetEmergencyStop(ctx context.Context, principal, pin string, confirm bool) error {
	if !confirm {
		return rvcerrors.New(rvcerrors.InvalidInput, "emergency stop reset requires explicit confirmation")
	}
	if _, err := s.ValidatePIN(ctx, principal, pin, config.PinOverride, ""); err != nil {
		s.recordSafetyOp(principal, "emergency_stop_reset", false)
		return err
	}
	s.recordSafetyOp(principal, "emergency_stop_reset", true)
	s.stopped.Store(false)
	if s.log != nil {
		s.log.WithFields(map[string]any{"principal": principal}).Warn("safety: emergency stop reset")
	}
	s.recordAudit(ctx, registry.AuditEvent{
		Actor:      principal,
		Action:     "emergency_stop_reset",
		Resource:   "safety_service",
		Outcome:    "reset",
		Compliance: true,
	})
	return nil
}

// GrantOverride marks entityID's interlocks as overridden for the
// duration of the caller's override-class PIN session. Overrides always
// require an override-class PIN and are always audited.
func (s *Service) GrantOverride(ctx context.Context, principal, pin, entityID string) error {
	if _, err := s.ValidatePIN(ctx, principal, pin, config.PinOverride, entityID); err != nil {
		s.recordSafetyOp(principal, "interlock_override", false)
		return err
	}
	s.recordSafetyOp(principal, "interlock_override", true)
	s.mu.Lock()
	s.overridden[entityID] = true
	s.mu.Unlock()
	if s.log != nil {
		s.log.WithFields(map[string]any{"principal": principal, "entity_id": entityID}).Warn("safety: interlock override granted")
	}
	s.recordAudit(ctx, registry.AuditEvent{
		Actor:      principal,
		Action:     "interlock_override_granted",
		Resource:   "entity",
		ResourceID: entityID,
		Outcome:    "granted",
		Compliance: true,
	})
	return nil
}

// recordSafetyOp logs the safety operation itself as a SecurityAttempt,
// distinct from the PIN validation that gated it, so the orchestrator's
// pattern checks see high-impact operations under their own kind.
func (s *Service) recordSafetyOp(principal, op string, ok bool) {
	if s.attempts == nil {
		return
	}
	outcome := attempts.OutcomeFailed
	if ok {
		outcome = attempts.OutcomeSuccess
	}
	s.attempts.Record(attempts.Attempt{
		Principal: principal,
		Kind:      attempts.KindSafetyOp,
		Outcome:   outcome,
		Safety:    true,
	})
	if s.m != nil {
		s.m.RecordSecurityAttempt(op, string(outcome))
	}
}

// refreshSnapshotCache populates the degraded-read cache from a healthy
// watchdog cycle's view of the entity manager, so a later lapse has a
// recent snapshot to fall back to.
func (s *Service) refreshSnapshotCache() {
	if s.mgr == nil {
		return
	}
	for _, ent := range s.mgr.List() {
		s.snapshots.SetCache(ent.ID, ent, snapshotCacheTTL)
	}
}

// EntitySnapshot returns entityID's most recently observed state. It
// prefers a live read through the entity manager; when that read fails —
// the bus or its backing repository unavailable — it serves the last
// snapshot cached during a healthy watchdog cycle instead of failing the
// caller outright. The ENTER_SAFE_MODE posture is this: degrade to
// last-known-good rather than stop answering entirely. fromCache reports whether
// the value came from the cache rather than a live read.
func (s *Service) EntitySnapshot(ctx context.Context, entityID string) (ent entity.Entity, fromCache bool, err error) {
	res := s.snapshots.Execute(ctx,
		func(ctx context.Context) (interface{}, error) {
			if s.mgr == nil {
				return entity.Entity{}, rvcerrors.New(rvcerrors.ServiceUnavailable, "entity manager not configured")
			}
			return s.mgr.Get(entityID)
		},
		func(ctx context.Context) (interface{}, error) {
			cached, ok := s.snapshots.GetCache(entityID)
			if !ok {
				return entity.Entity{}, rvcerrors.New(rvcerrors.NotFound, "no cached snapshot for entity").WithDetails("entity_id", entityID)
			}
			return cached, nil
		},
	)
	if res.Err != nil {
		return entity.Entity{}, false, res.Err
	}
	ent = res.Value.(entity.Entity)
	if res.Source == "primary" {
		s.snapshots.SetCache(entityID, ent, snapshotCacheTTL)
	}
	return ent, res.Source != "primary", nil
}
