package entity

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
	"github.com/coachrun/rvc-core/infrastructure/logging"
	"github.com/coachrun/rvc-core/infrastructure/metrics"
	"github.com/coachrun/rvc-core/infrastructure/worker"
	"github.com/coachrun/rvc-core/internal/codec"
	"github.com/coachrun/rvc-core/internal/config"
	"github.com/coachrun/rvc-core/internal/registry"
)

// TopicCommandConfirmed/Rollback are published once a command resolves.
const (
	TopicCommandConfirmed = "command_confirmed"
	TopicCommandRollback  = "command_rollback"
)

// frameSink is the slice of can.Facade the Control Service needs: encode a
// request and enqueue it on a named interface. Expressed as an interface
// (not internal/can.Facade directly) so the control pipeline can be tested
// against a fake: services depend on a narrow capability, not a concrete
// sibling service.
type frameSink interface {
	EncodeAndEnqueue(iface string, req codec.EncodeRequest) error
}

// InterlockChecker evaluates safety interlocks before a control request
// proceeds. Implemented by internal/safety and injected at
// construction, never imported directly, to keep Entity Control Service and
// Safety Service (both L4) decoupled from each other's internals.
type InterlockChecker interface {
	CheckInterlock(ctx context.Context, entityID string, desired State) error
}

// AuthChecker enforces PIN/scope authorization for a control request.
// Implemented by internal/safety.
type AuthChecker interface {
	CheckScope(ctx context.Context, principal string, entityID string) error
}

// AuditRecorder persists one immutable compliance-audit entry; any error
// observed inside a safety-critical path is published to the security
// audit as well as returned. *internal/repository.
// SecurityAuditRepository satisfies this directly via its broader
// registry.AuditEngine interface.
type AuditRecorder interface {
	LogAuditEvent(ctx context.Context, event registry.AuditEvent) error
}

// CommandAuditor persists one append-only command-lifecycle row, keyed by
// (entity id, timestamp).
// *internal/repository.CommandAuditRepository satisfies this directly.
type CommandAuditor interface {
	Append(ctx context.Context, entityID, principal string, desired any, status string, issuedAt time.Time) error
}

// ControlRequest is a caller's desired mutation of one entity.
type ControlRequest struct {
	EntityID  string
	Desired   State
	Fields    map[string]bool // which State fields the caller actually set
	Principal string
}

// ControlService is the Entity Control Service:
// the validated command-dispatch pipeline (resolve -> capability check ->
// interlock -> auth -> encode -> enqueue -> track -> optimistic apply ->
// broadcast) plus the reconciliation/rollback sweep that keeps optimistic
// state honest against bus ground truth.
type ControlService struct {
	log   *logging.Logger
	m     *metrics.Metrics
	mgr   *Manager
	sink  frameSink
	mapping config.CoachMapping
	timeouts config.Timeouts

	interlocks InterlockChecker
	auth       AuthChecker

	audit       CommandAuditor
	auditEngine AuditRecorder

	tracker *tracker
	sweep   *worker.Worker

	emergencyStopped atomic.Bool
}

// SetCommandAuditor installs the append-only command-audit sink.
// Optional: a nil auditor (the default, and the case when no Postgres
// backend is configured) simply means issued commands aren't persisted
// beyond the in-process tracker.
func (c *ControlService) SetCommandAuditor(a CommandAuditor) { c.audit = a }

// SetAuditEngine installs the compliance-audit sink a blocked control
// request is recorded to. Optional for the same
// reason as SetCommandAuditor.
func (c *ControlService) SetAuditEngine(ae AuditRecorder) { c.auditEngine = ae }

// recordCommand appends one command-lifecycle row if a CommandAuditor is
// configured; a write failure is logged, never returned, since the control
// pipeline's own outcome does not depend on audit persistence succeeding.
func (c *ControlService) recordCommand(ctx context.Context, entityID, principal string, desired State, status CommandStatus, issuedAt time.Time) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Append(ctx, entityID, principal, desired, string(status), issuedAt); err != nil && c.log != nil {
		c.log.WithError(err).Warn("entity control: command audit write failed")
	}
}

// recordBlocked persists an entity_control_blocked compliance entry for a
// request rejected before it ever reached the bus (spec Scenario B: "audit
// log records entity_control_blocked with the reason").
func (c *ControlService) recordBlocked(ctx context.Context, req ControlRequest, reason string) {
	if c.auditEngine == nil {
		return
	}
	event := registry.AuditEvent{
		Actor:      req.Principal,
		Action:     "entity_control_blocked",
		Resource:   "entity",
		ResourceID: req.EntityID,
		Outcome:    "blocked",
		Details:    map[string]any{"reason": reason},
	}
	if err := c.auditEngine.LogAuditEvent(ctx, event); err != nil && c.log != nil {
		c.log.WithError(err).Warn("entity control: blocked-request audit write failed")
	}
}

// NewControlService constructs a ControlService over the given Manager and
// frame sink.
func NewControlService(mgr *Manager, sink frameSink, mapping config.CoachMapping, timeouts config.Timeouts, interlocks InterlockChecker, auth AuthChecker, log *logging.Logger, m *metrics.Metrics) *ControlService {
	return &ControlService{
		log:        log,
		m:          m,
		mgr:        mgr,
		sink:       sink,
		mapping:    mapping,
		timeouts:   timeouts,
		interlocks: interlocks,
		auth:       auth,
		tracker:    newTracker(timeouts.Debounce),
	}
}

// Name identifies this module to the Service Registry.
func (c *ControlService) Name() string { return "entity_control_service" }

// Domain reports the registry domain this module belongs to.
func (c *ControlService) Domain() string { return "entity" }

// Start launches the reconciliation-deadline sweep on
// infrastructure/worker's ticker loop.
func (c *ControlService) Start(ctx context.Context) error {
	interval := c.timeouts.Reconcile / 4
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	c.sweep = worker.New(worker.Config{
		Name:     "command_reconcile_sweep",
		Interval: interval,
		Fn:       c.sweepExpired,
		OnError: func(name string, err error) {
			if c.log != nil {
				c.log.WithError(err).Warn("entity control: reconciliation sweep error")
			}
		},
	})
	return c.sweep.Start(context.Background())
}

// Stop halts the reconciliation sweep.
func (c *ControlService) Stop(ctx context.Context) error {
	if c.sweep != nil {
		c.sweep.Stop()
	}
	return nil
}

// SafetyClassification reports POSITION_CRITICAL: an uncontrolled command
// in flight during emergency stop could move a slide or awning.
func (c *ControlService) SafetyClassification() registry.SafetyClassification {
	return registry.ClassPositionCritical
}

// EmergencyStopAction reports that new commands stop immediately; already
// in-flight frames are not recalled.
func (c *ControlService) EmergencyStopAction() registry.EmergencyStopAction {
	return registry.ActionStopImmediately
}

// EmergencyStop blocks all subsequent Control calls until ClearEmergencyStop.
func (c *ControlService) EmergencyStop(ctx context.Context, reason string) (registry.EmergencyStopOutcome, error) {
	c.emergencyStopped.Store(true)
	return registry.EmergencyStopOutcome{
		Service: c.Name(),
		Action:  registry.ActionStopImmediately,
		Result:  "stopped",
		At:      time.Now().UTC(),
	}, nil
}

// ClearEmergencyStop resumes accepting control requests.
func (c *ControlService) ClearEmergencyStop() { c.emergencyStopped.Store(false) }

// SafetyStatus reports current posture.
func (c *ControlService) SafetyStatus() registry.SafetyStatus {
	return registry.SafetyStatus{Healthy: true, EmergencyStopped: c.emergencyStopped.Load()}
}

// Control runs the full validated command-dispatch pipeline: resolve,
// capability check, interlock check, scope check, encode, enqueue, track
// pending, apply optimistic state, broadcast.
func (c *ControlService) Control(ctx context.Context, req ControlRequest) (Command, error) {
	if c.emergencyStopped.Load() {
		return Command{}, rvcerrors.EmergencyStopActiveErr()
	}

	ent, err := c.mgr.Get(req.EntityID)
	if err != nil {
		return Command{}, err
	}
	if !ent.Controllable {
		return Command{}, rvcerrors.New(rvcerrors.Conflict, "entity has no controller").WithDetails("entity_id", req.EntityID)
	}

	if c.interlocks != nil {
		if err := c.interlocks.CheckInterlock(ctx, req.EntityID, req.Desired); err != nil {
			c.recordBlocked(ctx, req, err.Error())
			return Command{}, err
		}
	}
	if c.auth != nil {
		if err := c.auth.CheckScope(ctx, req.Principal, req.EntityID); err != nil {
			c.recordBlocked(ctx, req, err.Error())
			return Command{}, err
		}
	}

	encReq, err := encodeRequestFor(ent, req.Desired, req.Fields)
	if err != nil {
		return Command{}, err
	}
	if err := c.sink.EncodeAndEnqueue(ent.Interface, encReq); err != nil {
		return Command{}, err
	}

	now := time.Now()
	deadline := now.Add(reconcileTimeout(ent, c.mapping, c.timeouts))
	cmd := &Command{
		ID:        uuid.New().String(),
		EntityID:  req.EntityID,
		Desired:   req.Desired,
		Principal: req.Principal,
		Source:    SourceAPI,
		IssuedAt:  now,
		Deadline:  deadline,
		Status:    CommandPending,
	}
	if superseded := c.tracker.track(cmd); superseded != nil {
		if c.m != nil {
			c.m.RecordReconciliation(string(ent.Kind), string(CommandSuperseded), time.Since(superseded.IssuedAt))
		}
		c.recordCommand(ctx, superseded.EntityID, superseded.Principal, superseded.Desired, CommandSuperseded, superseded.IssuedAt)
	}

	updated, err := c.mgr.applyOptimistic(req.EntityID, mergeState(ent.State, req.Desired, req.Fields), now)
	if err != nil {
		return *cmd, err
	}
	c.mgr.publish(ctx, Update{Entity: updated, Source: SourceAPI, Confirmed: false})
	if c.m != nil {
		c.m.RecordEntityUpdate(string(ent.Kind), string(SourceAPI))
	}
	c.recordCommand(ctx, cmd.EntityID, cmd.Principal, cmd.Desired, cmd.Status, cmd.IssuedAt)

	return *cmd, nil
}

// HandleFrame is wired as the downstream consumer of Manager.ApplyFrame: it
// checks whether the freshly-applied state satisfies a pending command for
// the same entity and, if so, marks it reconciled.
func (c *ControlService) HandleFrame(ctx context.Context, ent Entity, fieldsUpdated codec.DecodedFrame) {
	cmd, ok := c.tracker.current(ent.ID)
	if !ok {
		return
	}
	fields := commandFields(cmd)
	if !matches(ent.State, cmd.Desired, fields) {
		return
	}
	if _, ok := c.tracker.resolve(ent.ID, cmd.ID, CommandReconciled); !ok {
		return
	}
	if c.m != nil {
		c.m.RecordReconciliation(string(ent.Kind), string(CommandReconciled), time.Since(cmd.IssuedAt))
	}
	c.mgr.publish(ctx, Update{Entity: ent, Source: SourceCANFeedback, Confirmed: true})
	if c.mgr.bus != nil {
		_ = c.mgr.bus.PublishEvent(ctx, TopicCommandConfirmed, *cmd)
	}
	c.recordCommand(ctx, cmd.EntityID, cmd.Principal, cmd.Desired, CommandReconciled, cmd.IssuedAt)
}

// sweepExpired rolls back any command whose reconciliation deadline has
// elapsed without a confirming frame.
func (c *ControlService) sweepExpired(ctx context.Context) error {
	for _, cmd := range c.tracker.expired(time.Now()) {
		if _, ok := c.tracker.resolve(cmd.EntityID, cmd.ID, CommandRolledBack); !ok {
			continue
		}
		ent, err := c.mgr.rollback(cmd.EntityID)
		if err != nil {
			continue
		}
		if c.m != nil {
			c.m.RecordReconciliation(string(ent.Kind), string(CommandRolledBack), time.Since(cmd.IssuedAt))
		}
		c.mgr.publish(ctx, Update{Entity: ent, Source: SourceCANFeedback, RolledBack: true})
		if c.mgr.bus != nil {
			_ = c.mgr.bus.PublishEvent(ctx, TopicCommandRollback, *cmd)
		}
		c.recordCommand(ctx, cmd.EntityID, cmd.Principal, cmd.Desired, CommandRolledBack, cmd.IssuedAt)
	}
	return nil
}

// commandFields infers which State fields a command's desired value
// actually constrains, from the entity kind implied by non-zero fields set
// on issue. ControlRequest.Fields is threaded through Command implicitly
// via Desired's non-zero-ness for the common cases RV-C covers.
func commandFields(cmd *Command) map[string]bool {
	f := map[string]bool{"on": true}
	if cmd.Desired.Brightness != 0 {
		f["brightness"] = true
	}
	if cmd.Desired.Position != 0 {
		f["position"] = true
	}
	if cmd.Desired.TargetTemp != 0 {
		f["target_temp"] = true
	}
	return f
}

func mergeState(current, desired State, fields map[string]bool) State {
	out := current
	if fields["on"] {
		out.On = desired.On
	}
	if fields["brightness"] {
		out.Brightness = desired.Brightness
	}
	if fields["position"] {
		out.Position = desired.Position
	}
	if fields["mode"] {
		out.Mode = desired.Mode
	}
	if fields["target_temp"] {
		out.TargetTemp = desired.TargetTemp
	}
	return out
}

// reconcileTimeout returns the per-device reconciliation deadline (the
// entity's coach-mapping reconcile_timeout), defaulting to the global
// Timeouts.Reconcile, or 2s when that is unset.
func reconcileTimeout(ent Entity, mapping config.CoachMapping, timeouts config.Timeouts) time.Duration {
	if def, ok := mapping.Lookup(ent.ID); ok && def.ReconcileTimeout > 0 {
		return def.ReconcileTimeout
	}
	if timeouts.Reconcile <= 0 {
		return 2 * time.Second
	}
	return timeouts.Reconcile
}

// encodeRequestFor builds the codec.EncodeRequest for a control request
// against ent, per the entity's kind. RV-C command frames conventionally
// carry priority 6 and source address 0xFE (the controller's own address),
// matching spec's scenario A expectation.
func encodeRequestFor(ent Entity, desired State, fields map[string]bool) (codec.EncodeRequest, error) {
	values := map[string]float64{"instance": float64(ent.Instance)}

	switch ent.Kind {
	case config.KindLight:
		if fields["brightness"] || fields["on"] {
			b := desired.Brightness
			if !desired.On {
				b = 0
			}
			values["brightness"] = b
		}
	case config.KindSlide, config.KindAwning:
		if fields["position"] {
			values["position"] = desired.Position
		}
	case config.KindHVAC:
		if fields["mode"] {
			values["mode"] = 0
		}
		if fields["target_temp"] {
			values["target_temp"] = desired.TargetTemp
		}
	case config.KindSwitch:
		if desired.On {
			values["on"] = 1
		} else {
			values["on"] = 0
		}
	}

	return codec.EncodeRequest{
		PGN:         ent.CommandPGN,
		Priority:    6,
		Source:      0xFE,
		Destination: 0xFF,
		Values:      values,
	}, nil
}
