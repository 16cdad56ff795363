// Package inject implements the Message Injector: safety-gated
// controlled frame emission for testing and diagnostics. Every injection
// is validated against the configured dangerous-PGN set at one of three
// safety levels, rate-limited, and audited.
package inject

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
	"github.com/coachrun/rvc-core/infrastructure/hex"
	"github.com/coachrun/rvc-core/infrastructure/logging"
	"github.com/coachrun/rvc-core/infrastructure/metrics"
	"github.com/coachrun/rvc-core/infrastructure/ratelimit"
	"github.com/coachrun/rvc-core/infrastructure/security"
	"github.com/coachrun/rvc-core/internal/can"
	"github.com/coachrun/rvc-core/internal/codec"
	"github.com/coachrun/rvc-core/internal/config"
	"github.com/coachrun/rvc-core/internal/registry"
)

// replayWindow bounds how long a client-supplied request id is remembered
// for duplicate-submission detection. Long enough to catch a caller's
// naive retry-on-timeout, short enough not to block a deliberate re-issue
// of the same diagnostic frame a minute later.
const replayWindow = 30 * time.Second

// Mode selects how a request's frames are emitted.
type Mode string

const (
	ModeSingle   Mode = "single"
	ModeBurst    Mode = "burst"
	ModePeriodic Mode = "periodic"
	ModeSequence Mode = "sequence"
)

// SafetyLevel controls how a dangerous-PGN match is handled.
type SafetyLevel string

const (
	LevelStrict     SafetyLevel = "strict"
	LevelModerate   SafetyLevel = "moderate"
	LevelPermissive SafetyLevel = "permissive"
)

// MaxInjectionRate caps each injection task at 100 msg/s.
const MaxInjectionRate = 100

// MinPeriodicInterval is the minimum inter-message interval for periodic
// injection.
const MinPeriodicInterval = 10 * time.Millisecond

// maxBurstCount bounds a single burst request.
const maxBurstCount = 1000

// Request is one caller's injection ask.
type Request struct {
	Interface   string
	CANID       uint32
	Extended    bool
	Data        []byte
	// DataHex is an alternative payload encoding for callers arriving over
	// the text boundary (HTTP handlers, CLI tooling): a hex string with or
	// without an 0x prefix, decoded and validated before Data is consulted.
	// Ignored when Data is set.
	DataHex     string
	Mode        Mode
	Count       int           // BURST
	Interval    time.Duration // PERIODIC
	Duration    time.Duration // PERIODIC; 0 = until explicitly stopped
	Sequence    []Frame       // SEQUENCE

	Principal   string
	Reason      string

	// ClientRequestID, if set, is an idempotency token the caller controls:
	// a second Inject call with the same id within replayWindow is rejected
	// rather than re-sent. Leave empty to accept every call (e.g. internal
	// callers that already dedupe).
	ClientRequestID string
}

// Frame is one entry of a SEQUENCE injection.
type Frame struct {
	CANID    uint32
	Extended bool
	Data     []byte
}

// Result reports the outcome of an injection request.
type Result struct {
	TaskID        string
	Success       bool
	MessagesSent  int
	MessagesFailed int
	Warnings      []string
	StartedAt     time.Time
	EndedAt       time.Time
}

// AuditFunc records every injection request plus its outcome, carrying
// the requesting principal's identity and declared reason. Every request
// is forwarded, blocked or not.
type AuditFunc func(ctx context.Context, req Request, res Result)

// frameSink is the narrow slice of internal/can.Facade the injector needs:
// raw enqueue, bypassing codec encode since injection targets an arbitrary
// already-formed id/payload pair.
type frameSink interface {
	Enqueue(iface string, frame can.Frame) error
}

// Injector is the Service Registry module implementing the Message
// Injector.
type Injector struct {
	log    *logging.Logger
	m      *metrics.Metrics
	sink   frameSink
	audit  AuditFunc
	policy config.SafetyPolicy

	level SafetyLevel

	mu      sync.Mutex
	limiter map[string]*ratelimit.RateLimiter // per active task id
	tasks   map[string]context.CancelFunc

	replay *security.ReplayProtection

	emergencyStopped bool
}

// New constructs an Injector. sink is typically *internal/can.Facade.
// policy supplies the dangerous-PGN enumeration; the list is configuration,
// not code, since OEM deployments extend it.
func New(sink frameSink, policy config.SafetyPolicy, level SafetyLevel, audit AuditFunc, log *logging.Logger, m *metrics.Metrics) *Injector {
	if level == "" {
		level = LevelModerate
	}
	return &Injector{
		log:     log,
		m:       m,
		sink:    sink,
		audit:   audit,
		policy:  policy,
		level:   level,
		limiter: make(map[string]*ratelimit.RateLimiter),
		tasks:   make(map[string]context.CancelFunc),
		replay:  security.NewReplayProtection(replayWindow, log),
	}
}

func (i *Injector) Name() string   { return "message_injector" }
func (i *Injector) Domain() string { return "can" }

func (i *Injector) Start(ctx context.Context) error { return nil }

func (i *Injector) Stop(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, cancel := range i.tasks {
		cancel()
	}
	i.tasks = make(map[string]context.CancelFunc)
	return nil
}

func (i *Injector) SafetyClassification() registry.SafetyClassification {
	return registry.ClassSafetyRelated
}

func (i *Injector) EmergencyStopAction() registry.EmergencyStopAction {
	return registry.ActionStopImmediately
}

func (i *Injector) EmergencyStop(ctx context.Context, reason string) (registry.EmergencyStopOutcome, error) {
	i.mu.Lock()
	i.emergencyStopped = true
	for id, cancel := range i.tasks {
		cancel()
		delete(i.tasks, id)
	}
	i.mu.Unlock()
	return registry.EmergencyStopOutcome{
		Service: i.Name(),
		Action:  i.EmergencyStopAction(),
		Result:  "stopped",
		At:      time.Now(),
	}, nil
}

func (i *Injector) ClearEmergencyStop() {
	i.mu.Lock()
	i.emergencyStopped = false
	i.mu.Unlock()
}

func (i *Injector) SafetyStatus() registry.SafetyStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return registry.SafetyStatus{Healthy: true, EmergencyStopped: i.emergencyStopped}
}

// dangerousDecision classifies req against the configured dangerous-PGN set
// at the injector's safety level.
func (i *Injector) dangerousDecision(req Request) (blocked bool, warning string) {
	_, pgn, _, _ := codec.DecomposeID(req.CANID)
	if !i.policy.IsDangerous(pgn) {
		return false, ""
	}
	switch i.level {
	case LevelStrict:
		return true, ""
	case LevelModerate:
		return false, fmt.Sprintf("pgn 0x%X is in the dangerous set; allowed at moderate safety level", pgn)
	default: // permissive
		return false, ""
	}
}

// Inject validates and dispatches req according to its Mode, returning
// once the request completes (SINGLE/BURST/SEQUENCE) or once it has been
// started (PERIODIC continues in the background until Duration elapses or
// StopTask is called).
func (i *Injector) Inject(ctx context.Context, req Request) (Result, error) {
	if i.emergencyStopped {
		i.auditAndLog(ctx, req, Result{}, "rejected: emergency stop active")
		return Result{}, rvcerrors.EmergencyStopActiveErr()
	}
	if len(req.Data) == 0 && req.DataHex != "" {
		data, err := hex.DecodeString(req.DataHex)
		if err != nil {
			i.auditAndLog(ctx, req, Result{}, "rejected: invalid hex payload")
			return Result{}, rvcerrors.InvalidInputErr("data_hex", "payload is not valid hex")
		}
		req.Data = data
	}
	if len(req.Data) > 8 {
		i.auditAndLog(ctx, req, Result{}, "rejected: payload exceeds 8 bytes")
		return Result{}, rvcerrors.InvalidInputErr("data", "payload exceeds 8 bytes")
	}
	if req.Mode == ModeBurst && req.Count > maxBurstCount {
		i.auditAndLog(ctx, req, Result{}, "rejected: burst count exceeds maximum")
		return Result{}, rvcerrors.InvalidInputErr("count", "burst count exceeds maximum")
	}
	if req.Mode == ModePeriodic && req.Interval < MinPeriodicInterval {
		i.auditAndLog(ctx, req, Result{}, "rejected: interval below minimum")
		return Result{}, rvcerrors.InvalidInputErr("interval", "below minimum inter-message interval")
	}
	if req.ClientRequestID != "" && !i.replay.ValidateAndMark(req.ClientRequestID) {
		i.auditAndLog(ctx, req, Result{}, "rejected: duplicate client request id")
		return Result{}, rvcerrors.New(rvcerrors.Conflict, "duplicate injection request").WithDetails("client_request_id", req.ClientRequestID)
	}

	blocked, warning := i.dangerousDecision(req)
	res := Result{TaskID: uuid.NewString(), StartedAt: time.Now()}
	if blocked {
		res.Success = false
		res.EndedAt = time.Now()
		if i.m != nil {
			i.m.RecordInjectionBlocked(string(i.level))
		}
		i.auditAndLog(ctx, req, res, "blocked: dangerous PGN at strict safety level")
		return res, rvcerrors.New(rvcerrors.Forbidden, "injection blocked: dangerous PGN at strict safety level")
	}
	if warning != "" {
		res.Warnings = append(res.Warnings, warning)
	}

	limiter := ratelimit.New(ratelimit.RateLimitConfig{RequestsPerSecond: MaxInjectionRate, Burst: MaxInjectionRate})

	switch req.Mode {
	case ModeSingle:
		i.sendFrame(req.Interface, req.CANID, req.Extended, req.Data, &res, limiter)
	case ModeBurst:
		count := req.Count
		if count <= 0 {
			count = 1
		}
		for n := 0; n < count; n++ {
			i.sendFrame(req.Interface, req.CANID, req.Extended, req.Data, &res, limiter)
		}
	case ModeSequence:
		for _, f := range req.Sequence {
			i.sendFrame(req.Interface, f.CANID, f.Extended, f.Data, &res, limiter)
		}
	case ModePeriodic:
		taskCtx, cancel := context.WithCancel(ctx)
		i.mu.Lock()
		i.tasks[res.TaskID] = cancel
		i.mu.Unlock()
		go i.runPeriodic(taskCtx, req, res.TaskID, limiter)
		res.Success = true
		res.EndedAt = res.StartedAt
		i.auditAndLog(ctx, req, res, "")
		return res, nil
	default:
		i.auditAndLog(ctx, req, Result{}, "rejected: unrecognized mode")
		return Result{}, rvcerrors.InvalidInputErr("mode", "unrecognized injection mode")
	}

	res.EndedAt = time.Now()
	res.Success = res.MessagesFailed == 0
	i.auditAndLog(ctx, req, res, "")
	return res, nil
}

func (i *Injector) runPeriodic(ctx context.Context, req Request, taskID string, limiter *ratelimit.RateLimiter) {
	defer func() {
		i.mu.Lock()
		delete(i.tasks, taskID)
		i.mu.Unlock()
	}()
	ticker := time.NewTicker(req.Interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if req.Duration > 0 {
		timer := time.NewTimer(req.Duration)
		defer timer.Stop()
		deadline = timer.C
	}

	var res Result
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
			i.sendFrame(req.Interface, req.CANID, req.Extended, req.Data, &res, limiter)
		}
	}
}

// StopTask cancels an active PERIODIC injection task.
func (i *Injector) StopTask(taskID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	cancel, ok := i.tasks[taskID]
	if !ok {
		return false
	}
	cancel()
	delete(i.tasks, taskID)
	return true
}

func (i *Injector) sendFrame(iface string, canID uint32, extended bool, data []byte, res *Result, limiter *ratelimit.RateLimiter) {
	if !limiter.Allow() {
		res.MessagesFailed++
		res.Warnings = append(res.Warnings, "rate limited")
		return
	}
	err := i.sink.Enqueue(iface, can.Frame{ArbitrationID: canID, Extended: extended, Data: data})
	if err != nil {
		res.MessagesFailed++
		return
	}
	res.MessagesSent++
}

func (i *Injector) auditAndLog(ctx context.Context, req Request, res Result, note string) {
	outcome := "sent"
	if !res.Success {
		outcome = "blocked"
	}
	if i.m != nil {
		i.m.RecordInjection(string(req.Mode), outcome)
	}
	if i.log != nil {
		i.log.WithFields(map[string]any{
			"principal": req.Principal,
			"reason":    req.Reason,
			"mode":      req.Mode,
			"can_id":    fmt.Sprintf("0x%X", req.CANID),
			"sent":      res.MessagesSent,
			"failed":    res.MessagesFailed,
		}).Info("message injection " + outcome)
	}
	if i.audit != nil {
		i.audit(ctx, req, res)
	}
}
