package filter

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
	"github.com/coachrun/rvc-core/infrastructure/logging"
	"github.com/coachrun/rvc-core/infrastructure/metrics"
	"github.com/coachrun/rvc-core/internal/codec"
	"github.com/coachrun/rvc-core/internal/registry"
)

// AlertFunc is invoked synchronously for every ALERT action.
type AlertFunc func(rule Rule, frame codec.DecodedFrame)

// ForwardFunc is invoked for every FORWARD action, re-enqueuing the frame
// on the rule's ForwardTo interface. Bound at construction to whatever
// owns outbound dispatch (internal/can.Facade in production).
type ForwardFunc func(iface string, frame codec.DecodedFrame) error

// Result is what Evaluate returns: the final frame (possibly modified),
// whether it was blocked, and which actions fired along the way.
type Result struct {
	Frame        codec.DecodedFrame
	Blocked      bool
	Actions      []Action
	MatchedRules []string
}

// Engine is the Message Filter: an ordered rule set evaluated in
// descending priority against every frame.
type Engine struct {
	log *logging.Logger
	m   *metrics.Metrics

	alert   AlertFunc
	forward ForwardFunc

	mu      sync.RWMutex
	rules   []Rule
	capture captureBuffer

	stopped atomic.Bool
}

// NewEngine constructs a Message Filter with the given capture-ring
// capacity.
func NewEngine(captureCapacity int, alert AlertFunc, forward ForwardFunc, log *logging.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		log:     log,
		m:       m,
		alert:   alert,
		forward: forward,
		capture: newCaptureBuffer(captureCapacity),
	}
}

// Name identifies this module to the Service Registry.
func (e *Engine) Name() string { return "message_filter" }

// Domain reports the registry domain this module belongs to.
func (e *Engine) Domain() string { return "filter" }

// Start is a no-op; the Engine holds no background loop of its own.
func (e *Engine) Start(ctx context.Context) error { return nil }

// Stop is a no-op.
func (e *Engine) Stop(ctx context.Context) error { return nil }

// SafetyClassification reports SAFETY_RELATED: a misconfigured filter
// could silently drop safety-relevant traffic.
func (e *Engine) SafetyClassification() registry.SafetyClassification {
	return registry.ClassSafetyRelated
}

// EmergencyStopAction reports STOP_IMMEDIATELY: while stopped the filter
// blocks everything rather than evaluating rules.
func (e *Engine) EmergencyStopAction() registry.EmergencyStopAction {
	return registry.ActionStopImmediately
}

// EmergencyStop blocks all subsequent frames.
func (e *Engine) EmergencyStop(ctx context.Context, reason string) (registry.EmergencyStopOutcome, error) {
	e.stopped.Store(true)
	return registry.EmergencyStopOutcome{Service: e.Name(), Action: registry.ActionStopImmediately, Result: "stopped", At: time.Now().UTC()}, nil
}

// ClearEmergencyStop resumes rule evaluation.
func (e *Engine) ClearEmergencyStop() { e.stopped.Store(false) }

// SafetyStatus reports current posture.
func (e *Engine) SafetyStatus() registry.SafetyStatus {
	return registry.SafetyStatus{Healthy: true, EmergencyStopped: e.stopped.Load()}
}

// InstallRule adds or replaces a rule, keeping the set sorted by
// descending priority.
func (e *Engine) InstallRule(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.ID == rule.ID {
			e.rules[i] = rule
			sortRules(e.rules)
			return
		}
	}
	e.rules = append(e.rules, rule)
	sortRules(e.rules)
}

// RemoveRule deletes a rule by id. System rules (ReservedRulePrefix)
// cannot be removed.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.ID != id {
			continue
		}
		if r.isSystem() {
			return rvcerrors.ForbiddenErr("system rules cannot be removed")
		}
		e.rules = append(e.rules[:i], e.rules[i+1:]...)
		return nil
	}
	return rvcerrors.NotFoundErr("filter_rule", id)
}

// Rules returns a snapshot of the installed rule set, highest priority
// first.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Captured returns the frames currently held in the capture ring buffer.
func (e *Engine) Captured() []codec.DecodedFrame {
	return e.capture.snapshot()
}

func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
}

// Evaluate runs frame through the rule set in descending priority,
// executing every matching rule's actions. Only BLOCK terminates
// evaluation; every other action lets subsequent rules run.
func (e *Engine) Evaluate(ctx context.Context, frame codec.DecodedFrame) Result {
	if e.stopped.Load() {
		return Result{Frame: frame, Blocked: true, Actions: []Action{ActionBlock}}
	}

	e.mu.RLock()
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	e.mu.RUnlock()

	v := view(frame)
	res := Result{Frame: frame}

	for _, rule := range rules {
		if !evalRule(rule, v) {
			continue
		}
		res.MatchedRules = append(res.MatchedRules, rule.ID)

		for _, action := range rule.Actions {
			res.Actions = append(res.Actions, action)
			switch action {
			case ActionBlock:
				res.Blocked = true
			case ActionLog:
				if e.log != nil {
					e.log.WithFields(map[string]any{"rule": rule.ID, "pgn": res.Frame.PGN}).Info("filter: rule matched")
				}
			case ActionAlert:
				if e.alert != nil {
					e.alert(rule, res.Frame)
				}
			case ActionCapture:
				e.capture.push(res.Frame)
			case ActionForward:
				if e.forward != nil && rule.ForwardTo != "" {
					if err := e.forward(rule.ForwardTo, res.Frame); err != nil && e.log != nil {
						e.log.WithError(err).Warn("filter: forward action failed")
					}
				}
			case ActionModify:
				if rule.Modify != nil {
					res.Frame = rule.Modify(res.Frame)
					v = view(res.Frame)
				}
			}
		}

		if res.Blocked {
			break
		}
	}

	if e.m != nil {
		outcome := "pass"
		if res.Blocked {
			outcome = "block"
		}
		e.m.RecordError("message_filter", outcome) // reuses the errors-by-kind gauge as a coarse pass/block counter
	}

	return res
}
