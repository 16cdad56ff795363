package safety

import (
	"context"
	"strconv"
	"strings"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
	"github.com/coachrun/rvc-core/internal/config"
	"github.com/coachrun/rvc-core/internal/entity"
)

// SignalSource resolves a named signal (another entity's observed state,
// or a vehicle-wide signal such as "vehicle_speed") to a comparable string
// value, for interlock condition evaluation. entitySignals satisfies it
// for entity-keyed signals; a dedicated chassis provider can be prepended
// via Service.SetSignalSource.
type SignalSource interface {
	Signal(name string) (string, bool)
}

// entitySignals adapts an *entity.Manager into a SignalSource. A bare
// entity id ("park.brake") resolves to its boolean "on" state; an
// "<entity-id>.<field>" name ("slide.bedroom.position",
// "sensor.vehicle_speed.value") resolves the named state field. The split
// is at the last dot, since entity ids themselves contain dots.
type entitySignals struct {
	mgr *entity.Manager
}

func (s entitySignals) Signal(name string) (string, bool) {
	if s.mgr == nil {
		return "", false
	}
	if ent, err := s.mgr.Get(name); err == nil {
		return strconv.FormatBool(ent.State.On), true
	}
	idx := strings.LastIndex(name, ".")
	if idx <= 0 {
		return "", false
	}
	ent, err := s.mgr.Get(name[:idx])
	if err != nil {
		return "", false
	}
	switch name[idx+1:] {
	case "position":
		return formatFloat(ent.State.Position), true
	case "level":
		return formatFloat(ent.State.Level), true
	case "value":
		return formatFloat(ent.State.Value), true
	case "current_temp":
		return formatFloat(ent.State.CurrentTemp), true
	case "target_temp":
		return formatFloat(ent.State.TargetTemp), true
	case "brightness":
		return formatFloat(ent.State.Brightness), true
	case "mode":
		return ent.State.Mode, true
	case "moving":
		return strconv.FormatBool(ent.State.Moving), true
	case "on":
		return strconv.FormatBool(ent.State.On), true
	default:
		return "", false
	}
}

// signalResolver resolves a signal name through the configured alias table
// first, then through each chained source in order. The alias table is how
// a policy's "vehicle_speed" reaches the sensor entity that carries it on
// a given coach.
type signalResolver struct {
	aliases map[string]string
	sources []SignalSource
}

func newSignalResolver(aliases map[string]string, sources ...SignalSource) *signalResolver {
	return &signalResolver{aliases: aliases, sources: sources}
}

func (r *signalResolver) Signal(name string) (string, bool) {
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	for _, src := range r.sources {
		if v, ok := src.Signal(name); ok {
			return v, true
		}
	}
	return "", false
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// compiledInterlock is an InterlockDef with its applicability set resolved
// to a lookup table for O(1) matching against a control request.
type compiledInterlock struct {
	def     config.InterlockDef
	applies map[string]bool
}

func compile(defs []config.InterlockDef) []compiledInterlock {
	out := make([]compiledInterlock, 0, len(defs))
	for _, d := range defs {
		m := make(map[string]bool, len(d.AppliesTo))
		for _, a := range d.AppliesTo {
			m[a] = true
		}
		out = append(out, compiledInterlock{def: d, applies: m})
	}
	return out
}

// CheckInterlock implements entity.InterlockChecker: every compiled
// interlock whose AppliesTo names entityID is evaluated, and the first
// unsatisfied condition produces an InterlockViolated error; a violation
// is always a hard fail. desired is accepted to satisfy
// the interface; current interlocks are evaluated purely against observed
// signals, not the proposed new state.
func (s *Service) CheckInterlock(ctx context.Context, entityID string, desired entity.State) error {
	s.mu.RLock()
	interlocks := s.interlocks
	overridden := s.overridden[entityID]
	signals := s.signals
	s.mu.RUnlock()

	if overridden {
		return nil // override-class PIN session active for this entity; still audited by caller
	}

	for _, ci := range interlocks {
		if !ci.applies[entityID] {
			continue
		}
		for _, cond := range ci.def.Conditions {
			ok, err := evalCondition(cond, signals)
			if err != nil {
				// Fail closed, but name the unresolvable signal so an
				// operator can tell a misconfigured alias from a genuinely
				// unmet predicate.
				return rvcerrors.InterlockViolatedErr(ci.def.Name + ": signal " + cond.Signal + " unavailable")
			}
			if !ok {
				return rvcerrors.InterlockViolatedErr(ci.def.Name + ": " + ci.def.Reason)
			}
		}
	}
	return nil
}

func evalCondition(cond config.InterlockCond, src SignalSource) (bool, error) {
	got, ok := src.Signal(cond.Signal)
	if !ok {
		return false, rvcerrors.New(rvcerrors.Internal, "interlock signal unavailable").WithDetails("signal", cond.Signal)
	}

	gotF, gotErr := strconv.ParseFloat(got, 64)
	wantF, wantErr := strconv.ParseFloat(cond.Value, 64)
	numeric := gotErr == nil && wantErr == nil

	switch cond.Operator {
	case "=":
		return got == cond.Value, nil
	case "!=":
		return got != cond.Value, nil
	case "<":
		return numeric && gotF < wantF, nil
	case "<=":
		return numeric && gotF <= wantF, nil
	case ">":
		return numeric && gotF > wantF, nil
	case ">=":
		return numeric && gotF >= wantF, nil
	default:
		return false, rvcerrors.New(rvcerrors.InvalidInput, "unknown interlock operator").WithDetails("operator", cond.Operator)
	}
}
