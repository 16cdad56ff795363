package entity

import (
	"context"
	"fmt"
	"sync"
	"time"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
	"github.com/coachrun/rvc-core/infrastructure/logging"
	"github.com/coachrun/rvc-core/infrastructure/metrics"
	"github.com/coachrun/rvc-core/internal/codec"
	"github.com/coachrun/rvc-core/internal/config"
	"github.com/coachrun/rvc-core/internal/registry"
)

// TopicEntityUpdated is the bus topic the Manager publishes to on every
// accepted state change (optimistic or bus-confirmed). No package in this
// module subscribes to it; it is the feed for the (out-of-scope) WebSocket
// fan-out collaborator.
const TopicEntityUpdated = "entity_updated"

// UpdateSource tags where a broadcast update originated, for the
// EntityUpdatesTotal metric and UI display.
type UpdateSource string

const (
	SourceAPI         UpdateSource = "api"
	SourceCANFeedback UpdateSource = "can_feedback"
	SourceAutomation  UpdateSource = "automation"
)

// Update is the payload published on TopicEntityUpdated.
type Update struct {
	Entity     Entity
	Source     UpdateSource
	Confirmed  bool // true once this is a bus-reconciled update, not optimistic
	RolledBack bool
}

// SnapshotCache persists the latest bus-confirmed state for an entity,
// keyed by entity id. *internal/repository.StateCache (Redis-backed)
// satisfies this in production; it's a narrow interface so tests can
// supply an in-memory fake instead.
type SnapshotCache interface {
	Set(ctx context.Context, entityID string, state any, ttl time.Duration) error
}

// Manager owns the authoritative entity map, built once from the
// coach-mapping at boot and mutated only via decoded bus frames or the
// Control Service.
type Manager struct {
	log *logging.Logger
	m   *metrics.Metrics
	bus *registry.Bus

	cache    SnapshotCache
	cacheTTL time.Duration

	mu       sync.RWMutex
	entities map[string]*Entity
	byRoute  map[routeKey]string // (status PGN, instance) -> entity id
	byDevice map[string]string   // device id -> entity id
}

type routeKey struct {
	pgn      uint32
	instance int
}

// ManagerOption customizes a Manager at construction time.
type ManagerOption func(*Manager)

// WithSnapshotCache installs a best-effort write-through cache: every
// bus-confirmed state update (ApplyFrame) is mirrored to it with the
// given TTL, so a restarted process has a recent snapshot even before
// CAN traffic repopulates the in-memory map. The Safety Service's
// degraded read (EntitySnapshot) uses its own in-process cache, not this.
func WithSnapshotCache(cache SnapshotCache, ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		m.cache = cache
		m.cacheTTL = ttl
	}
}

// NewManager constructs an empty Manager; call Load to populate it from a
// coach-mapping.
func NewManager(log *logging.Logger, m *metrics.Metrics, bus *registry.Bus, opts ...ManagerOption) *Manager {
	mgr := &Manager{
		log:      log,
		m:        m,
		bus:      bus,
		entities: make(map[string]*Entity),
		byRoute:  make(map[routeKey]string),
		byDevice: make(map[string]string),
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// Load builds the entity map from the coach-mapping. Load is called once,
// at Start.
func (m *Manager) Load(mapping config.CoachMapping) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entities = make(map[string]*Entity, len(mapping.Entities))
	m.byRoute = make(map[routeKey]string, len(mapping.Entities))
	m.byDevice = make(map[string]string, len(mapping.Entities))

	for id, def := range mapping.Entities {
		e := newEntityFromDef(def)
		m.entities[id] = e
		if def.StatusPGN != 0 {
			m.byRoute[routeKey{pgn: def.StatusPGN, instance: def.Instance}] = id
		}
		if def.DeviceID != "" {
			m.byDevice[def.DeviceID] = id
		}
	}
}

// ApplyControllableOverrides overrides specific entities' Controllable flag
// after Load, from persisted entity-config records. An entity is only
// destroyed by explicit management operation, and a persisted override is
// how that administrative decision
// survives a restart, since the coach-mapping reload would otherwise
// recompute Controllable from CommandPGN alone. Unknown entity ids are
// ignored.
func (m *Manager) ApplyControllableOverrides(overrides map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, controllable := range overrides {
		if e, ok := m.entities[id]; ok {
			e.Controllable = controllable
		}
	}
}

// Name identifies this module to the Service Registry.
func (m *Manager) Name() string { return "entity_manager" }

// Domain reports the registry domain this module belongs to.
func (m *Manager) Domain() string { return "entity" }

// Start is a no-op beyond what Load already did; entity discovery must
// complete before Start returns so the "readiness" probe's "entity
// discovery complete" check can pass immediately.
func (m *Manager) Start(ctx context.Context) error { return nil }

// Stop is a no-op; the Manager holds no external resources.
func (m *Manager) Stop(ctx context.Context) error { return nil }

// Ready reports whether entity discovery has completed.
func (m *Manager) Ready(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entities) == 0 {
		return rvcerrors.New(rvcerrors.ServiceUnavailable, "entity discovery incomplete")
	}
	return nil
}

// Get returns a value copy of the named entity.
func (m *Manager) Get(id string) (Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return Entity{}, rvcerrors.NotFoundErr("entity", id)
	}
	return e.snapshot(), nil
}

// List returns a value-copy snapshot of every entity, stably ordered by id
// is not guaranteed; callers that need ordering sort the result.
func (m *Manager) List() []Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entity, 0, len(m.entities))
	for _, e := range m.entities {
		out = append(out, e.snapshot())
	}
	return out
}

// byDeviceID resolves a decoded device id to an entity id.
func (m *Manager) byDeviceID(deviceID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byDevice[deviceID]
	return id, ok
}

// Resolve routes a decoded frame to the entity id it updates, by (PGN,
// instance). Frames for PGNs with no registered entity, or missing an
// "instance" field, resolve to ("", false).
func (m *Manager) Resolve(frame codec.DecodedFrame) (string, bool) {
	instField, ok := frame.Field("instance")
	if !ok {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRoute[routeKey{pgn: frame.PGN, instance: int(instField.Raw)}]
	return id, ok
}

// ApplyFrame updates the resolved entity's state from a decoded inbound
// frame, enforcing the monotonic-timestamp invariant (any decoded message
// with an older timestamp is discarded) and broadcasting
// the accepted update. It returns the updated entity and whether the
// frame was accepted (false if no entity resolved or the frame was stale).
func (m *Manager) ApplyFrame(ctx context.Context, frame codec.DecodedFrame, at time.Time) (Entity, bool) {
	id, ok := m.Resolve(frame)
	if !ok {
		return Entity{}, false
	}

	m.mu.Lock()
	e, ok := m.entities[id]
	if !ok {
		m.mu.Unlock()
		return Entity{}, false
	}
	if !e.LastUpdate.IsZero() && at.Before(e.LastUpdate) {
		m.mu.Unlock()
		return Entity{}, false // stale frame
	}

	applyDecodedFields(&e.State, e.Kind, frame)
	e.Confirmed = e.State
	e.LastUpdate = at
	snap := e.snapshot()
	m.mu.Unlock()

	m.publish(ctx, Update{Entity: snap, Source: SourceCANFeedback, Confirmed: true})
	m.cacheSnapshot(ctx, snap)
	if m.m != nil {
		m.m.RecordEntityUpdate(string(e.Kind), string(SourceCANFeedback))
	}
	return snap, true
}

// cacheSnapshot mirrors a bus-confirmed entity state to the configured
// SnapshotCache, if any. Best-effort: a cache outage must never block or
// fail a bus-confirmed update, so the error is logged and dropped.
func (m *Manager) cacheSnapshot(ctx context.Context, snap Entity) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Set(ctx, snap.ID, snap, m.cacheTTL); err != nil && m.log != nil {
		m.log.WithError(err).Warn("entity: snapshot cache write failed")
	}
}

// applyOptimistic sets an entity's state ahead of bus confirmation. Used
// only by the Control Service's pipeline.
func (m *Manager) applyOptimistic(id string, desired State, at time.Time) (Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return Entity{}, rvcerrors.NotFoundErr("entity", id)
	}
	e.State = desired
	if at.After(e.LastUpdate) {
		e.LastUpdate = at
	}
	return e.snapshot(), nil
}

// rollback reverts an entity to its last bus-confirmed state.
func (m *Manager) rollback(id string) (Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return Entity{}, rvcerrors.NotFoundErr("entity", id)
	}
	e.State = e.Confirmed
	return e.snapshot(), nil
}

func (m *Manager) publish(ctx context.Context, u Update) {
	if m.bus == nil {
		return
	}
	if err := m.bus.PublishEvent(ctx, TopicEntityUpdated, u); err != nil && m.log != nil {
		m.log.WithError(err).Warn("entity: broadcast delivery error")
	}
}

// applyDecodedFields maps a decoded frame's named fields onto the
// kind-appropriate State fields. Unknown fields are ignored; kind-specific
// behavior lives entirely in this match on the variant.
func applyDecodedFields(s *State, kind config.EntityKind, frame codec.DecodedFrame) {
	switch kind {
	case config.KindLight:
		if f, ok := frame.Field("brightness"); ok && f.Valid {
			s.Brightness = f.Scaled
			s.On = f.Scaled > 0
		}
		if f, ok := frame.Field("on"); ok && f.Valid {
			s.On = f.Raw != 0
		}
	case config.KindSlide, config.KindAwning:
		if f, ok := frame.Field("position"); ok && f.Valid {
			s.Position = f.Scaled
		}
		if f, ok := frame.Field("moving"); ok && f.Valid {
			s.Moving = f.Raw != 0
		}
	case config.KindTank:
		if f, ok := frame.Field("level"); ok && f.Valid {
			s.Level = f.Scaled
		}
	case config.KindHVAC:
		if f, ok := frame.Field("mode"); ok && f.Valid {
			s.Mode = fmt.Sprintf("%d", f.Raw)
		}
		if f, ok := frame.Field("target_temp"); ok && f.Valid {
			s.TargetTemp = f.Scaled
		}
		if f, ok := frame.Field("current_temp"); ok && f.Valid {
			s.CurrentTemp = f.Scaled
		}
	case config.KindSwitch:
		if f, ok := frame.Field("on"); ok && f.Valid {
			s.On = f.Raw != 0
		}
	case config.KindSensor:
		if f, ok := frame.Field("value"); ok && f.Valid {
			s.Value = f.Scaled
		}
	}
}
