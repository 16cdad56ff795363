package config

import "time"

// Endianness describes how a field's raw bytes are packed within a frame.
type Endianness string

const (
	LittleEndian Endianness = "little"
	BigEndian    Endianness = "big"
)

// Protocol is the detected/declared wire protocol of a PGN entry.
type Protocol string

const (
	ProtocolRVC      Protocol = "rvc"
	ProtocolJ1939    Protocol = "j1939"
	ProtocolCANopen  Protocol = "canopen"
	ProtocolUnknown  Protocol = "unknown"
)

// FieldDef describes one bit-packed field within a PGN's payload, as laid
// out in the RV-C/J1939 spec tables: offset and length in bits, byte order,
// linear scaling, engineering unit, and the raw-value range that makes the
// field valid. Sentinels like 0xFFFF decode as not-valid, never as zero.
type FieldDef struct {
	Name             string     `yaml:"name"`
	OffsetBits       int        `yaml:"offset_bits"`
	LengthBits       int        `yaml:"length_bits"`
	Endianness       Endianness `yaml:"endianness"`
	Scale            float64    `yaml:"scale"`
	Offset           float64    `yaml:"offset"`
	Unit             string     `yaml:"unit"`
	ValidMin         uint64     `yaml:"valid_min"`
	ValidMax         uint64     `yaml:"valid_max"`
	InvalidSentinels []uint64   `yaml:"invalid_sentinels,omitempty"`
}

// Width returns the maximum raw value a field of this bit length can carry.
func (f FieldDef) Width() uint64 {
	if f.LengthBits <= 0 || f.LengthBits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(f.LengthBits)) - 1
}

// PGNDef is one entry in the RV-C/J1939 parameter-group table: a PGN's
// name, owning protocol, and the fields packed into its payload.
type PGNDef struct {
	PGN      uint32     `yaml:"pgn"`
	Name     string     `yaml:"name"`
	Protocol Protocol   `yaml:"protocol"`
	Fields   []FieldDef `yaml:"fields"`
}

// RVCSpecTable is the full decode/encode table, keyed by PGN.
type RVCSpecTable struct {
	PGNs map[uint32]PGNDef `yaml:"pgns"`
}

// Lookup returns the PGN definition, if known.
func (t RVCSpecTable) Lookup(pgn uint32) (PGNDef, bool) {
	def, ok := t.PGNs[pgn]
	return def, ok
}

// EntityKind is the tagged-union discriminant for a coach device.
type EntityKind string

const (
	KindLight  EntityKind = "light"
	KindSlide  EntityKind = "slide"
	KindAwning EntityKind = "awning"
	KindTank   EntityKind = "tank"
	KindHVAC   EntityKind = "hvac"
	KindSwitch EntityKind = "switch"
	KindSensor EntityKind = "sensor"
)

// EntityDef is one coach-mapping entry: the static definition used by the
// Entity Manager to construct an Entity at load time, and by the Protocol
// Codec/Entity Control Service to route frames to and from it.
type EntityDef struct {
	ID                   string        `yaml:"id"`
	Kind                 EntityKind    `yaml:"kind"`
	Name                 string        `yaml:"name"`
	Icon                 string        `yaml:"icon,omitempty"`
	Unit                 string        `yaml:"unit,omitempty"`
	Category             string        `yaml:"category,omitempty"`
	DeviceID             string        `yaml:"device_id"`
	Instance             int           `yaml:"instance"`
	StatusPGN            uint32        `yaml:"status_pgn"`
	CommandPGN           uint32        `yaml:"command_pgn"`
	Interface            string        `yaml:"interface"`
	SafetyClassification string        `yaml:"safety_classification"`
	ReconcileTimeout     time.Duration `yaml:"reconcile_timeout,omitempty"`
}

// CoachMapping is the full device-id -> entity-definition table loaded at
// boot. ByDevice is built once at load time for O(1) inbound-frame routing.
type CoachMapping struct {
	Entities map[string]EntityDef `yaml:"entities"`
	ByDevice map[string]string    `yaml:"-"`
}

// indexByDevice rebuilds the device-id -> entity-id lookup index.
func (m *CoachMapping) indexByDevice() {
	m.ByDevice = make(map[string]string, len(m.Entities))
	for id, def := range m.Entities {
		if def.DeviceID == "" {
			continue
		}
		m.ByDevice[def.DeviceID] = id
	}
}

// Lookup returns the entity definition for a stable entity id.
func (m CoachMapping) Lookup(entityID string) (EntityDef, bool) {
	def, ok := m.Entities[entityID]
	return def, ok
}

// LookupByDevice resolves a decoded frame's device id to an entity id.
func (m CoachMapping) LookupByDevice(deviceID string) (string, bool) {
	id, ok := m.ByDevice[deviceID]
	return id, ok
}

// CANInterfaceConfig names one physical or virtual CAN interface the core
// binds to at startup.
type CANInterfaceConfig struct {
	Name     string `yaml:"name"`
	Physical string `yaml:"physical"`
	Enabled  bool   `yaml:"enabled"`
}

// Timeouts holds the tunable deadlines: reconciliation, command-supersede
// debounce, watchdog poll/lapse periods, and recorder autosave interval.
type Timeouts struct {
	Reconcile     time.Duration `yaml:"reconcile"`
	Debounce      time.Duration `yaml:"debounce"`
	Health        time.Duration `yaml:"health"`
	Watchdog      time.Duration `yaml:"watchdog"`
	Autosave      time.Duration `yaml:"autosave"`
	EmergencyStop time.Duration `yaml:"emergency_stop"`
}

// DefaultTimeouts returns the stock deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Reconcile:     2 * time.Second,
		Debounce:      100 * time.Millisecond,
		Health:        5 * time.Second,
		Watchdog:      15 * time.Second,
		Autosave:      60 * time.Second,
		EmergencyStop: 5 * time.Second,
	}
}
