package config

// InterlockDef declares one named safety predicate evaluated by the Safety
// Service before a safety-critical operation proceeds, e.g.
// "slide_extend requires parking_brake=engaged AND jacks=retracted AND
// speed=0". Predicates themselves are compiled at startup from these
// declarative conditions; see internal/safety.
type InterlockDef struct {
	Name       string             `yaml:"name"`
	AppliesTo  []string           `yaml:"applies_to"`  // entity ids or kinds this interlock gates
	Conditions []InterlockCond    `yaml:"conditions"`
	Reason     string             `yaml:"reason"`
}

// InterlockCond compares a named signal (another entity's observed state,
// or a synthetic vehicle signal such as "vehicle_speed") against a value.
type InterlockCond struct {
	Signal   string `yaml:"signal"`
	Operator string `yaml:"operator"` // "=", "!=", "<", "<=", ">", ">="
	Value    string `yaml:"value"`
}

// SafetyPolicy is the operator-editable safety configuration: the
// dangerous-PGN enumeration (configuration, not a Go constant table, since
// OEM deployments extend it), the interlock declarations, and the signal
// alias table.
//
// SignalAliases maps a vehicle-wide synthetic signal name onto the
// entity-keyed form the coach mapping actually carries, e.g.
// "vehicle_speed" -> "sensor.vehicle_speed.value", so interlock conditions
// can be written against stable names regardless of which entity a given
// coach sources them from. Lookup is a single level; an alias target is
// never itself re-aliased.
type SafetyPolicy struct {
	DangerousPGNs []uint32          `yaml:"dangerous_pgns"`
	Interlocks    []InterlockDef    `yaml:"interlocks"`
	SignalAliases map[string]string `yaml:"signal_aliases"`
}

// IsDangerous reports whether pgn is in the configured dangerous set.
func (s SafetyPolicy) IsDangerous(pgn uint32) bool {
	for _, d := range s.DangerousPGNs {
		if d == pgn {
			return true
		}
	}
	return false
}

// DefaultSafetyPolicy enumerates the conservative dangerous-PGN set:
// engine, brake, cruise, and transmission controllers, plus retarder, dash
// display, electrical power management, and engine fluid level/pressure.
func DefaultSafetyPolicy() SafetyPolicy {
	return SafetyPolicy{
		DangerousPGNs: []uint32{
			0xFEF1, // Cruise Control/Vehicle Distance
			0xFEF2, // Electronic Brake Controller
			0xFEF3, // Transmission Controller
			0xFEF4, // Engine Controller
			0xFEF5, // Retarder
			0xFEFC, // Dash Display
			0xFEEC, // Electrical Power Management
			0xFEEF, // Engine Fluid Level/Pressure
		},
	}
}
