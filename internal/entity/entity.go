// Package entity implements the Entity Manager and Entity Control Service
//: the authoritative, content-addressed model of coach devices,
// and the validated command-dispatch pipeline that mutates it.
package entity

import (
	"time"

	"github.com/coachrun/rvc-core/internal/config"
)

// State is a tagged union over a common header. Kind discriminates which fields are
// meaningful; generic operations (list, broadcast) only ever touch the
// common Entity header, while kind-specific operations (encode, interlock
// evaluation) read the field that applies to their kind.
type State struct {
	On          bool    `json:"on"`
	Brightness  float64 `json:"brightness,omitempty"`   // light, 0-100
	Position    float64 `json:"position,omitempty"`      // slide/awning, 0-100 (100 = fully extended)
	Moving      bool    `json:"moving,omitempty"`        // slide/awning in transit
	Level       float64 `json:"level,omitempty"`         // tank, 0-100
	Mode        string  `json:"mode,omitempty"`           // hvac: off/heat/cool/fan
	TargetTemp  float64 `json:"target_temp,omitempty"`    // hvac, degrees C
	CurrentTemp float64 `json:"current_temp,omitempty"`   // hvac/sensor, degrees C
	Value       float64 `json:"value,omitempty"`          // generic sensor reading
}

// Entity is one coach device: a light, a slide, a tank sensor, etc.
// LastUpdate is monotonically non-decreasing; ApplyFrame discards any
// decoded message that would move it backwards.
type Entity struct {
	ID                   string
	Kind                 config.EntityKind
	Name                 string
	Icon                 string
	Unit                 string
	Category             string
	SafetyClassification string
	DeviceID             string
	Instance             int
	StatusPGN            uint32
	CommandPGN           uint32
	Interface            string
	Controllable         bool
	State                State
	Confirmed            State // last bus-confirmed state, restored on rollback
	LastUpdate           time.Time
}

// snapshot returns a value copy, safe to hand to callers/broadcast without
// sharing the manager's internal pointer.
func (e *Entity) snapshot() Entity {
	return *e
}

func newEntityFromDef(def config.EntityDef) *Entity {
	return &Entity{
		ID:                   def.ID,
		Kind:                 def.Kind,
		Name:                 def.Name,
		Icon:                 def.Icon,
		Unit:                 def.Unit,
		Category:             def.Category,
		SafetyClassification: def.SafetyClassification,
		DeviceID:             def.DeviceID,
		Instance:             def.Instance,
		StatusPGN:            def.StatusPGN,
		CommandPGN:           def.CommandPGN,
		Interface:            def.Interface,
		Controllable:         def.CommandPGN != 0,
	}
}
