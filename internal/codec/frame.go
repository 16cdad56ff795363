package codec

import (
	"github.com/coachrun/rvc-core/internal/config"
)

// DecodedField is one field extracted from a frame's payload, carrying
// both its raw and scaled representation. Valid reflects whether the raw
// value is within the range the PGN table defines for the field, not
// whether scaling succeeded.
type DecodedField struct {
	Name   string
	Raw    uint64
	Scaled float64
	Unit   string
	Valid  bool
}

// DecodedFrame is the decode layer's output: source interface, arbitration
// id, raw payload, detected protocol, classified message type, decoded
// fields, and derived J1939/RV-C addressing.
type DecodedFrame struct {
	Interface     string
	ArbitrationID uint32
	Extended      bool
	Payload       []byte
	Protocol      config.Protocol
	MessageType   string
	Fields        []DecodedField

	PGN         uint32
	Priority    uint8
	Source      uint8
	Destination uint8 // 0xFF means broadcast/not-applicable
}

// Field returns the named decoded field, if present.
func (f DecodedFrame) Field(name string) (DecodedField, bool) {
	for _, fld := range f.Fields {
		if fld.Name == name {
			return fld, true
		}
	}
	return DecodedField{}, false
}
