package codec

import (
	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
	"github.com/coachrun/rvc-core/internal/config"
)

// maxPayloadBytes is the classic CAN frame payload bound.
const maxPayloadBytes = 8

// Decode translates a raw CAN frame into a DecodedFrame. It derives
// addressing via DecomposeID for extended (29-bit) ids, classifies the
// protocol via classifier, and — when the PGN is known to table — decodes
// each table-declared field, both raw and scaled, with its validity flag.
func Decode(iface string, arbID uint32, extended bool, payload []byte, table config.RVCSpecTable, classifier *Classifier) (DecodedFrame, error) {
	if len(payload) > maxPayloadBytes {
		return DecodedFrame{}, rvcerrors.InvalidInputErr("payload", "exceeds 8 bytes")
	}

	frame := DecodedFrame{
		Interface:     iface,
		ArbitrationID: arbID,
		Extended:      extended,
		Payload:       append([]byte(nil), payload...),
	}

	if extended {
		priority, pgn, source, destination := DecomposeID(arbID)
		frame.Priority = priority
		frame.PGN = pgn
		frame.Source = source
		frame.Destination = destination
	}

	frame.Protocol = classifier.Classify(arbID, extended, table)

	def, ok := table.Lookup(frame.PGN)
	if !ok {
		return frame, nil
	}
	frame.MessageType = def.Name
	frame.Fields = make([]DecodedField, 0, len(def.Fields))
	for _, fd := range def.Fields {
		frame.Fields = append(frame.Fields, decodeField(payload, fd))
	}
	return frame, nil
}

func decodeField(payload []byte, fd config.FieldDef) DecodedField {
	raw := extractRaw(payload, fd.OffsetBits, fd.LengthBits, fd.Endianness)

	valid := raw >= fd.ValidMin && raw <= fd.ValidMax
	for _, sentinel := range fd.InvalidSentinels {
		if raw == sentinel {
			valid = false
			break
		}
	}

	return DecodedField{
		Name:   fd.Name,
		Raw:    raw,
		Scaled: float64(raw)*fd.Scale + fd.Offset,
		Unit:   fd.Unit,
		Valid:  valid,
	}
}
