package codec

import (
	"fmt"
	"math"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
	"github.com/coachrun/rvc-core/internal/config"
)

// EncodeRequest names the PGN to synthesize plus scaled values for any
// fields the caller wants to set by name; fields left unset retain J1939's
// conventional "not available" fill (all payload bits set).
type EncodeRequest struct {
	PGN         uint32
	Priority    uint8
	Source      uint8
	Destination uint8
	Values      map[string]float64
}

// Encode inverts Decode: given a PGN definition and scaled field values, it
// packs a CAN frame (arbitration id + payload) Encoding
// fails with InvalidInput ("out of range") if a scaled value's raw
// equivalent does not fit the field's declared bit width.
func Encode(req EncodeRequest, table config.RVCSpecTable) (arbID uint32, payload []byte, err error) {
	def, ok := table.Lookup(req.PGN)
	if !ok {
		return 0, nil, rvcerrors.NotFoundErr("pgn", fmt.Sprintf("0x%X", req.PGN))
	}

	payload = make([]byte, maxPayloadBytes)
	for i := range payload {
		payload[i] = 0xFF // J1939 "not available" convention for unset fields
	}

	for _, fd := range def.Fields {
		scaled, set := req.Values[fd.Name]
		if !set {
			continue
		}
		scale := fd.Scale
		if scale == 0 {
			scale = 1
		}
		rawValue := math.Round((scaled - fd.Offset) / scale)
		if rawValue < 0 || uint64(rawValue) > fd.Width() {
			return 0, nil, rvcerrors.InvalidInputErr(fd.Name, "scaled value out of range for field width")
		}
		packRaw(payload, fd.OffsetBits, fd.LengthBits, fd.Endianness, uint64(rawValue))
	}

	arbID = SynthesizeID(req.Priority, req.PGN, req.Source, req.Destination)
	return arbID, payload, nil
}
