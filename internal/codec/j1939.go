package codec

// pduFormatThreshold is the J1939-21 boundary between PDU1 (destination-
// specific) and PDU2 (broadcast-only) addressing: a PDU format byte below
// this value is PDU1.
const pduFormatThreshold = 0xF0

// broadcastAddress is the implicit destination for PDU2 (broadcast) frames
// and for PDU1 frames addressed to "global".
const broadcastAddress = 0xFF

// DecomposeID extracts priority, PGN, and addressing from a 29-bit extended
// J1939/RV-C arbitration id.
//
// PGN = (DP<<16)|(PF<<8)|PS when PF >= 0xF0 (PDU2, broadcast, PS is the
// group-extension byte); when
// PF < 0xF0 (PDU1) the PGN's low byte is not part of the identifying PGN
// (PS there carries the destination address, not a group extension), so
// PGN = (DP<<16)|(PF<<8) and destination = PS. This matches J1939-21 §5.4.
func DecomposeID(id uint32) (priority uint8, pgn uint32, source uint8, destination uint8) {
	priority = uint8((id >> 26) & 0x7)
	dataPage := uint32((id >> 24) & 0x1)
	pduFormat := uint8((id >> 16) & 0xFF)
	pduSpecific := uint8((id >> 8) & 0xFF)
	source = uint8(id & 0xFF)

	pgn = (dataPage << 16) | (uint32(pduFormat) << 8)
	if pduFormat >= pduFormatThreshold {
		pgn |= uint32(pduSpecific)
		destination = broadcastAddress
	} else {
		destination = pduSpecific
	}
	return priority, pgn, source, destination
}

// SynthesizeID builds a 29-bit extended arbitration id from priority, PGN,
// source address, and destination address. The extended-id flag (bit 31)
// is always set
//
// PDU format (upper byte of PGN) < 0xF0 synthesizes PDU1: destination goes
// into the identifier's PDU-specific byte. >= 0xF0 synthesizes PDU2
// (broadcast): the PDU-specific byte comes from the PGN's own low byte
// (typically a group-extension) and destination is ignored.
func SynthesizeID(priority uint8, pgn uint32, source uint8, destination uint8) uint32 {
	dataPage := (pgn >> 16) & 0x1
	pduFormat := uint8((pgn >> 8) & 0xFF)

	var pduSpecific uint8
	if pduFormat < pduFormatThreshold {
		pduSpecific = destination
	} else {
		pduSpecific = uint8(pgn & 0xFF)
	}

	id := uint32(1) << 31 // extended-id flag
	id |= uint32(priority&0x7) << 26
	id |= dataPage << 24
	id |= uint32(pduFormat) << 16
	id |= uint32(pduSpecific) << 8
	id |= uint32(source)
	return id
}

// IsPDU1 reports whether a PGN's upper byte addresses PDU1 (destination-
// specific) mode.
func IsPDU1(pgn uint32) bool {
	return uint8((pgn>>8)&0xFF) < pduFormatThreshold
}
