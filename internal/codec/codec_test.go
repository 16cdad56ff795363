package codec

import (
	"testing"

	"github.com/coachrun/rvc-core/internal/config"
)

func sampleTable() config.RVCSpecTable {
	return config.RVCSpecTable{
		PGNs: map[uint32]config.PGNDef{
			0x1FEDA: {
				PGN:      0x1FEDA,
				Name:     "DC_DIMMER_STATUS",
				Protocol: config.ProtocolRVC,
				Fields: []config.FieldDef{
					{
						Name:       "instance",
						OffsetBits: 0,
						LengthBits: 8,
						Endianness: config.LittleEndian,
						Scale:      1,
						ValidMin:   0,
						ValidMax:   0xFA,
					},
					{
						Name:             "level",
						OffsetBits:       8,
						LengthBits:       8,
						Endianness:       config.LittleEndian,
						Scale:            0.5,
						ValidMin:         0,
						ValidMax:         200,
						InvalidSentinels: []uint64{0xFF},
					},
				},
			},
		},
	}
}

func TestDecomposeSynthesizePDU2RoundTrip(t *testing.T) {
	id := SynthesizeID(6, 0x1FEDA, 0x19, 0xFF)
	priority, pgn, source, destination := DecomposeID(id)

	if priority != 6 {
		t.Errorf("priority = %d, want 6", priority)
	}
	if pgn != 0x1FEDA {
		t.Errorf("pgn = %#x, want %#x", pgn, 0x1FEDA)
	}
	if source != 0x19 {
		t.Errorf("source = %#x, want %#x", source, 0x19)
	}
	if destination != 0xFF {
		t.Errorf("destination = %#x, want broadcast 0xFF", destination)
	}
	if !IsPDU1(0x1EF00) {
		t.Error("expected 0x1EF00 to be PDU1 (PF = 0xEF < 0xF0)")
	}
	if IsPDU1(pgn) {
		t.Errorf("expected %#x to be PDU2", pgn)
	}
}

func TestDecomposeSynthesizePDU1RoundTrip(t *testing.T) {
	const pgn = 0x1EF00 // PF = 0xEF < 0xF0: PDU1, destination-specific
	id := SynthesizeID(3, pgn, 0x05, 0x2A)
	priority, gotPGN, source, destination := DecomposeID(id)

	if priority != 3 {
		t.Errorf("priority = %d, want 3", priority)
	}
	if gotPGN != pgn {
		t.Errorf("pgn = %#x, want %#x", gotPGN, pgn)
	}
	if source != 0x05 {
		t.Errorf("source = %#x, want %#x", source, 0x05)
	}
	if destination != 0x2A {
		t.Errorf("destination = %#x, want %#x (PDU1 carries destination in PS)", destination, 0x2A)
	}
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	table := sampleTable()
	classifier := NewClassifier()

	req := EncodeRequest{
		PGN:         0x1FEDA,
		Priority:    6,
		Source:      0x19,
		Destination: 0xFF,
		Values: map[string]float64{
			"instance": 19,
			"level":    100,
		},
	}

	arbID, payload, err := Encode(req, table)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	frame, err := Decode("can0", arbID, true, payload, table, classifier)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if frame.PGN != req.PGN {
		t.Errorf("frame.PGN = %#x, want %#x", frame.PGN, req.PGN)
	}
	if frame.MessageType != "DC_DIMMER_STATUS" {
		t.Errorf("frame.MessageType = %q", frame.MessageType)
	}

	instance, ok := frame.Field("instance")
	if !ok || !instance.Valid || instance.Raw != 19 {
		t.Errorf("instance field = %+v, ok=%v", instance, ok)
	}

	level, ok := frame.Field("level")
	if !ok || !level.Valid {
		t.Fatalf("level field = %+v, ok=%v", level, ok)
	}
	if level.Scaled != 100 {
		t.Errorf("level.Scaled = %v, want 100", level.Scaled)
	}

	arbID2, payload2, err := Encode(req, table)
	if err != nil {
		t.Fatalf("second Encode() error = %v", err)
	}
	if arbID2 != arbID {
		t.Errorf("re-encoded arbitration id = %#x, want %#x", arbID2, arbID)
	}
	for i := range payload {
		if payload2[i] != payload[i] {
			t.Fatalf("payload byte %d diverged on re-encode: %#x vs %#x", i, payload2[i], payload[i])
		}
	}
}

func TestDecodeUnsetFieldsAreInvalid(t *testing.T) {
	table := sampleTable()
	classifier := NewClassifier()

	req := EncodeRequest{
		PGN:      0x1FEDA,
		Priority: 6,
		Source:   0x19,
		Values: map[string]float64{
			"instance": 19,
		},
	}

	arbID, payload, err := Encode(req, table)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	frame, err := Decode("can0", arbID, true, payload, table, classifier)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	level, ok := frame.Field("level")
	if !ok {
		t.Fatal("expected level field to be present even when unset")
	}
	if level.Valid {
		t.Error("expected unset level field (0xFF fill) to be marked invalid via sentinel")
	}
}

func TestEncodeRejectsOutOfRangeValue(t *testing.T) {
	table := sampleTable()
	req := EncodeRequest{
		PGN: 0x1FEDA,
		Values: map[string]float64{
			"level": 1000,
		},
	}
	if _, _, err := Encode(req, table); err == nil {
		t.Fatal("expected out-of-range level to be rejected")
	}
}

func TestEncodeRejectsUnknownPGN(t *testing.T) {
	table := sampleTable()
	req := EncodeRequest{PGN: 0xDEAD}
	if _, _, err := Encode(req, table); err == nil {
		t.Fatal("expected unknown PGN to be rejected")
	}
}

func TestClassifierLatchesAfterFiveObservations(t *testing.T) {
	c := NewClassifier()
	table := sampleTable()
	id := SynthesizeID(6, 0x1FEDA, 0x19, 0xFF)

	for i := 0; i < latchThreshold-1; i++ {
		if _, latched := c.Latched(id); latched {
			t.Fatalf("did not expect latch before %d observations", latchThreshold)
		}
		c.Classify(id, true, table)
	}

	if _, latched := c.Latched(id); latched {
		t.Fatalf("expected no latch after only %d observations", latchThreshold-1)
	}

	protocol := c.Classify(id, true, table)
	if protocol != config.ProtocolRVC {
		t.Fatalf("protocol = %v, want rvc", protocol)
	}

	latchedProtocol, latched := c.Latched(id)
	if !latched {
		t.Fatalf("expected latch after %d observations", latchThreshold)
	}
	if latchedProtocol != config.ProtocolRVC {
		t.Errorf("latched protocol = %v, want rvc", latchedProtocol)
	}
}

func TestClassifyCANopenFunctionCode(t *testing.T) {
	c := NewClassifier()
	table := sampleTable()

	const nodeID = 0x05
	const functionCode = 0x3 // TPDO1, within recognized CANopen range
	id := uint32(functionCode<<7) | nodeID

	protocol := c.Classify(id, false, table)
	if protocol != config.ProtocolCANopen {
		t.Errorf("protocol = %v, want canopen", protocol)
	}
}
