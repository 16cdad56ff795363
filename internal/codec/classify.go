package codec

import (
	"sync"

	"github.com/coachrun/rvc-core/internal/config"
)

// latchThreshold is the observation count after which a tentative protocol
// classification is latched for an arbitration id.
const latchThreshold = 5

// rvcPGNBandLow and rvcPGNBandHigh bound the PGN band RV-C reserves for
// its DGNs; 29-bit ids in this band classify as RV-C.
const (
	rvcPGNBandLow  = 0x1FE00
	rvcPGNBandHigh = 0x1FEFF
)

// canOpenMaxFunctionCode bounds the recognized CANopen function-code range
// for 11-bit arbitration ids (function code is the top 4 bits of the
// 11-bit id; 0xF is reserved and left UNKNOWN).
const canOpenMaxFunctionCode = 0xE

type hintState struct {
	protocol config.Protocol
	count    int
	latched  bool
}

// Classifier tentatively classifies frames by arbitration id and latches a
// verdict once it has been observed consistently enough times, so
// subsequent frames for that id skip classification cost.
type Classifier struct {
	mu    sync.Mutex
	hints map[uint32]*hintState
}

// NewClassifier constructs an empty classifier.
func NewClassifier() *Classifier {
	return &Classifier{hints: make(map[uint32]*hintState)}
}

// Classify returns the detected or latched protocol for id, recording one
// more observation.
func (c *Classifier) Classify(id uint32, extended bool, table config.RVCSpecTable) config.Protocol {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.hints[id]
	if ok && st.latched {
		return st.protocol
	}

	detected := detectProtocol(id, extended, table)
	if !ok {
		c.hints[id] = &hintState{protocol: detected, count: 1}
		return detected
	}

	if st.protocol == detected {
		st.count++
	} else {
		st.protocol = detected
		st.count = 1
	}
	if st.count >= latchThreshold {
		st.latched = true
	}
	return st.protocol
}

// Latched reports whether id's classification has latched, and the
// latched protocol.
func (c *Classifier) Latched(id uint32) (config.Protocol, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.hints[id]
	if !ok || !st.latched {
		return config.ProtocolUnknown, false
	}
	return st.protocol, true
}

// detectProtocol implements the detection rule.
func detectProtocol(id uint32, extended bool, table config.RVCSpecTable) config.Protocol {
	if !extended {
		functionCode := (id >> 7) & 0xF
		if functionCode <= canOpenMaxFunctionCode {
			return config.ProtocolCANopen
		}
		return config.ProtocolUnknown
	}

	_, pgn, _, _ := DecomposeID(id)
	if pgn >= rvcPGNBandLow && pgn <= rvcPGNBandHigh {
		return config.ProtocolRVC
	}
	if def, ok := table.Lookup(pgn); ok && def.Protocol == config.ProtocolJ1939 {
		return config.ProtocolJ1939
	}
	return config.ProtocolUnknown
}
