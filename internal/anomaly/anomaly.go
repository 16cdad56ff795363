// Package anomaly implements the Anomaly Detector (passive
// scan of bus for suspicious patterns). It taps the same decoded-frame
// stream as internal/analyzer but looks for signs of malfunction or
// tampering rather than classifying legitimate traffic shapes: payload
// length mismatches against the spec table, arbitration-id flooding, and
// a source address claiming two different physical interfaces for the
// same id within a short window (spoofing/mis-wiring).
package anomaly

import (
	"context"
	"sync"
	"time"

	"github.com/coachrun/rvc-core/infrastructure/logging"
	"github.com/coachrun/rvc-core/infrastructure/metrics"
	"github.com/coachrun/rvc-core/internal/codec"
	"github.com/coachrun/rvc-core/internal/config"
	"github.com/coachrun/rvc-core/internal/registry"
)

// Kind names one anomaly category.
type Kind string

const (
	KindLengthMismatch Kind = "length_mismatch"
	KindFlood          Kind = "flood"
	KindInterfaceFlap  Kind = "interface_flap"
	KindInvalidField   Kind = "invalid_field"
)

// Anomaly is one detected suspicious observation, published on the bus's
// "bus_anomaly" topic.
type Anomaly struct {
	Kind          Kind
	ArbitrationID uint32
	Interface     string
	Detail        string
	DetectedAt    time.Time
}

// floodWindow bounds the rate-counting window for the flood check.
const floodWindow = time.Second

// floodThreshold is the max observations of one id allowed inside
// floodWindow before it is flagged (RV-C status broadcasts typically run
// at <=10Hz; sustained >50Hz on one id is not normal bus traffic).
const floodThreshold = 50

// flapWindow bounds how long a prior interface sighting for an id is
// remembered before a different interface reporting the same id is no
// longer considered a flap.
const flapWindow = 2 * time.Second

type idState struct {
	windowStart time.Time
	count       int
	lastIface   string
	lastIfaceAt time.Time
	lastFlood   string
	lastFlap    string
}

// Detector is the Service Registry module implementing the Anomaly
// Detector.
type Detector struct {
	log   *logging.Logger
	m     *metrics.Metrics
	bus   *registry.Bus
	table config.RVCSpecTable

	mu               sync.Mutex
	state            map[uint32]*idState
	emergencyStopped bool
}

// New constructs a Detector against the given RV-C spec table (used for
// the length-mismatch check).
func New(table config.RVCSpecTable, bus *registry.Bus, log *logging.Logger, m *metrics.Metrics) *Detector {
	return &Detector{
		log:   log,
		m:     m,
		bus:   bus,
		table: table,
		state: make(map[uint32]*idState),
	}
}

func (d *Detector) Name() string   { return "anomaly_detector" }
func (d *Detector) Domain() string { return "can" }

func (d *Detector) Start(ctx context.Context) error { return nil }
func (d *Detector) Stop(ctx context.Context) error  { return nil }

func (d *Detector) SafetyClassification() registry.SafetyClassification {
	return registry.ClassOperational
}

func (d *Detector) EmergencyStopAction() registry.EmergencyStopAction {
	return registry.ActionContinueOperation
}

func (d *Detector) EmergencyStop(ctx context.Context, reason string) (registry.EmergencyStopOutcome, error) {
	d.mu.Lock()
	d.emergencyStopped = true
	d.mu.Unlock()
	return registry.EmergencyStopOutcome{
		Service: d.Name(),
		Action:  d.EmergencyStopAction(),
		Result:  "continuing",
		At:      time.Now(),
	}, nil
}

func (d *Detector) ClearEmergencyStop() {
	d.mu.Lock()
	d.emergencyStopped = false
	d.mu.Unlock()
}

func (d *Detector) SafetyStatus() registry.SafetyStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return registry.SafetyStatus{Healthy: true, EmergencyStopped: d.emergencyStopped}
}

// Observe feeds one decoded frame into the anomaly checks, publishing any
// anomalies found. Like internal/analyzer.Observe, this is meant to be
// wired as a passive tap and never blocks the caller.
func (d *Detector) Observe(ctx context.Context, frame codec.DecodedFrame) {
	now := time.Now()
	var found []Anomaly

	d.mu.Lock()
	if d.emergencyStopped {
		d.mu.Unlock()
		return
	}
	if a := d.checkLength(frame); a != nil {
		found = append(found, *a)
	}
	if a := d.checkFlood(frame, now); a != nil {
		found = append(found, *a)
	}
	if a := d.checkFlap(frame, now); a != nil {
		found = append(found, *a)
	}
	for _, fld := range frame.Fields {
		if !fld.Valid {
			found = append(found, Anomaly{
				Kind:          KindInvalidField,
				ArbitrationID: frame.ArbitrationID,
				Interface:     frame.Interface,
				Detail:        fld.Name,
				DetectedAt:    now,
			})
		}
	}
	d.mu.Unlock()

	for _, a := range found {
		d.publish(ctx, a)
	}
}

func (d *Detector) checkLength(frame codec.DecodedFrame) *Anomaly {
	def, ok := d.table.Lookup(frame.PGN)
	if !ok {
		return nil
	}
	maxBit := 0
	for _, fd := range def.Fields {
		if end := fd.OffsetBits + fd.LengthBits; end > maxBit {
			maxBit = end
		}
	}
	needed := (maxBit + 7) / 8
	if needed > 0 && len(frame.Payload) < needed {
		return &Anomaly{
			Kind:          KindLengthMismatch,
			ArbitrationID: frame.ArbitrationID,
			Interface:     frame.Interface,
			Detail:        def.Name,
			DetectedAt:    time.Now(),
		}
	}
	return nil
}

func (d *Detector) checkFlood(frame codec.DecodedFrame, now time.Time) *Anomaly {
	st, ok := d.state[frame.ArbitrationID]
	if !ok {
		st = &idState{windowStart: now}
		d.state[frame.ArbitrationID] = st
	}
	if now.Sub(st.windowStart) > floodWindow {
		st.windowStart = now
		st.count = 0
	}
	st.count++
	if st.count <= floodThreshold {
		return nil
	}
	fp := frame.Interface
	if fp == st.lastFlood {
		return nil
	}
	st.lastFlood = fp
	return &Anomaly{
		Kind:          KindFlood,
		ArbitrationID: frame.ArbitrationID,
		Interface:     frame.Interface,
		Detail:        "rate exceeded threshold",
		DetectedAt:    now,
	}
}

func (d *Detector) checkFlap(frame codec.DecodedFrame, now time.Time) *Anomaly {
	st, ok := d.state[frame.ArbitrationID]
	if !ok {
		st = &idState{}
		d.state[frame.ArbitrationID] = st
	}
	prevIface, prevAt := st.lastIface, st.lastIfaceAt
	st.lastIface, st.lastIfaceAt = frame.Interface, now

	if prevIface == "" || prevIface == frame.Interface {
		return nil
	}
	if now.Sub(prevAt) > flapWindow {
		return nil
	}
	fp := prevIface + ">" + frame.Interface
	if fp == st.lastFlap {
		return nil
	}
	st.lastFlap = fp
	return &Anomaly{
		Kind:          KindInterfaceFlap,
		ArbitrationID: frame.ArbitrationID,
		Interface:     frame.Interface,
		Detail:        prevIface + " -> " + frame.Interface,
		DetectedAt:    now,
	}
}

func (d *Detector) publish(ctx context.Context, a Anomaly) {
	if d.m != nil {
		d.m.RecordAnomaly(string(a.Kind))
	}
	if d.log != nil {
		d.log.WithFields(map[string]any{
			"kind":      a.Kind,
			"can_id":    a.ArbitrationID,
			"interface": a.Interface,
		}).Warn("bus anomaly detected")
	}
	if d.bus != nil {
		_ = d.bus.PublishEvent(ctx, "bus_anomaly", a)
	}
}
