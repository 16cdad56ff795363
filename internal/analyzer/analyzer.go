// Package analyzer implements the Protocol Analyzer: a passive
// consumer that feeds internal/codec's classification rule, tracks per-id
// interval histograms, and emits CommunicationPattern events for periodic,
// peer-to-peer, and broadcast traffic shapes.
package analyzer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/coachrun/rvc-core/infrastructure/logging"
	"github.com/coachrun/rvc-core/infrastructure/metrics"
	"github.com/coachrun/rvc-core/internal/codec"
	"github.com/coachrun/rvc-core/internal/registry"
)

// PatternType names the traffic shapes the analyzer detects.
type PatternType string

const (
	PatternPeriodic    PatternType = "periodic"
	PatternPeerToPeer  PatternType = "peer_to_peer"
	PatternBroadcast   PatternType = "broadcast"
)

// window is the observation span patterns are evaluated over. A periodic
// verdict needs an interval std-dev under 10% of the mean across at least
// three observations inside one window.
const window = 5 * time.Second

// minObservations is the minimum sample count before a periodic pattern is
// considered.
const minObservations = 3

// periodicCV is the coefficient-of-variation bound (std-dev / mean) a
// periodic pattern must stay under.
const periodicCV = 0.10

// broadcastFanout is the minimum number of distinct destinations a single
// source must address within window before it is called a broadcast
// pattern.
const broadcastFanout = 4

// CommunicationPattern is one detected traffic shape, published once per
// distinct set of parameters; subsequent matches that don't change
// parameters are suppressed.
type CommunicationPattern struct {
	Type         PatternType
	Participants []uint32
	IntervalMs   float64
	Confidence   float64
	DetectedAt   time.Time
}

type idHistory struct {
	lastSeen   time.Time
	intervals  []float64 // milliseconds, at most 32, spanning no more than `window`
	lastPub    string    // fingerprint of the last published periodic pattern
}

type peerKey struct{ a, b uint32 }

type peerHistory struct {
	lastSeen time.Time
	count    int
	lastPub  string
}

type sourceFanout struct {
	dests   map[uint8]time.Time
	lastPub string
}

// Analyzer is the Service Registry module implementing the Protocol
// Analyzer. It never blocks the frame-processing path it taps: Observe is
// synchronous but cheap (map lookups and arithmetic only).
type Analyzer struct {
	log *logging.Logger
	m   *metrics.Metrics
	bus *registry.Bus

	classifier *codec.Classifier

	mu       sync.Mutex
	byID     map[uint32]*idHistory
	byPeer   map[peerKey]*peerHistory
	bySource map[uint8]*sourceFanout

	emergencyStopped bool
}

// New constructs an Analyzer. classifier is shared with internal/codec's
// decode path so classification cost is paid once.
func New(classifier *codec.Classifier, bus *registry.Bus, log *logging.Logger, m *metrics.Metrics) *Analyzer {
	return &Analyzer{
		log:        log,
		m:          m,
		bus:        bus,
		classifier: classifier,
		byID:       make(map[uint32]*idHistory),
		byPeer:     make(map[peerKey]*peerHistory),
		bySource:   make(map[uint8]*sourceFanout),
	}
}

func (a *Analyzer) Name() string   { return "protocol_analyzer" }
func (a *Analyzer) Domain() string { return "can" }

func (a *Analyzer) Start(ctx context.Context) error { return nil }
func (a *Analyzer) Stop(ctx context.Context) error  { return nil }

func (a *Analyzer) SafetyClassification() registry.SafetyClassification {
	return registry.ClassInformational
}

func (a *Analyzer) EmergencyStopAction() registry.EmergencyStopAction {
	return registry.ActionContinueOperation
}

func (a *Analyzer) EmergencyStop(ctx context.Context, reason string) (registry.EmergencyStopOutcome, error) {
	a.mu.Lock()
	a.emergencyStopped = true
	a.mu.Unlock()
	return registry.EmergencyStopOutcome{
		Service: a.Name(),
		Action:  a.EmergencyStopAction(),
		Result:  "continuing",
		At:      time.Now(),
	}, nil
}

func (a *Analyzer) ClearEmergencyStop() {
	a.mu.Lock()
	a.emergencyStopped = false
	a.mu.Unlock()
}

func (a *Analyzer) SafetyStatus() registry.SafetyStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return registry.SafetyStatus{Healthy: true, EmergencyStopped: a.emergencyStopped}
}

// Observe feeds one decoded frame into the analyzer's pattern-detection
// state. It is intended to be wired as a tap alongside internal/can.Facade's
// FrameHandler, downstream of codec decode.
func (a *Analyzer) Observe(ctx context.Context, frame codec.DecodedFrame) {
	now := time.Now()
	a.mu.Lock()
	if a.emergencyStopped {
		a.mu.Unlock()
		return
	}
	periodic := a.observePeriodic(frame.ArbitrationID, now)
	peer := a.observePeer(frame, now)
	broadcast := a.observeBroadcast(frame, now)
	a.mu.Unlock()

	for _, p := range []*CommunicationPattern{periodic, peer, broadcast} {
		if p == nil {
			continue
		}
		a.publish(ctx, *p)
	}
}

func (a *Analyzer) observePeriodic(id uint32, now time.Time) *CommunicationPattern {
	h, ok := a.byID[id]
	if !ok {
		h = &idHistory{}
		a.byID[id] = h
	}
	if !h.lastSeen.IsZero() {
		interval := now.Sub(h.lastSeen).Seconds() * 1000
		h.intervals = append(h.intervals, interval)
		h.intervals = pruneOld(h.intervals, len(h.intervals))
		span := 0.0
		for i := len(h.intervals) - 1; i >= 0; i-- {
			span += h.intervals[i]
			if span > float64(window.Milliseconds()) {
				h.intervals = h.intervals[i+1:]
				break
			}
		}
	}
	h.lastSeen = now

	if len(h.intervals) < minObservations {
		return nil
	}
	mean, stddev := meanStddev(h.intervals)
	if mean <= 0 {
		return nil
	}
	cv := stddev / mean
	if cv >= periodicCV {
		return nil
	}
	fp := fingerprint(id, mean)
	if fp == h.lastPub {
		return nil
	}
	h.lastPub = fp
	return &CommunicationPattern{
		Type:         PatternPeriodic,
		Participants: []uint32{id},
		IntervalMs:   mean,
		Confidence:   1 - cv,
		DetectedAt:   now,
	}
}

func (a *Analyzer) observePeer(frame codec.DecodedFrame, now time.Time) *CommunicationPattern {
	if frame.Source == 0 && frame.Destination == 0xFF {
		return nil
	}
	key := peerKey{a: uint32(frame.Source), b: uint32(frame.Destination)}
	ph, ok := a.byPeer[key]
	if !ok {
		ph = &peerHistory{}
		a.byPeer[key] = ph
	}
	if now.Sub(ph.lastSeen) <= window {
		ph.count++
	} else {
		ph.count = 1
	}
	ph.lastSeen = now
	if ph.count < minObservations {
		return nil
	}
	fp := fingerprint(key.a, float64(key.b))
	if fp == ph.lastPub {
		return nil
	}
	ph.lastPub = fp
	return &CommunicationPattern{
		Type:         PatternPeerToPeer,
		Participants: []uint32{key.a, key.b},
		Confidence:   math.Min(1, float64(ph.count)/10),
		DetectedAt:   now,
	}
}

func (a *Analyzer) observeBroadcast(frame codec.DecodedFrame, now time.Time) *CommunicationPattern {
	if frame.Destination != 0xFF {
		return nil
	}
	sf, ok := a.bySource[frame.Source]
	if !ok {
		sf = &sourceFanout{dests: make(map[uint8]time.Time)}
		a.bySource[frame.Source] = sf
	}
	sf.dests[uint8(frame.ArbitrationID&0xFF)] = now
	for d, t := range sf.dests {
		if now.Sub(t) > window {
			delete(sf.dests, d)
		}
	}
	if len(sf.dests) < broadcastFanout {
		return nil
	}
	fp := fingerprint(uint32(frame.Source), float64(len(sf.dests)))
	if fp == sf.lastPub {
		return nil
	}
	sf.lastPub = fp
	return &CommunicationPattern{
		Type:         PatternBroadcast,
		Participants: []uint32{uint32(frame.Source)},
		Confidence:   math.Min(1, float64(len(sf.dests))/8),
		DetectedAt:   now,
	}
}

func (a *Analyzer) publish(ctx context.Context, p CommunicationPattern) {
	if a.m != nil {
		a.m.RecordPattern(string(p.Type))
	}
	if a.log != nil {
		a.log.WithFields(map[string]any{
			"pattern_type": p.Type,
			"participants": p.Participants,
		}).Info("communication pattern detected")
	}
	if a.bus != nil {
		_ = a.bus.PublishEvent(ctx, "communication_pattern", p)
	}
}

func pruneOld(intervals []float64, n int) []float64 {
	const maxSamples = 32
	if n > maxSamples {
		return intervals[n-maxSamples:]
	}
	return intervals
}

func meanStddev(xs []float64) (mean, stddev float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))
	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return mean, math.Sqrt(variance)
}

func fingerprint(a uint32, b float64) string {
	return fmt.Sprintf("%d:%d", a, int64(b*1000))
}
