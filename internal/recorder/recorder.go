// Package recorder implements the Recorder/Replay component: a
// ring buffer of decoded frames with configurable capacity, periodic
// autosave, and timing-preserving replay with optional per-frame
// modification and interface remapping.
package recorder

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
	"github.com/coachrun/rvc-core/infrastructure/logging"
	"github.com/coachrun/rvc-core/infrastructure/metrics"
	"github.com/coachrun/rvc-core/infrastructure/worker"
	"github.com/coachrun/rvc-core/internal/codec"
	"github.com/coachrun/rvc-core/internal/registry"
)

// Format selects the on-disk representation of a saved recording.
type Format string

const (
	FormatJSONLines Format = "jsonl"
	FormatCSV       Format = "csv"
	FormatBinary    Format = "binary"
	FormatCandump   Format = "candump"
)

// DefaultAutosaveInterval is how often an active session is flushed to
// disk between explicit stops.
const DefaultAutosaveInterval = 60 * time.Second

// State is a recording session's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateReplaying State = "replaying"
)

// RecordedFrame is one captured decoded frame plus its capture timestamp.
type RecordedFrame struct {
	Timestamp time.Time
	Frame     codec.DecodedFrame
}

// Filter narrows which frames a recording session captures.
type Filter struct {
	Interfaces []string
	CANIDs     []uint32
	PGNs       []uint32
}

func (f Filter) allows(frame codec.DecodedFrame) bool {
	if len(f.Interfaces) > 0 && !contains(f.Interfaces, frame.Interface) {
		return false
	}
	if len(f.CANIDs) > 0 && !containsU32(f.CANIDs, frame.ArbitrationID) {
		return false
	}
	if len(f.PGNs) > 0 && !containsU32(f.PGNs, frame.PGN) {
		return false
	}
	return true
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func containsU32(xs []uint32, v uint32) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// Session is one recording's metadata plus its captured frames.
type Session struct {
	ID          string
	Name        string
	Description string
	Format      Format
	Filter      Filter
	StartedAt   time.Time
	EndedAt     time.Time
	Frames      []RecordedFrame
	Overruns    int
}

// Recorder is the Service Registry module implementing the Recorder/Replay
// component.
type Recorder struct {
	log *logging.Logger
	m   *metrics.Metrics

	recordingsDir    string
	capacity         int
	autosaveInterval time.Duration
	autosave         *worker.Worker

	overflow OverflowStore

	mu               sync.Mutex
	state            State
	current          *Session
	replayCancel     context.CancelFunc
	emergencyStopped bool
}

// OverflowStore receives frames the ring buffer evicts once a session
// reaches its capacity, instead of letting them go entirely (DOMAIN
// STACK: "Recorder ring-buffer spillover", backed in production by
// internal/repository.FrameCache over Redis). Spilling is best-effort:
// Capture never blocks on it and a spill failure only logs.
type OverflowStore interface {
	SpillFrame(ctx context.Context, sessionID string, frame []byte) error
}

// Option customizes a Recorder at construction time.
type Option func(*Recorder)

// WithCapacity overrides the ring buffer's per-session frame capacity.
func WithCapacity(n int) Option {
	return func(r *Recorder) { r.capacity = n }
}

// WithAutosaveInterval overrides T_autosave.
func WithAutosaveInterval(d time.Duration) Option {
	return func(r *Recorder) { r.autosaveInterval = d }
}

// WithOverflowStore installs a store evicted frames are spilled to
// instead of being dropped outright.
func WithOverflowStore(store OverflowStore) Option {
	return func(r *Recorder) { r.overflow = store }
}

// New constructs a Recorder writing completed/autosaved sessions as
// individual files under recordingsDir.
func New(recordingsDir string, log *logging.Logger, m *metrics.Metrics, opts ...Option) *Recorder {
	r := &Recorder{
		log:              log,
		m:                m,
		recordingsDir:    recordingsDir,
		capacity:         100000,
		autosaveInterval: DefaultAutosaveInterval,
		state:            StateIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) Name() string   { return "recorder" }
func (r *Recorder) Domain() string { return "can" }

func (r *Recorder) Start(ctx context.Context) error {
	r.autosave = worker.New(worker.Config{
		Name:     "recorder_autosave",
		Interval: r.autosaveInterval,
		Fn: func(ctx context.Context) error {
			r.autosaveCurrent(ctx)
			return nil
		},
	})
	r.autosave.Start(ctx)
	return nil
}

func (r *Recorder) Stop(ctx context.Context) error {
	if r.autosave != nil {
		r.autosave.Stop()
	}
	r.mu.Lock()
	if r.state == StateRecording || r.state == StatePaused {
		r.mu.Unlock()
		_, _ = r.StopRecording(ctx)
		return nil
	}
	r.mu.Unlock()
	return nil
}

func (r *Recorder) SafetyClassification() registry.SafetyClassification {
	return registry.ClassMaintenance
}

func (r *Recorder) EmergencyStopAction() registry.EmergencyStopAction {
	return registry.ActionContinueOperation
}

func (r *Recorder) EmergencyStop(ctx context.Context, reason string) (registry.EmergencyStopOutcome, error) {
	r.mu.Lock()
	r.emergencyStopped = true
	if r.replayCancel != nil {
		r.replayCancel()
	}
	r.mu.Unlock()
	return registry.EmergencyStopOutcome{
		Service: r.Name(),
		Action:  r.EmergencyStopAction(),
		Result:  "continuing",
		At:      time.Now(),
	}, nil
}

func (r *Recorder) ClearEmergencyStop() {
	r.mu.Lock()
	r.emergencyStopped = false
	r.mu.Unlock()
}

func (r *Recorder) SafetyStatus() registry.SafetyStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return registry.SafetyStatus{Healthy: true, EmergencyStopped: r.emergencyStopped}
}

// StartRecording begins a new capture session; fails with Conflict if one
// is already active.
func (r *Recorder) StartRecording(name string, format Format, filter Filter) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateIdle {
		return nil, rvcerrors.ConflictErr("recorder: cannot start recording in state " + string(r.state))
	}
	r.current = &Session{
		ID:        "rec_" + uuid.NewString(),
		Name:      name,
		Format:    format,
		Filter:    filter,
		StartedAt: time.Now(),
	}
	r.state = StateRecording
	return r.current, nil
}

// PauseRecording suspends capture without ending the session.
func (r *Recorder) PauseRecording() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording {
		return rvcerrors.ConflictErr("recorder: not recording")
	}
	r.state = StatePaused
	return nil
}

// ResumeRecording resumes a paused session.
func (r *Recorder) ResumeRecording() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePaused {
		return rvcerrors.ConflictErr("recorder: not paused")
	}
	r.state = StateRecording
	return nil
}

// StopRecording ends the active session, writes it to disk, and returns it.
func (r *Recorder) StopRecording(ctx context.Context) (*Session, error) {
	r.mu.Lock()
	if r.state != StateRecording && r.state != StatePaused {
		r.mu.Unlock()
		return nil, rvcerrors.ConflictErr("recorder: not recording")
	}
	session := r.current
	session.EndedAt = time.Now()
	r.current = nil
	r.state = StateIdle
	r.mu.Unlock()

	if err := r.save(session); err != nil && r.log != nil {
		r.log.WithFields(map[string]any{"session": session.ID, "error": err.Error()}).
			Error("recorder: failed to save session")
	}
	return session, nil
}

// Capture is the per-frame tap: append frame to the active session's ring
// buffer if recording and the session's filter admits it. Like
// internal/analyzer and internal/anomaly's Observe, this never blocks.
func (r *Recorder) Capture(frame codec.DecodedFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording || r.current == nil {
		return
	}
	if !r.current.Filter.allows(frame) {
		return
	}
	rec := RecordedFrame{Timestamp: time.Now(), Frame: frame}
	if len(r.current.Frames) >= r.capacity {
		evicted := r.current.Frames[0]
		copy(r.current.Frames, r.current.Frames[1:])
		r.current.Frames[len(r.current.Frames)-1] = rec
		r.current.Overruns++
		if r.m != nil {
			r.m.RecordRecorderOverrun(r.current.ID)
		}
		r.spillEvicted(r.current.ID, evicted)
		return
	}
	r.current.Frames = append(r.current.Frames, rec)
	if r.m != nil {
		r.m.RecordRecorderFrame(frame.Interface)
	}
}

// spillEvicted best-effort forwards a ring-buffer-evicted frame to the
// configured OverflowStore. Never blocks Capture's caller on I/O: the
// marshal happens inline (cheap) but the store call runs in its own
// goroutine.
func (r *Recorder) spillEvicted(sessionID string, rec RecordedFrame) {
	if r.overflow == nil {
		return
	}
	body, err := json.Marshal(toFrameRecord(rec))
	if err != nil {
		return
	}
	go func() {
		if err := r.overflow.SpillFrame(context.Background(), sessionID, body); err != nil && r.log != nil {
			r.log.WithFields(map[string]any{"session": sessionID, "error": err.Error()}).
				Warn("recorder: overflow spill failed")
		}
	}()
}

func (r *Recorder) autosaveCurrent(ctx context.Context) {
	r.mu.Lock()
	active := r.state == StateRecording || r.state == StatePaused
	session := r.current
	r.mu.Unlock()
	if !active || session == nil {
		return
	}
	if err := r.save(session); err != nil && r.log != nil {
		r.log.WithFields(map[string]any{"session": session.ID, "error": err.Error()}).
			Warn("recorder: autosave failed")
	}
}

// Status reports the recorder's current lifecycle state and active session
// id, if any.
func (r *Recorder) Status() (State, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return r.state, ""
	}
	return r.state, r.current.ID
}

