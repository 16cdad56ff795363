package recorder

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/coachrun/rvc-core/infrastructure/logging"
	"github.com/coachrun/rvc-core/internal/can"
	"github.com/coachrun/rvc-core/internal/codec"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	dir := t.TempDir()
	log := logging.New("test", "error", "text")
	return New(dir, log, nil, WithCapacity(4))
}

func TestStartStopRecordingLifecycle(t *testing.T) {
	r := newTestRecorder(t)
	if _, err := r.StartRecording("trip1", FormatJSONLines, Filter{}); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	if _, err := r.StartRecording("trip2", FormatJSONLines, Filter{}); err == nil {
		t.Fatal("expected Conflict starting a second recording while one is active")
	}

	r.Capture(codec.DecodedFrame{Interface: "can0", ArbitrationID: 0x123, Payload: []byte{1, 2, 3}})
	r.Capture(codec.DecodedFrame{Interface: "can0", ArbitrationID: 0x456, Payload: []byte{4, 5, 6}})

	session, err := r.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("StopRecording() error = %v", err)
	}
	if len(session.Frames) != 2 {
		t.Fatalf("expected 2 captured frames, got %d", len(session.Frames))
	}

	files, err := os.ReadDir(r.recordingsDir)
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one saved recording file, got %v (err=%v)", files, err)
	}
}

func TestPauseResumeSkipsCapture(t *testing.T) {
	r := newTestRecorder(t)
	if _, err := r.StartRecording("trip", FormatJSONLines, Filter{}); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	if err := r.PauseRecording(); err != nil {
		t.Fatalf("PauseRecording() error = %v", err)
	}
	r.Capture(codec.DecodedFrame{Interface: "can0", ArbitrationID: 0x1})
	if err := r.ResumeRecording(); err != nil {
		t.Fatalf("ResumeRecording() error = %v", err)
	}
	r.Capture(codec.DecodedFrame{Interface: "can0", ArbitrationID: 0x2})

	session, err := r.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("StopRecording() error = %v", err)
	}
	if len(session.Frames) != 1 {
		t.Fatalf("expected capture to be skipped while paused, got %d frames", len(session.Frames))
	}
}

func TestCaptureFilterExcludesNonMatchingFrames(t *testing.T) {
	r := newTestRecorder(t)
	if _, err := r.StartRecording("trip", FormatJSONLines, Filter{Interfaces: []string{"can0"}}); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	r.Capture(codec.DecodedFrame{Interface: "can0", ArbitrationID: 0x1})
	r.Capture(codec.DecodedFrame{Interface: "can1", ArbitrationID: 0x2})

	session, err := r.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("StopRecording() error = %v", err)
	}
	if len(session.Frames) != 1 || session.Frames[0].Frame.Interface != "can0" {
		t.Fatalf("expected only the can0 frame to be captured, got %+v", session.Frames)
	}
}

func TestCaptureOverwritesOldestOnOverrun(t *testing.T) {
	r := newTestRecorder(t) // capacity 4
	if _, err := r.StartRecording("trip", FormatJSONLines, Filter{}); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	for i := uint32(0); i < 6; i++ {
		r.Capture(codec.DecodedFrame{Interface: "can0", ArbitrationID: i})
	}
	session, err := r.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("StopRecording() error = %v", err)
	}
	if len(session.Frames) != 4 {
		t.Fatalf("expected capacity-bounded ring buffer of 4, got %d", len(session.Frames))
	}
	if session.Overruns != 2 {
		t.Fatalf("expected 2 overruns, got %d", session.Overruns)
	}
	if session.Frames[0].Frame.ArbitrationID != 2 {
		t.Fatalf("expected oldest frames to have been evicted, got first id %d", session.Frames[0].Frame.ArbitrationID)
	}
}

func TestEmergencyStopCancelsReplay(t *testing.T) {
	r := newTestRecorder(t)
	r.current = &Session{ID: "s1"}
	now := time.Now()
	r.current.Frames = []RecordedFrame{
		{Timestamp: now, Frame: codec.DecodedFrame{Interface: "can0", ArbitrationID: 0x1}},
		{Timestamp: now.Add(2 * time.Second), Frame: codec.DecodedFrame{Interface: "can0", ArbitrationID: 0x2}},
	}
	session := r.current
	r.current = nil

	sink := &fakeReplaySink{}
	if err := r.StartReplay(context.Background(), session, ReplayOptions{SpeedFactor: 1.0}, sink); err != nil {
		t.Fatalf("StartReplay() error = %v", err)
	}
	if _, err := r.EmergencyStop(context.Background(), "test"); err != nil {
		t.Fatalf("EmergencyStop() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	if state == StateReplaying {
		t.Fatal("expected replay to be cancelled by emergency stop")
	}
}

func TestSaveLoadJSONLinesRoundTrip(t *testing.T) {
	r := newTestRecorder(t)
	if _, err := r.StartRecording("roundtrip", FormatJSONLines, Filter{}); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	r.Capture(codec.DecodedFrame{
		Interface: "can0", ArbitrationID: 0x18FEF100, PGN: 0xFEF1,
		Fields: []codec.DecodedField{{Name: "speed", Raw: 100, Scaled: 12.5, Unit: "km/h", Valid: true}},
	})
	session, err := r.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("StopRecording() error = %v", err)
	}

	path := r.recordingsDir + "/" + session.filename()
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded.Frames) != 1 {
		t.Fatalf("expected 1 loaded frame, got %d", len(loaded.Frames))
	}
	f, ok := loaded.Frames[0].Frame.Field("speed")
	if !ok || f.Scaled != 12.5 {
		t.Fatalf("expected round-tripped speed field = 12.5, got %+v (ok=%v)", f, ok)
	}
}

func TestFilterByPath(t *testing.T) {
	frames := []RecordedFrame{
		{Frame: codec.DecodedFrame{Fields: []codec.DecodedField{{Name: "level", Scaled: 10}}}},
		{Frame: codec.DecodedFrame{Fields: []codec.DecodedField{{Name: "level", Scaled: 90}}}},
	}
	got := FilterByPath(frames, `fields.#(name=="level").valid`, "false")
	if len(got) != 2 {
		t.Fatalf("expected both frames to match valid=false (zero value), got %d", len(got))
	}
}

type fakeReplaySink struct {
	sent []can.Frame
}

func (f *fakeReplaySink) Enqueue(iface string, frame can.Frame) error {
	f.sent = append(f.sent, frame)
	return nil
}

type ifaceRecordingSink struct {
	mu   sync.Mutex
	sent []sentFrame
}

type sentFrame struct {
	iface string
	frame can.Frame
}

func (s *ifaceRecordingSink) Enqueue(iface string, frame can.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentFrame{iface: iface, frame: frame})
	return nil
}

func (s *ifaceRecordingSink) snapshot() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentFrame(nil), s.sent...)
}

func TestReplayRemapsInterfaceAndScalesTiming(t *testing.T) {
	r := newTestRecorder(t)
	now := time.Now()
	session := &Session{ID: "remap"}
	for i := 0; i < 5; i++ {
		session.Frames = append(session.Frames, RecordedFrame{
			Timestamp: now.Add(time.Duration(i) * 80 * time.Millisecond),
			Frame:     codec.DecodedFrame{Interface: "can0", ArbitrationID: uint32(0x100 + i)},
		})
	}

	sink := &ifaceRecordingSink{}
	start := time.Now()
	err := r.StartReplay(context.Background(), session, ReplayOptions{
		SpeedFactor:      2.0,
		InterfaceMapping: map[string]string{"can0": "can1"},
	}, sink)
	if err != nil {
		t.Fatalf("StartReplay() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.snapshot()) < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for replay, got %d frames", len(sink.snapshot()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	elapsed := time.Since(start)

	// 320ms of original spacing at 2x should land near 160ms.
	if elapsed < 140*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Errorf("replay took %v, want ~160ms", elapsed)
	}

	sent := sink.snapshot()
	for i, sf := range sent {
		if sf.iface != "can1" {
			t.Fatalf("frame %d emitted on %s, want can1", i, sf.iface)
		}
		if sf.frame.ArbitrationID != uint32(0x100+i) {
			t.Fatalf("frame %d out of order: id 0x%X", i, sf.frame.ArbitrationID)
		}
	}
}
