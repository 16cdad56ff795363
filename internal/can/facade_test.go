package can

import (
	"context"
	"testing"
	"time"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
	"github.com/coachrun/rvc-core/infrastructure/logging"
	"github.com/coachrun/rvc-core/internal/codec"
	"github.com/coachrun/rvc-core/internal/config"
)

func testTable() config.RVCSpecTable {
	return config.RVCSpecTable{
		PGNs: map[uint32]config.PGNDef{
			0x1FEDA: {
				PGN:      0x1FEDA,
				Name:     "DC_DIMMER_STATUS",
				Protocol: config.ProtocolRVC,
				Fields: []config.FieldDef{
					{
						Name:       "level",
						OffsetBits: 8,
						LengthBits: 8,
						Endianness: config.LittleEndian,
						Scale:      0.5,
						ValidMin:   0,
						ValidMax:   200,
					},
				},
			},
		},
	}
}

func TestFacadeEncodeEnqueueDecodeDispatch(t *testing.T) {
	shared := newLoopbackTransport(DefaultTransmitQueueDepth)
	decoded := make(chan codec.DecodedFrame, 1)

	f := NewFacade(
		[]config.CANInterfaceConfig{{Name: "can0", Physical: "can0", Enabled: true}},
		testTable(),
		logging.New("can-test", "info", "json"),
		nil,
		WithTransportOpener(func(string) (Transport, error) { return shared, nil }),
		WithFrameHandler(func(_ context.Context, frame codec.DecodedFrame) {
			decoded <- frame
		}),
	)

	ctx := context.Background()
	if err := f.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer f.Stop(context.Background())

	req := codec.EncodeRequest{
		PGN:         0x1FEDA,
		Priority:    6,
		Source:      0x19,
		Destination: 0xFF,
		Values:      map[string]float64{"level": 100},
	}
	if err := f.EncodeAndEnqueue("can0", req); err != nil {
		t.Fatalf("EncodeAndEnqueue() error = %v", err)
	}

	select {
	case frame := <-decoded:
		if frame.MessageType != "DC_DIMMER_STATUS" {
			t.Errorf("frame.MessageType = %q", frame.MessageType)
		}
		level, ok := frame.Field("level")
		if !ok || !level.Valid || level.Scaled != 100 {
			t.Errorf("level field = %+v, ok=%v", level, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decoded frame round trip")
	}
}

func TestFacadeEnqueueUnknownInterface(t *testing.T) {
	f := NewFacade(nil, testTable(), logging.New("can-test", "info", "json"), nil,
		WithTransportOpener(func(string) (Transport, error) { return newLoopbackTransport(8), nil }))

	err := f.Enqueue("can9", Frame{})
	if !rvcerrors.Is(err, rvcerrors.NotFound) {
		t.Fatalf("Enqueue() error = %v, want NotFound", err)
	}
}

func TestFacadeEnqueueBlockedDuringEmergencyStop(t *testing.T) {
	shared := newLoopbackTransport(DefaultTransmitQueueDepth)
	f := NewFacade(
		[]config.CANInterfaceConfig{{Name: "can0", Physical: "can0", Enabled: true}},
		testTable(),
		logging.New("can-test", "info", "json"),
		nil,
		WithTransportOpener(func(string) (Transport, error) { return shared, nil }),
	)

	ctx := context.Background()
	if err := f.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer f.Stop(context.Background())

	if _, err := f.EmergencyStop(ctx, "test"); err != nil {
		t.Fatalf("EmergencyStop() error = %v", err)
	}

	err := f.Enqueue("can0", Frame{ArbitrationID: 1, Data: []byte{0}})
	if !rvcerrors.Is(err, rvcerrors.EmergencyStopActive) {
		t.Fatalf("Enqueue() during emergency stop error = %v, want EmergencyStopActive", err)
	}

	status := f.SafetyStatus()
	if !status.EmergencyStopped {
		t.Error("expected SafetyStatus.EmergencyStopped = true")
	}

	f.ClearEmergencyStop()
	if err := f.Enqueue("can0", Frame{ArbitrationID: 1, Data: []byte{0}}); err != nil {
		t.Fatalf("Enqueue() after clear error = %v", err)
	}
}

// blockingTransport's Send never returns until unblocked, letting tests
// deterministically fill a bounded transmit queue behind it.
type blockingTransport struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingTransport() *blockingTransport {
	return &blockingTransport{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *blockingTransport) Send(ctx context.Context, _ Frame) error {
	select {
	case <-b.entered:
	default:
		close(b.entered)
	}
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingTransport) Receive(ctx context.Context) (Frame, error) {
	<-ctx.Done()
	return Frame{}, ctx.Err()
}

func (b *blockingTransport) Close() error {
	select {
	case <-b.release:
	default:
		close(b.release)
	}
	return nil
}

func TestFacadeEnqueueFailsWhenQueueFull(t *testing.T) {
	bt := newBlockingTransport()
	f := NewFacade(
		[]config.CANInterfaceConfig{{Name: "can0", Physical: "can0", Enabled: true}},
		testTable(),
		logging.New("can-test", "info", "json"),
		nil,
		WithQueueDepth(1),
		WithTransportOpener(func(string) (Transport, error) { return bt, nil }),
	)

	ctx := context.Background()
	if err := f.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer f.Stop(context.Background())

	if err := f.Enqueue("can0", Frame{ArbitrationID: 1, Data: []byte{1}}); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}

	select {
	case <-bt.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for consumer to start draining")
	}

	if err := f.Enqueue("can0", Frame{ArbitrationID: 2, Data: []byte{2}}); err != nil {
		t.Fatalf("second Enqueue() error = %v", err)
	}

	err := f.Enqueue("can0", Frame{ArbitrationID: 3, Data: []byte{3}})
	if !rvcerrors.Is(err, rvcerrors.TransmitQueueFull) {
		t.Fatalf("third Enqueue() error = %v, want TransmitQueueFull", err)
	}
}
