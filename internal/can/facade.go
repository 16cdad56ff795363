package can

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
	"github.com/coachrun/rvc-core/infrastructure/logging"
	"github.com/coachrun/rvc-core/infrastructure/metrics"
	"github.com/coachrun/rvc-core/infrastructure/resilience"
	"github.com/coachrun/rvc-core/internal/codec"
	"github.com/coachrun/rvc-core/internal/config"
	"github.com/coachrun/rvc-core/internal/registry"
)

// FrameHandler is invoked for every decoded inbound frame. The facade
// guarantees frames from a single interface are delivered in arrival
// order; handlers from distinct interfaces have no relative
// ordering guarantee.
type FrameHandler func(ctx context.Context, frame codec.DecodedFrame)

// interfaceBinding is everything the facade owns for one configured CAN
// interface: its transport, its transmit queue, its consumer/receiver
// goroutines, and its own protocol-classification state.
type interfaceBinding struct {
	name       string
	transport  Transport
	queue      *transmitQueue
	classifier *codec.Classifier
	breaker    *resilience.CircuitBreaker
}

// Facade is the Service Registry module that owns all bound CAN
// interfaces — the wire-level boundary of the core. It is SafetyAware
// because an emergency stop must be able to halt outbound transmission
// immediately.
type Facade struct {
	log   *logging.Logger
	m     *metrics.Metrics
	table config.RVCSpecTable

	queueDepth int
	opener     func(ifaceName string) (Transport, error)
	onFrame    FrameHandler

	mu         sync.RWMutex
	interfaces map[string]*interfaceBinding
	configured []config.CANInterfaceConfig

	emergencyStopped atomic.Bool

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// FacadeOption customizes a Facade at construction time.
type FacadeOption func(*Facade)

// WithQueueDepth overrides the default per-interface transmit queue depth.
func WithQueueDepth(depth int) FacadeOption {
	return func(f *Facade) { f.queueDepth = depth }
}

// WithTransportOpener overrides how a Transport is opened for an interface
// name, used by tests to substitute the loopback transport deterministically
// regardless of platform.
func WithTransportOpener(opener func(ifaceName string) (Transport, error)) FacadeOption {
	return func(f *Facade) { f.opener = opener }
}

// WithFrameHandler registers the callback invoked for every decoded inbound
// frame (typically the Entity Manager's inbound-message router).
func WithFrameHandler(h FrameHandler) FacadeOption {
	return func(f *Facade) { f.onFrame = h }
}

// NewFacade constructs a Facade over the given interface configuration and
// spec table. Interfaces are bound by Start, not here.
func NewFacade(interfaces []config.CANInterfaceConfig, table config.RVCSpecTable, log *logging.Logger, m *metrics.Metrics, opts ...FacadeOption) *Facade {
	f := &Facade{
		log:        log,
		m:          m,
		table:      table,
		queueDepth: DefaultTransmitQueueDepth,
		opener:     defaultTransportOpener,
		configured: append([]config.CANInterfaceConfig(nil), interfaces...),
		interfaces: make(map[string]*interfaceBinding),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name identifies this module to the Service Registry.
func (f *Facade) Name() string { return "can_facade" }

// Domain reports the registry domain this module belongs to.
func (f *Facade) Domain() string { return "can" }

// Start binds every enabled configured interface and launches its
// consumer (transmit) and receiver (decode/dispatch) goroutines. The
// goroutines run under an internally-owned context so they outlive the
// bounded startup timeout the Service Registry applies to Start itself.
func (f *Facade) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	f.runCancel = cancel

	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for _, ic := range f.configured {
		if !ic.Enabled {
			continue
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		transport, err := f.opener(ic.Physical)
		if err != nil {
			errs = append(errs, fmt.Errorf("bind %s: %w", ic.Name, err))
			continue
		}

		binding := &interfaceBinding{
			name:       ic.Name,
			transport:  transport,
			queue:      newTransmitQueue(f.queueDepth),
			classifier: codec.NewClassifier(),
			breaker:    resilience.New(resilience.DefaultConfig()),
		}
		f.interfaces[ic.Name] = binding

		f.wg.Add(2)
		go f.runConsumer(runCtx, binding)
		go f.runReceiver(runCtx, binding)
	}

	if len(errs) > 0 {
		return rvcerrors.InternalErr("can facade startup", errors.Join(errs...))
	}
	return nil
}

// Stop cancels every consumer/receiver goroutine, closes each transport,
// and waits (bounded by ctx) for goroutines to exit.
func (f *Facade) Stop(ctx context.Context) error {
	if f.runCancel != nil {
		f.runCancel()
	}

	f.mu.RLock()
	bindings := make([]*interfaceBinding, 0, len(f.interfaces))
	for _, b := range f.interfaces {
		bindings = append(bindings, b)
	}
	f.mu.RUnlock()

	for _, b := range bindings {
		_ = b.transport.Close()
	}

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether every configured, enabled interface is bound
// (is hardware initialized?).
func (f *Facade) Ready(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, ic := range f.configured {
		if !ic.Enabled {
			continue
		}
		if _, ok := f.interfaces[ic.Name]; !ok {
			return rvcerrors.ServiceUnavailableErr(ic.Name)
		}
	}
	return nil
}

// SafetyClassification reports this module's risk tier: the CAN Facade is
// CRITICAL because every safety-critical command and telemetry frame
// passes through it.
func (f *Facade) SafetyClassification() registry.SafetyClassification {
	return registry.ClassCritical
}

// EmergencyStopAction reports that the facade stops transmitting
// immediately on emergency stop.
func (f *Facade) EmergencyStopAction() registry.EmergencyStopAction {
	return registry.ActionStopImmediately
}

// EmergencyStop halts all outbound transmission: subsequent Enqueue calls
// fail with EmergencyStopActive until a PIN-authorized reset clears the
// flag.
func (f *Facade) EmergencyStop(ctx context.Context, reason string) (registry.EmergencyStopOutcome, error) {
	f.emergencyStopped.Store(true)
	if f.log != nil {
		f.log.WithFields(map[string]interface{}{"reason": reason}).Warn("can facade: emergency stop")
	}
	return registry.EmergencyStopOutcome{
		Service: f.Name(),
		Action:  registry.ActionStopImmediately,
		Result:  "stopped",
		At:      time.Now().UTC(),
	}, nil
}

// ClearEmergencyStop resumes outbound transmission. Called only by the
// Safety Service after a successful PIN-authorized reset.
func (f *Facade) ClearEmergencyStop() {
	f.emergencyStopped.Store(false)
}

// SafetyStatus reports the facade's current safety posture.
func (f *Facade) SafetyStatus() registry.SafetyStatus {
	f.mu.RLock()
	bound := len(f.interfaces)
	configured := 0
	for _, ic := range f.configured {
		if ic.Enabled {
			configured++
		}
	}
	f.mu.RUnlock()

	healthy := bound == configured
	detail := fmt.Sprintf("%d/%d interfaces bound", bound, configured)
	return registry.SafetyStatus{
		Healthy:          healthy,
		EmergencyStopped: f.emergencyStopped.Load(),
		Detail:           detail,
	}
}

// Enqueue places a raw frame on the named interface's transmit queue.
// Fails with EmergencyStopActive while emergency-stop is set, NotFound if
// the interface is not bound, or TransmitQueueFull if the queue is at
// capacity.
func (f *Facade) Enqueue(iface string, frame Frame) error {
	if f.emergencyStopped.Load() {
		return rvcerrors.EmergencyStopActiveErr()
	}

	f.mu.RLock()
	binding, ok := f.interfaces[iface]
	f.mu.RUnlock()
	if !ok {
		return rvcerrors.NotFoundErr("can_interface", iface)
	}

	if !binding.queue.Enqueue(frame) {
		if f.m != nil {
			f.m.RecordTransmitQueueFull(iface)
		}
		return rvcerrors.TransmitQueueFullErr(iface, 50*time.Millisecond)
	}
	if f.m != nil {
		f.m.SetTransmitQueueDepth(iface, binding.queue.Depth())
	}
	return nil
}

// EncodeAndEnqueue encodes req against the facade's spec table and
// enqueues the resulting frame on iface, sparing callers (Entity Control
// Service, Injector) from duplicating the encode step.
func (f *Facade) EncodeAndEnqueue(iface string, req codec.EncodeRequest) error {
	arbID, payload, err := codec.Encode(req, f.table)
	if err != nil {
		return err
	}
	if f.m != nil {
		f.m.RecordEncode(fmt.Sprintf("0x%X", req.PGN))
	}
	return f.Enqueue(iface, Frame{ArbitrationID: arbID, Extended: true, Data: payload})
}

// QueueDepth reports the current transmit queue depth for iface, or -1 if
// the interface is not bound.
func (f *Facade) QueueDepth(iface string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.interfaces[iface]
	if !ok {
		return -1
	}
	return b.queue.Depth()
}

func (f *Facade) runConsumer(ctx context.Context, b *interfaceBinding) {
	defer f.wg.Done()
	for {
		frame, ok := b.queue.Dequeue(ctx)
		if !ok {
			return
		}

		err := b.breaker.Execute(ctx, func() error {
			return b.transport.Send(ctx, frame)
		})
		if f.m != nil {
			f.m.SetTransmitQueueDepth(b.name, b.queue.Depth())
		}
		if f.log != nil {
			f.log.LogCANTransmit(ctx, b.name, frame.ArbitrationID, err)
		}
	}
}

func (f *Facade) runReceiver(ctx context.Context, b *interfaceBinding) {
	defer f.wg.Done()
	for {
		raw, err := b.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrTransportClosed) {
				return
			}
			if f.log != nil {
				f.log.WithFields(map[string]interface{}{"interface": b.name}).
					WithError(err).Warn("can: receive error")
			}
			continue
		}

		frame, err := codec.Decode(b.name, raw.ArbitrationID, raw.Extended, raw.Data, f.table, b.classifier)
		if err != nil {
			if f.m != nil {
				f.m.RecordDecodeError(b.name, "decode_failed")
			}
			continue
		}

		if f.m != nil {
			f.m.RecordDecode(b.name, string(frame.Protocol))
		}
		if f.onFrame != nil {
			f.onFrame(ctx, frame)
		}
	}
}
