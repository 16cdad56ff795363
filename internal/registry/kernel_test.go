package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
)

type stubModule struct {
	name    string
	domain  string
	startFn func(context.Context) error
	stopped bool
}

func (s *stubModule) Name() string   { return s.name }
func (s *stubModule) Domain() string { return s.domain }
func (s *stubModule) Start(ctx context.Context) error {
	if s.startFn != nil {
		return s.startFn(ctx)
	}
	return nil
}
func (s *stubModule) Stop(ctx context.Context) error {
	s.stopped = true
	return nil
}

func TestRegisterDuplicateNameFails(t *testing.T) {
	k := NewKernel()
	if err := k.Register(&stubModule{name: "can_facade"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := k.Register(&stubModule{name: "can_facade"}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestCircularDependencyRejectedWithoutMutatingGraph(t *testing.T) {
	k := NewKernel()
	mustRegister(t, k, "entity_manager")
	mustRegister(t, k, "control_service")

	if err := k.Register(&stubModule{name: "safety_service"}, Dep{Name: "control_service", Required: true}); err != nil {
		t.Fatalf("register safety_service: %v", err)
	}
	if err := k.deps.SetDeps("control_service", Dep{Name: "entity_manager", Required: true}); err != nil {
		t.Fatalf("control_service deps: %v", err)
	}

	// entity_manager -> safety_service would close a cycle:
	// safety_service -> control_service -> entity_manager -> safety_service.
	before := k.deps.GetDeps("entity_manager")
	if err := k.deps.SetDeps("entity_manager", Dep{Name: "safety_service", Required: true}); err == nil {
		t.Fatal("expected circular dependency to be rejected")
	}
	after := k.deps.GetDeps("entity_manager")
	if len(after) != len(before) {
		t.Fatalf("graph was mutated by rejected edge: before=%v after=%v", before, after)
	}
}

func TestStartupAllHealthyWithNoFailures(t *testing.T) {
	k := NewKernel()
	mustRegister(t, k, "config_provider")
	if err := k.Register(&stubModule{name: "entity_manager"}, Dep{Name: "config_provider", Required: true}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := k.StartupAll(context.Background()); err != nil {
		t.Fatalf("startup_all: %v", err)
	}

	for _, name := range []string{"config_provider", "entity_manager"} {
		if _, err := k.GetService(name); err != nil {
			t.Fatalf("get_service(%s): %v", name, err)
		}
	}
}

func TestRequiredDependencyFailureCascadesToDependents(t *testing.T) {
	k := NewKernel()
	if err := k.Register(&stubModule{name: "can_interface", startFn: func(context.Context) error {
		return errors.New("bind failed")
	}}); err != nil {
		t.Fatalf("register can_interface: %v", err)
	}
	if err := k.Register(&stubModule{name: "entity_manager"}, Dep{Name: "can_interface", Required: true}); err != nil {
		t.Fatalf("register entity_manager: %v", err)
	}
	if err := k.Register(&stubModule{name: "anomaly_detector"}); err != nil {
		t.Fatalf("register anomaly_detector: %v", err)
	}

	// StartupAll returns an aggregate error describing every startup
	// failure; the important assertion is the per-module health outcome.
	_ = k.StartupAll(context.Background())

	healths := map[string]ModuleHealth{}
	for _, h := range k.AggregateHealth() {
		healths[h.Name] = h
	}

	if got := healths["can_interface"].Status; got != StatusFailed {
		t.Fatalf("can_interface status = %s, want failed", got)
	}
	if got := healths["entity_manager"].Status; got != StatusFailed {
		t.Fatalf("entity_manager status = %s, want failed (required dep failed)", got)
	}
	if got := healths["anomaly_detector"].Status; got != StatusHealthy {
		t.Fatalf("anomaly_detector status = %s, want healthy (unaffected by unrelated failure)", got)
	}
}

func TestOptionalDependencyFailureToleratedStillStarts(t *testing.T) {
	k := NewKernel()
	if err := k.Register(&stubModule{name: "anomaly_detector", startFn: func(context.Context) error {
		return errors.New("boom")
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := k.Register(&stubModule{name: "protocol_analyzer"}, Dep{Name: "anomaly_detector", Required: false}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_ = k.StartupAll(context.Background())

	healths := map[string]ModuleHealth{}
	for _, h := range k.AggregateHealth() {
		healths[h.Name] = h
	}
	if got := healths["protocol_analyzer"].Status; got != StatusHealthy {
		t.Fatalf("protocol_analyzer status = %s, want healthy despite optional dep failure", got)
	}
}

func TestGetServiceUnavailableWhenNotHealthy(t *testing.T) {
	k := NewKernel()
	if _, err := k.GetService("never_registered"); err == nil {
		t.Fatal("expected NotFound for unregistered service")
	}
	if err := k.Register(&stubModule{name: "recorder"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Not started yet: still PENDING, not HEALTHY.
	if _, err := k.GetService("recorder"); err == nil {
		t.Fatal("expected ServiceUnavailable before startup")
	}
}

func TestShutdownStopsEveryModuleEvenAfterFailure(t *testing.T) {
	k := NewKernel()
	a := &stubModule{name: "a"}
	b := &stubModule{name: "b"}
	if err := k.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := k.Register(b, Dep{Name: "a", Required: true}); err != nil {
		t.Fatal(err)
	}
	if err := k.StartupAll(context.Background()); err != nil {
		t.Fatalf("startup: %v", err)
	}
	if err := k.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !a.stopped || !b.stopped {
		t.Fatal("expected both modules to be stopped")
	}
}

func TestStartupRespectsBoundedTimeout(t *testing.T) {
	k := NewKernel(WithStartTimeout(20 * time.Millisecond))
	if err := k.Register(&stubModule{name: "slow_service", startFn: func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_ = k.StartupAll(context.Background())

	for _, h := range k.AggregateHealth() {
		if h.Name == "slow_service" && h.Status != StatusFailed {
			t.Fatalf("slow_service status = %s, want failed on timeout", h.Status)
		}
	}
}

func mustRegister(t *testing.T, k *Kernel, name string) {
	t.Helper()
	if err := k.Register(&stubModule{name: name}); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func TestAggregateSummaryCountsAndLatencies(t *testing.T) {
	k := NewKernel()
	slow := &stubModule{name: "slow", startFn: func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}}
	fast := &stubModule{name: "fast"}
	broken := &stubModule{name: "broken", startFn: func(ctx context.Context) error {
		return errors.New("boom")
	}}

	if err := k.Register(fast); err != nil {
		t.Fatalf("register fast: %v", err)
	}
	if err := k.Register(slow, Dep{Name: "fast", Required: true}); err != nil {
		t.Fatalf("register slow: %v", err)
	}
	if err := k.Register(broken); err != nil {
		t.Fatalf("register broken: %v", err)
	}

	_ = k.StartupAll(context.Background())

	summary := k.AggregateSummary()
	if len(summary.Modules) != 3 {
		t.Fatalf("modules = %d, want 3", len(summary.Modules))
	}
	if summary.StatusCounts[StatusHealthy] != 2 {
		t.Errorf("healthy count = %d, want 2", summary.StatusCounts[StatusHealthy])
	}
	if summary.StatusCounts[StatusFailed] != 1 {
		t.Errorf("failed count = %d, want 1", summary.StatusCounts[StatusFailed])
	}
	if summary.StartupErrors != 1 {
		t.Errorf("startup errors = %d, want 1", summary.StartupErrors)
	}
	if len(summary.StageLatencies) < 2 {
		t.Fatalf("expected at least 2 stages, got %d", len(summary.StageLatencies))
	}
	if len(summary.Slowest) == 0 {
		t.Fatal("expected a non-empty slowest list")
	}
	if summary.Slowest[0].Name != "slow" {
		t.Errorf("slowest = %s, want slow", summary.Slowest[0].Name)
	}
}

func TestLivenessRespondsWithinBound(t *testing.T) {
	k := NewKernel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := k.Liveness(ctx); err != nil {
		t.Fatalf("liveness: %v", err)
	}
}

func TestLivenessFailsOnCancelledContext(t *testing.T) {
	k := NewKernel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A cancelled context can still lose the race to the instant pong;
	// only assert that a returned error is the Timeout kind.
	if err := k.Liveness(ctx); err != nil {
		var svcErr *rvcerrors.ServiceError
		if !errors.As(err, &svcErr) || svcErr.Kind != rvcerrors.Timeout {
			t.Fatalf("expected Timeout kind, got %v", err)
		}
	}
}
