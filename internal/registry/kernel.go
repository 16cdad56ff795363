package registry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
)

// Kernel is the Service Registry facade: the single composition root a
// process wires once at startup. It owns registration, the dependency
// graph, health tracking, staged concurrent startup, reverse-order
// shutdown, and the in-process event bus used for entity-update broadcast
// and the emergency-stop protocol.
type Kernel struct {
	registry  *Registry
	deps      *DependencyManager
	health    *HealthMonitor
	perms     *PermissionManager
	lifecycle *LifecycleManager
	bus       *Bus
	log       *log.Logger

	startTimeout time.Duration
}

// NewKernel constructs a Kernel with the given options applied.
func NewKernel(opts ...Option) *Kernel {
	k := &Kernel{
		registry: NewRegistry(),
		deps:     NewDependencyManager(),
		health:   NewHealthMonitor(),
		perms:    NewPermissionManager(),
		log:      log.Default(),
	}

	for _, opt := range opts {
		opt(k)
	}

	k.registry.SetHealthMonitor(k.health)
	k.lifecycle = NewLifecycleManager(k.registry, k.deps, k.health, k.log)
	if k.startTimeout > 0 {
		k.lifecycle.SetStartTimeout(k.startTimeout)
	}
	k.bus = NewBus(k.perms)

	return k
}

// Register adds a service module along with its declared dependencies
// (bus permissions are set separately on the PermissionManager).
// Registration fails without mutating the dependency
// graph if the new edges would introduce a cycle.
func (k *Kernel) Register(module ServiceModule, deps ...Dep) error {
	if err := k.registry.Register(module); err != nil {
		return err
	}
	if err := k.deps.SetDeps(module.Name(), deps...); err != nil {
		k.registry.Unregister(module.Name())
		return err
	}
	return nil
}

// GetService looks up a registered module by name, failing with
// ServiceUnavailable unless the module has reached HEALTHY.
func (k *Kernel) GetService(name string) (ServiceModule, error) {
	mod := k.registry.Lookup(name)
	if mod == nil {
		return nil, rvcerrors.NotFoundErr("service", name)
	}
	if status := k.health.GetStatus(name); status != StatusHealthy {
		return nil, rvcerrors.ServiceUnavailableErr(name)
	}
	return mod, nil
}

// LookupAny returns a registered module regardless of health, for callers
// (lifecycle wiring, diagnostics) that need the instance itself rather than
// a health-gated capability.
func (k *Kernel) LookupAny(name string) ServiceModule {
	return k.registry.Lookup(name)
}

// StartupAll verifies the dependency graph and starts every registered
// module, stage by stage, in parallel within a stage.
func (k *Kernel) StartupAll(ctx context.Context) error {
	if err := k.lifecycle.Start(ctx); err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	k.lifecycle.ProbeReadiness(ctx)
	return nil
}

// Shutdown stops every registered module in reverse startup order,
// logging and continuing past individual failures.
func (k *Kernel) Shutdown(ctx context.Context) error {
	return k.lifecycle.Stop(ctx)
}

// AggregateHealth returns the latest known health for every registered
// module, in the registry's listing order (explicit WithOrder names first,
// then registration order).
func (k *Kernel) AggregateHealth() []ModuleHealth {
	names := k.registry.Modules()
	return k.health.ModulesHealth(names)
}

// Bus returns the in-process event bus for entity-update and
// emergency-stop broadcast.
func (k *Kernel) Bus() *Bus {
	return k.bus
}

// Registry exposes the underlying module registry for capability-filtered
// lookups (SecurityEngines, SafetyAwareModules, etc).
func (k *Kernel) Registry() *Registry {
	return k.registry
}

// Health exposes the underlying health monitor.
func (k *Kernel) Health() *HealthMonitor {
	return k.health
}

// Dependencies exposes the underlying dependency manager.
func (k *Kernel) Dependencies() *DependencyManager {
	return k.deps
}

// StageLatency is the slowest observed module start within one startup
// stage.
type StageLatency struct {
	Stage      int    `json:"stage"`
	Modules    int    `json:"modules"`
	SlowestMod string `json:"slowest_module,omitempty"`
	Nanos      int64  `json:"nanos"`
}

// ModuleLatency pairs a module with its observed start duration.
type ModuleLatency struct {
	Name  string `json:"name"`
	Nanos int64  `json:"nanos"`
}

// HealthSummary is the aggregate health view: per-module status plus
// counts by state, per-stage startup latencies, the slowest starters, and
// the number of modules that failed to start.
type HealthSummary struct {
	Modules        []ModuleHealth  `json:"modules"`
	StatusCounts   map[string]int  `json:"status_counts"`
	StageLatencies []StageLatency  `json:"stage_latencies,omitempty"`
	Slowest        []ModuleLatency `json:"slowest,omitempty"`
	StartupErrors  int             `json:"startup_errors"`
}

// slowestListLen bounds the slowest-starter list in a HealthSummary.
const slowestListLen = 5

// AggregateSummary builds the full health summary over every registered
// module.
func (k *Kernel) AggregateSummary() HealthSummary {
	names := k.registry.Modules()
	modules := k.health.ModulesHealth(names)

	summary := HealthSummary{
		Modules:      modules,
		StatusCounts: make(map[string]int, len(modules)),
	}

	byName := make(map[string]ModuleHealth, len(modules))
	for _, mh := range modules {
		summary.StatusCounts[mh.Status]++
		if mh.Status == StatusFailed {
			summary.StartupErrors++
		}
		byName[mh.Name] = mh
	}

	if stages, err := k.deps.Stages(names); err == nil {
		for i, stage := range stages {
			sl := StageLatency{Stage: i, Modules: len(stage)}
			for _, name := range stage {
				if mh, ok := byName[name]; ok && mh.StartNanos > sl.Nanos {
					sl.Nanos = mh.StartNanos
					sl.SlowestMod = name
				}
			}
			summary.StageLatencies = append(summary.StageLatencies, sl)
		}
	}

	slowest := make([]ModuleLatency, 0, len(modules))
	for _, mh := range modules {
		if mh.StartNanos > 0 {
			slowest = append(slowest, ModuleLatency{Name: mh.Name, Nanos: mh.StartNanos})
		}
	}
	sort.Slice(slowest, func(i, j int) bool { return slowest[i].Nanos > slowest[j].Nanos })
	if len(slowest) > slowestListLen {
		slowest = slowest[:slowestListLen]
	}
	summary.Slowest = slowest

	return summary
}

// Liveness verifies the scheduler is still dispatching goroutines and
// firing timers: it round-trips a message through a fresh goroutine,
// bounded by ctx. It deliberately checks nothing else — module health
// belongs to AggregateSummary, not the liveness probe.
func (k *Kernel) Liveness(ctx context.Context) error {
	pong := make(chan struct{})
	go func() { close(pong) }()
	select {
	case <-pong:
		return nil
	case <-ctx.Done():
		return rvcerrors.TimeoutErr("liveness probe", 0)
	}
}
