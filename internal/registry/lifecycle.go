package registry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultStartTimeout bounds how long a single module's Start may run before
// it is considered FAILED.
const DefaultStartTimeout = 30 * time.Second

// LifecycleManager handles module startup and shutdown.
type LifecycleManager struct {
	registry     *Registry
	deps         *DependencyManager
	health       *HealthMonitor
	log          *log.Logger
	startTimeout time.Duration
}

// NewLifecycleManager creates a new lifecycle manager.
func NewLifecycleManager(registry *Registry, deps *DependencyManager, health *HealthMonitor, logger *log.Logger) *LifecycleManager {
	if logger == nil {
		logger = log.Default()
	}
	return &LifecycleManager{
		registry:     registry,
		deps:         deps,
		health:       health,
		log:          logger,
		startTimeout: DefaultStartTimeout,
	}
}

// SetStartTimeout overrides the per-module startup timeout.
func (lm *LifecycleManager) SetStartTimeout(d time.Duration) {
	if d > 0 {
		lm.startTimeout = d
	}
}

// Start computes parallel startup stages by longest-path-from-leaf and
// starts each stage concurrently. Within a stage, a module whose REQUIRED
// dependency failed is skipped and marked FAILED without attempting Start;
// a module whose OPTIONAL dependency failed still starts normally. Start
// returns a joined error describing every module that failed to start, but
// does not abort stages that have no failed REQUIRED ancestor.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	names := lm.registry.Modules()

	if err := lm.deps.Verify(names); err != nil {
		return err
	}

	stages, err := lm.deps.Stages(names)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	failed := make(map[string]string) // name -> reason
	var failMsgs []string

	for _, stage := range stages {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		g, gctx := errgroup.WithContext(context.Background())

		for _, name := range stage {
			name := name
			mod := lm.registry.Lookup(name)
			if mod == nil {
				continue
			}
			domain := mod.Domain()

			mu.Lock()
			skip, reason := lm.requiredDepFailedLocked(name, failed)
			mu.Unlock()

			if skip {
				lm.health.MarkFailed(name, domain, reason, 0)
				mu.Lock()
				failed[name] = reason
				failMsgs = append(failMsgs, fmt.Sprintf("%s: %s", name, reason))
				mu.Unlock()
				continue
			}

			g.Go(func() error {
				lm.health.MarkStarting(name, domain)

				startCtx, cancel := context.WithTimeout(gctx, lm.startTimeout)
				defer cancel()

				startNow := time.Now()
				err := mod.Start(startCtx)
				elapsed := time.Since(startNow).Nanoseconds()

				if err != nil {
					msg := err.Error()
					if ctxErr := startCtx.Err(); ctxErr == context.DeadlineExceeded {
						msg = fmt.Sprintf("start timed out after %s", lm.startTimeout)
					}
					lm.health.MarkFailed(name, domain, msg, elapsed)
					mu.Lock()
					failed[name] = msg
					failMsgs = append(failMsgs, fmt.Sprintf("%s: %s", name, msg))
					mu.Unlock()
					return nil
				}

				lm.health.MarkHealthy(name, domain, elapsed)
				return nil
			})
		}

		// Errors are recorded per-module above; g.Wait only reports
		// unexpected panics/cancellation from the group itself.
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if len(failMsgs) > 0 {
		return fmt.Errorf("startup failures: %s", joinStrings(failMsgs, "; "))
	}
	return nil
}

// requiredDepFailedLocked reports whether name has a REQUIRED dependency
// present in failed, and a reason string if so. Caller holds mu.
func (lm *LifecycleManager) requiredDepFailedLocked(name string, failed map[string]string) (bool, string) {
	for _, dep := range lm.deps.GetDeps(name) {
		if !dep.Required {
			continue
		}
		if reason, ok := failed[dep.Name]; ok {
			return true, fmt.Sprintf("required dependency %q failed: %s", dep.Name, reason)
		}
	}
	return false, ""
}

// Stop walks registered modules in reverse startup-stage order (reverse
// registration order if the graph cannot be staged), logging and
// continuing past individual failures so shutdown never leaks resources
// held by modules earlier in the chain.
func (lm *LifecycleManager) Stop(ctx context.Context) error {
	names := lm.registry.Modules()
	if order, err := lm.deps.ResolveOrder(names); err == nil {
		names = order
	}
	modules := lm.registry.ModulesByNames(names)

	for i := len(modules) - 1; i >= 0; i-- {
		mod := modules[i]
		name := mod.Name()
		domain := mod.Domain()

		stopNow := time.Now()
		if err := mod.Stop(ctx); err != nil {
			lm.log.Printf("stop %s: %v", name, err)
			lm.health.MarkStopError(name, domain, err.Error(), time.Since(stopNow).Nanoseconds())
		} else {
			lm.health.MarkStopped(name, domain, time.Since(stopNow).Nanoseconds())
		}
	}

	return nil
}

// ProbeReadiness runs lightweight readiness checks for modules that implement ReadyChecker.
func (lm *LifecycleManager) ProbeReadiness(ctx context.Context) {
	names := lm.registry.Modules()
	modules := lm.registry.ModulesByNames(names)

	depsReadyFunc := func(name string) (bool, []string) {
		return lm.deps.DepsReadyWithReasons(name, lm.health)
	}

	for _, mod := range modules {
		prev := lm.health.GetHealth(mod.Name())

		ok, reasons := depsReadyFunc(mod.Name())
		if !ok {
			newErr := "waiting for dependencies: " + joinStrings(reasons, "; ")
			if prev.ReadyStatus != ReadyStatusNotReady || prev.ReadyError != newErr {
				lm.log.Printf("module %s waiting for dependencies: %s", mod.Name(), joinStrings(reasons, "; "))
			}
		}
	}

	lm.health.ProbeReadiness(ctx, modules, depsReadyFunc)
}

// joinStrings joins strings with a separator.
func joinStrings(strs []string, sep string) string {
	if len(strs) == 0 {
		return ""
	}
	result := strs[0]
	for i := 1; i < len(strs); i++ {
		result += sep + strs[i]
	}
	return result
}
