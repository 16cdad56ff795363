package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Module status constants, matching the ServiceNode state machine:
// PENDING -> STARTING -> (HEALTHY | FAILED); HEALTHY -> (DEGRADED | FAILED | STOPPED);
// DEGRADED -> (HEALTHY | FAILED | STOPPED); FAILED and STOPPED are terminal
// for the current startup cycle.
const (
	StatusPending   = "pending"
	StatusStarting  = "starting"
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
	StatusStopError = "stop-error"
	StatusUnknown   = "unknown"

	ReadyStatusReady    = "ready"
	ReadyStatusNotReady = "not-ready"
	ReadyStatusUnknown  = "unknown"
)

// ModuleHealth captures the latest lifecycle status for a module.
type ModuleHealth struct {
	Name        string     `json:"name"`
	Domain      string     `json:"domain,omitempty"`
	Status      string     `json:"status"` // pending|starting|healthy|degraded|failed|stopped|stop-error|unknown
	Error       string     `json:"error,omitempty"`
	ReadyStatus string     `json:"ready_status,omitempty"`
	ReadyError  string     `json:"ready_error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartNanos  int64      `json:"start_nanos,omitempty"`
	StopNanos   int64      `json:"stop_nanos,omitempty"`
}

// HealthMonitor tracks health status for all modules.
type HealthMonitor struct {
	mu     sync.RWMutex
	health map[string]ModuleHealth
}

// NewHealthMonitor creates a new health monitor.
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		health: make(map[string]ModuleHealth),
	}
}

// SetHealth updates the health status for a module.
func (h *HealthMonitor) SetHealth(name string, health ModuleHealth) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setHealthLocked(name, health)
}

// Delete removes health data for a module (called on unregister).
func (h *HealthMonitor) Delete(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.health, name)
}

func (h *HealthMonitor) setHealthLocked(name string, health ModuleHealth) {
	if h.health == nil {
		h.health = make(map[string]ModuleHealth)
	}

	if existing, ok := h.health[name]; ok {
		if health.StartedAt == nil {
			health.StartedAt = existing.StartedAt
		}
		if health.StoppedAt == nil {
			health.StoppedAt = existing.StoppedAt
		}
		if health.ReadyStatus == "" {
			health.ReadyStatus = existing.ReadyStatus
			health.ReadyError = existing.ReadyError
		}
		if health.Status == "" {
			health.Status = existing.Status
			health.Error = existing.Error
		}
		if health.StartNanos == 0 {
			health.StartNanos = existing.StartNanos
		}
		if health.StopNanos == 0 {
			health.StopNanos = existing.StopNanos
		}
	}

	if health.UpdatedAt.IsZero() {
		health.UpdatedAt = time.Now().UTC()
	}

	h.health[name] = health
}

// GetHealth returns the health status for a module.
func (h *HealthMonitor) GetHealth(name string) ModuleHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if health, ok := h.health[name]; ok {
		return health
	}
	return ModuleHealth{Name: name, Status: StatusUnknown}
}

// GetStatus returns just the status string for a module.
func (h *HealthMonitor) GetStatus(name string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if health, ok := h.health[name]; ok {
		return health.Status
	}
	return ""
}

// ModulesHealth returns the latest known lifecycle state per module (ordered).
func (h *HealthMonitor) ModulesHealth(orderedNames []string) []ModuleHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ModuleHealth, 0, len(orderedNames))
	for _, name := range orderedNames {
		if health, ok := h.health[name]; ok {
			out = append(out, health)
		} else {
			out = append(out, ModuleHealth{Name: name, Status: StatusUnknown})
		}
	}
	return out
}

// MarkPending sets a module's status to pending (registered, not yet started).
func (h *HealthMonitor) MarkPending(name, domain string) {
	h.SetHealth(name, ModuleHealth{Name: name, Domain: domain, Status: StatusPending})
}

// MarkStarting sets a module's status to starting.
func (h *HealthMonitor) MarkStarting(name, domain string) {
	h.SetHealth(name, ModuleHealth{Name: name, Domain: domain, Status: StatusStarting})
}

// MarkHealthy sets a module's status to healthy.
func (h *HealthMonitor) MarkHealthy(name, domain string, startNanos int64) {
	now := time.Now().UTC()
	h.SetHealth(name, ModuleHealth{
		Name:       name,
		Domain:     domain,
		Status:     StatusHealthy,
		StartedAt:  &now,
		StartNanos: startNanos,
	})
}

// MarkDegraded transitions a HEALTHY module to DEGRADED (e.g. a watchdog
// lapse). DEGRADED is recoverable back to HEALTHY.
func (h *HealthMonitor) MarkDegraded(name, domain, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setHealthLocked(name, ModuleHealth{
		Name:   name,
		Domain: domain,
		Status: StatusDegraded,
		Error:  reason,
	})
}

// MarkFailed sets a module's status to failed.
func (h *HealthMonitor) MarkFailed(name, domain, errMsg string, startNanos int64) {
	h.SetHealth(name, ModuleHealth{
		Name:       name,
		Domain:     domain,
		Status:     StatusFailed,
		Error:      errMsg,
		StartNanos: startNanos,
	})
}

// MarkStopped sets a module's status to stopped.
func (h *HealthMonitor) MarkStopped(name, domain string, stopNanos int64) {
	now := time.Now().UTC()
	h.SetHealth(name, ModuleHealth{
		Name:        name,
		Domain:      domain,
		Status:      StatusStopped,
		ReadyStatus: ReadyStatusNotReady,
		StoppedAt:   &now,
		StopNanos:   stopNanos,
	})
}

// MarkStopError sets a module's status to stop-error.
func (h *HealthMonitor) MarkStopError(name, domain, errMsg string, stopNanos int64) {
	now := time.Now().UTC()
	h.SetHealth(name, ModuleHealth{
		Name:        name,
		Domain:      domain,
		Status:      StatusStopError,
		Error:       errMsg,
		ReadyStatus: ReadyStatusNotReady,
		StoppedAt:   &now,
		StopNanos:   stopNanos,
	})
}

// SetReadyStatus updates only the readiness status for a module, merging
// with existing health data to avoid clobbering other fields.
func (h *HealthMonitor) SetReadyStatus(name, domain, readyStatus, readyErr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setHealthLocked(name, ModuleHealth{
		Name:        name,
		Domain:      domain,
		ReadyStatus: readyStatus,
		ReadyError:  readyErr,
		UpdatedAt:   time.Now().UTC(),
	})
}

// ProbeReadiness runs lightweight readiness checks for modules implementing ReadyChecker.
func (h *HealthMonitor) ProbeReadiness(ctx context.Context, modules []ServiceModule, depsReadyFunc func(string) (bool, []string)) {
	for _, mod := range modules {
		rc, ok := mod.(ReadyChecker)
		if !ok {
			continue
		}

		err := rc.Ready(ctx)
		readyStatus := ReadyStatusReady
		readyErr := ""

		if err != nil {
			readyStatus = ReadyStatusNotReady
			readyErr = err.Error()
		}

		if depsReadyFunc != nil {
			if ok, reasons := depsReadyFunc(mod.Name()); !ok {
				readyStatus = ReadyStatusNotReady
				if readyErr == "" && len(reasons) > 0 {
					readyErr = "waiting for dependencies: " + strings.Join(reasons, "; ")
				} else if len(reasons) > 0 {
					readyErr = readyErr + " (deps: " + strings.Join(reasons, "; ") + ")"
				}
			}
		}

		h.SetReadyStatus(mod.Name(), mod.Domain(), readyStatus, readyErr)
	}
}

// DepsReadyWithReasons checks if all dependencies for a module are ready
// (HEALTHY and, if they implement ReadyChecker, reporting ready).
func DepsReadyWithReasons(health *HealthMonitor, deps []string) (bool, []string) {
	if health == nil || len(deps) == 0 {
		return true, nil
	}

	var reasons []string
	for _, dep := range deps {
		h := health.GetHealth(dep)

		status := strings.ToLower(strings.TrimSpace(h.Status))
		if status == "" || status == StatusUnknown {
			reasons = append(reasons, fmt.Sprintf("%s: not started", dep))
			continue
		}
		if status != StatusHealthy && status != StatusDegraded {
			reasons = append(reasons, fmt.Sprintf("%s: status=%s", dep, status))
			continue
		}

		ready := strings.ToLower(strings.TrimSpace(h.ReadyStatus))
		if ready != "" && ready != ReadyStatusReady {
			reasons = append(reasons, fmt.Sprintf("%s: ready=%s", dep, ready))
		}
	}

	return len(reasons) == 0, reasons
}
