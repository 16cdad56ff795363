package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry manages service module registration and lookup.
type Registry struct {
	mu       sync.RWMutex
	modules  map[string]ServiceModule
	order    []string // registration order
	ordering []string // explicit startup order
	health   *HealthMonitor
}

// NewRegistry creates a new module registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]ServiceModule),
	}
}

// SetHealthMonitor attaches a health monitor to update on registration.
func (r *Registry) SetHealthMonitor(h *HealthMonitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health = h
}

// SetOrdering sets an explicit listing order (by module name) for Modules()
// and the capability accessors. Unlisted modules follow, in registration
// order.
func (r *Registry) SetOrdering(modules ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ordering = append([]string{}, modules...)
}

// Register adds a service module to the registry. Names must be unique.
func (r *Registry) Register(module ServiceModule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if module == nil {
		return fmt.Errorf("module is nil")
	}
	name := module.Name()
	if name == "" {
		return fmt.Errorf("module name required")
	}
	if _, exists := r.modules[name]; exists {
		return fmt.Errorf("module %q already registered", name)
	}

	r.modules[name] = module
	r.order = append(r.order, name)

	if r.health != nil {
		r.health.setHealthLocked(name, ModuleHealth{
			Name:      name,
			Domain:    module.Domain(),
			Status:    StatusPending,
			UpdatedAt: time.Now().UTC(),
		})
	}

	return nil
}

// Unregister removes a module from the registry.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[name]; !exists {
		return fmt.Errorf("module %q not found", name)
	}

	delete(r.modules, name)

	newOrder := make([]string, 0, len(r.order)-1)
	for _, n := range r.order {
		if n != name {
			newOrder = append(newOrder, n)
		}
	}
	r.order = newOrder

	if r.health != nil {
		r.health.Delete(name)
	}

	return nil
}

// Lookup returns a module by name, if registered.
func (r *Registry) Lookup(name string) ServiceModule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.modules[name]
}

// Modules returns the registered module names (ordered).
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.orderedModulesLocked()
}

// ModuleCount returns the number of registered modules.
func (r *Registry) ModuleCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// ModulesByDomain returns modules matching the provided domain.
func (r *Registry) ModulesByDomain(domain string) []ServiceModule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ServiceModule
	for _, name := range r.orderedModulesLocked() {
		if mod := r.modules[name]; mod != nil && mod.Domain() == domain {
			out = append(out, mod)
		}
	}
	return out
}

// ModulesByNames returns modules for the given names in order.
func (r *Registry) ModulesByNames(names []string) []ServiceModule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	modules := make([]ServiceModule, 0, len(names))
	for _, name := range names {
		if mod := r.modules[name]; mod != nil {
			modules = append(modules, mod)
		}
	}
	return modules
}

// SafetyAwareModules returns modules that implement SafetyAware, in order.
// The Safety Service uses this to drive the emergency-stop broadcast.
func (r *Registry) SafetyAwareModules() []SafetyAware {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []SafetyAware
	for _, name := range r.orderedModulesLocked() {
		if mod, ok := r.modules[name]; ok {
			if sa, ok := mod.(SafetyAware); ok {
				out = append(out, sa)
			}
		}
	}
	return out
}

// SecurityEngines returns registered security engines.
func (r *Registry) SecurityEngines() []SecurityEngine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []SecurityEngine
	for _, name := range r.orderedModulesLocked() {
		if mod, ok := r.modules[name]; ok {
			if se, ok := mod.(SecurityEngine); ok {
				out = append(out, se)
			}
		}
	}
	return out
}

// PermissionEngines returns registered permission engines.
func (r *Registry) PermissionEngines() []PermissionEngine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []PermissionEngine
	for _, name := range r.orderedModulesLocked() {
		if mod, ok := r.modules[name]; ok {
			if pe, ok := mod.(PermissionEngine); ok {
				out = append(out, pe)
			}
		}
	}
	return out
}

// AuditEngines returns registered audit engines.
func (r *Registry) AuditEngines() []AuditEngine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []AuditEngine
	for _, name := range r.orderedModulesLocked() {
		if mod, ok := r.modules[name]; ok {
			if ae, ok := mod.(AuditEngine); ok {
				out = append(out, ae)
			}
		}
	}
	return out
}

// orderedModulesLocked returns module names honoring explicit ordering first,
// then remaining registration order. Must be called with lock held.
func (r *Registry) orderedModulesLocked() []string {
	seen := make(map[string]bool, len(r.modules))
	var out []string

	for _, name := range r.ordering {
		if mod, ok := r.modules[name]; ok && mod != nil {
			out = append(out, name)
			seen[name] = true
		}
	}

	for _, name := range r.order {
		if !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}

	var extras []string
	for name := range r.modules {
		if !seen[name] && !contains(out, name) {
			extras = append(extras, name)
		}
	}
	if len(extras) > 0 {
		sort.Strings(extras)
		out = append(out, extras...)
	}

	return out
}

func contains(slice []string, val string) bool {
	for _, v := range slice {
		if v == val {
			return true
		}
	}
	return false
}

// classify returns a category string for a module based on its implemented
// capability interfaces, used for introspection and logging.
func classify(mod ServiceModule) string {
	switch mod.(type) {
	case SafetyAware:
		return "safety-aware"
	case SecurityEngine:
		return "security"
	case PermissionEngine:
		return "permission"
	case AuditEngine:
		return "audit"
	default:
		return ""
	}
}

// enumerateInterfaces returns the list of capability interface names a
// module implements.
func enumerateInterfaces(mod ServiceModule) []string {
	var ifaces []string

	if _, ok := mod.(SafetyAware); ok {
		ifaces = append(ifaces, "safety-aware")
	}
	if _, ok := mod.(ReadyChecker); ok {
		ifaces = append(ifaces, "ready-checker")
	}
	if _, ok := mod.(SecurityEngine); ok {
		ifaces = append(ifaces, "security")
	}
	if _, ok := mod.(PermissionEngine); ok {
		ifaces = append(ifaces, "permission")
	}
	if _, ok := mod.(AuditEngine); ok {
		ifaces = append(ifaces, "audit")
	}

	return ifaces
}
