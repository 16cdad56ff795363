package registry

import (
	"log"
	"time"
)

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(k *Kernel) {
		if l != nil {
			k.log = l
		}
	}
}

// WithOrder sets an explicit listing order (by module name) for the
// registry's Modules() and capability accessors. Startup stages do not use
// it: each stage lists its modules alphabetically.
func WithOrder(modules ...string) Option {
	return func(k *Kernel) {
		k.registry.SetOrdering(modules...)
	}
}

// WithRegistry sets a custom registry.
func WithRegistry(r *Registry) Option {
	return func(k *Kernel) {
		if r != nil {
			k.registry = r
		}
	}
}

// WithHealthMonitor sets a custom health monitor.
func WithHealthMonitor(h *HealthMonitor) Option {
	return func(k *Kernel) {
		if h != nil {
			k.health = h
		}
	}
}

// WithDependencyManager sets a custom dependency manager.
func WithDependencyManager(d *DependencyManager) Option {
	return func(k *Kernel) {
		if d != nil {
			k.deps = d
		}
	}
}

// WithPermissionManager sets a custom bus permission manager.
func WithPermissionManager(p *PermissionManager) Option {
	return func(k *Kernel) {
		if p != nil {
			k.perms = p
		}
	}
}

// WithStartTimeout overrides the per-module startup timeout. Must be
// applied at construction time via NewKernel(opts...); it is recorded
// before the lifecycle manager is built.
func WithStartTimeout(d time.Duration) Option {
	return func(k *Kernel) {
		k.startTimeout = d
	}
}
