package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultBusTimeout bounds how long a single subscriber may take to handle
// a published event before it is counted as a timeout.
const DefaultBusTimeout = 5 * time.Second

// BusConfig holds configuration for the bus.
type BusConfig struct {
	// Timeout is the per-subscriber timeout for event delivery.
	// If zero, DefaultBusTimeout is used.
	Timeout time.Duration
}

// Bus fans events out to in-process subscribers: entity state updates, and
// the Safety Service's emergency_stop broadcast. Every subscriber is called
// within its own timeout so one slow or wedged module cannot block delivery
// to the rest; every subscriber is invoked regardless of whether an earlier
// one returned an error.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscriber
	perms  *PermissionManager
	config BusConfig
}

type subscriber struct {
	name    string
	handler EventHandler
}

// NewBus creates a new bus instance with default configuration.
func NewBus(perms *PermissionManager) *Bus {
	return &Bus{
		subs:  make(map[string][]subscriber),
		perms: perms,
		config: BusConfig{
			Timeout: DefaultBusTimeout,
		},
	}
}

// NewBusWithConfig creates a new bus instance with custom configuration.
func NewBusWithConfig(perms *PermissionManager, config BusConfig) *Bus {
	if config.Timeout == 0 {
		config.Timeout = DefaultBusTimeout
	}
	return &Bus{
		subs:   make(map[string][]subscriber),
		perms:  perms,
		config: config,
	}
}

// SetTimeout updates the per-subscriber timeout.
func (b *Bus) SetTimeout(timeout time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if timeout > 0 {
		b.config.Timeout = timeout
	}
}

// GetTimeout returns the current per-subscriber timeout.
func (b *Bus) GetTimeout() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config.Timeout
}

// SubscribeEvent registers a handler for an event on behalf of subscriberName.
// Registration is refused if the subscriber's bus permissions disallow it
// (e.g. a MAINTENANCE-classified module is not permitted onto the
// emergency_stop topic).
func (b *Bus) SubscribeEvent(subscriberName, event string, handler EventHandler) error {
	if event == "" {
		return fmt.Errorf("event required")
	}
	if handler == nil {
		return fmt.Errorf("event handler is nil")
	}
	if b.perms != nil && !b.perms.HasPermission(subscriberName, event) {
		return fmt.Errorf("%s: not permitted to subscribe to %q", subscriberName, event)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[event] = append(b.subs[event], subscriber{name: subscriberName, handler: handler})
	return nil
}

// PublishEvent fans an event out to every local subscriber concurrently.
// Each subscriber runs under its own timeout; a slow or erroring subscriber
// never prevents delivery to the others. Returns a joined error describing
// every subscriber that failed or timed out.
func (b *Bus) PublishEvent(ctx context.Context, event string, payload any) error {
	b.mu.RLock()
	subs := append([]subscriber{}, b.subs[event]...)
	timeout := b.config.Timeout
	b.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}

	var mu sync.Mutex
	var errs []error

	var g errgroup.Group
	for _, s := range subs {
		s := s
		g.Go(func() error {
			subCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			if err := s.handler(subCtx, payload); err != nil {
				mu.Lock()
				if errors.Is(err, context.DeadlineExceeded) {
					errs = append(errs, fmt.Errorf("%s: timeout after %v", s.name, timeout))
				} else {
					errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// LocalSubscribers returns the number of subscribers for an event.
func (b *Bus) LocalSubscribers(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}

// LocalEvents returns all events with subscribers.
func (b *Bus) LocalEvents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := make([]string, 0, len(b.subs))
	for event := range b.subs {
		events = append(events, event)
	}
	return events
}

// ClearSubscribers removes all subscribers.
func (b *Bus) ClearSubscribers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]subscriber)
}

// BusPermissions restricts which bus topics a module may subscribe to.
// An empty Topics set means no restriction (all topics allowed).
type BusPermissions struct {
	Topics map[string]bool
}

// DefaultBusPermissions returns permissions with no restriction.
func DefaultBusPermissions() BusPermissions {
	return BusPermissions{}
}

// Allows reports whether topic is permitted under these permissions.
func (p BusPermissions) Allows(topic string) bool {
	if len(p.Topics) == 0 {
		return true
	}
	return p.Topics[topic]
}

// PermissionManager manages bus permissions for modules.
type PermissionManager struct {
	mu    sync.RWMutex
	perms map[string]BusPermissions
}

// NewPermissionManager creates a new permission manager.
func NewPermissionManager() *PermissionManager {
	return &PermissionManager{
		perms: make(map[string]BusPermissions),
	}
}

// SetPermissions sets the bus permissions for a module.
func (p *PermissionManager) SetPermissions(name string, perms BusPermissions) {
	if p == nil {
		return
	}
	name = trimSpace(name)
	if name == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.perms[name] = perms
}

// GetPermissions returns the bus permissions for a module.
// Returns default permissions (unrestricted) if not explicitly set.
func (p *PermissionManager) GetPermissions(name string) BusPermissions {
	if p == nil {
		return DefaultBusPermissions()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if perms, ok := p.perms[name]; ok {
		return perms
	}
	return DefaultBusPermissions()
}

// HasPermission checks if a module may subscribe to the given topic.
func (p *PermissionManager) HasPermission(name, topic string) bool {
	return p.GetPermissions(name).Allows(topic)
}

// AllPermissions returns all permissions map.
func (p *PermissionManager) AllPermissions() map[string]BusPermissions {
	if p == nil {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[string]BusPermissions, len(p.perms))
	for k, v := range p.perms {
		result[k] = v
	}
	return result
}

// RemovePermissions removes permissions for a module.
func (p *PermissionManager) RemovePermissions(name string) {
	if p == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.perms, name)
}

// Clear removes all permissions.
func (p *PermissionManager) Clear() {
	if p == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.perms = make(map[string]BusPermissions)
}

func trimSpace(s string) string {
	return strings.TrimSpace(s)
}
