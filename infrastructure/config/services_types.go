package config

// ServiceSettings holds the per-module flags from services.yaml.
type ServiceSettings struct {
	// Enabled determines if the module should be registered at boot.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Description is a human-readable description.
	Description string `yaml:"description" json:"description"`

	// Extra holds any additional module-specific configuration.
	Extra map[string]any `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// ServicesConfig holds the enable/disable flags for the optional modules.
// Core modules (entity manager, CAN facade, safety, control) are always on
// and never appear here.
type ServicesConfig struct {
	Services map[string]*ServiceSettings `yaml:"services" json:"services"`
}

// IsEnabled checks if a module is enabled in the configuration.
// Returns false if the module is not found in config.
func (c *ServicesConfig) IsEnabled(serviceID string) bool {
	if c == nil || c.Services == nil {
		return false
	}
	settings, ok := c.Services[serviceID]
	if !ok {
		return false
	}
	return settings.Enabled
}

// EnabledOrDefault reports whether a module is enabled, falling back to
// def when the module has no entry at all. Composition roots use this so a
// module absent from an operator-trimmed services.yaml still starts.
func (c *ServicesConfig) EnabledOrDefault(serviceID string, def bool) bool {
	if c == nil || c.Services == nil {
		return def
	}
	settings, ok := c.Services[serviceID]
	if !ok {
		return def
	}
	return settings.Enabled
}

// GetSettings returns the settings for a module.
// Returns nil if the module is not found.
func (c *ServicesConfig) GetSettings(serviceID string) *ServiceSettings {
	if c == nil || c.Services == nil {
		return nil
	}
	return c.Services[serviceID]
}

// EnabledServices returns a list of enabled module IDs.
func (c *ServicesConfig) EnabledServices() []string {
	if c == nil || c.Services == nil {
		return nil
	}
	var enabled []string
	for id, settings := range c.Services {
		if settings.Enabled {
			enabled = append(enabled, id)
		}
	}
	return enabled
}

// DisabledServices returns a list of disabled module IDs.
func (c *ServicesConfig) DisabledServices() []string {
	if c == nil || c.Services == nil {
		return nil
	}
	var disabled []string
	for id, settings := range c.Services {
		if !settings.Enabled {
			disabled = append(disabled, id)
		}
	}
	return disabled
}
