package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadServicesConfig loads the module flags from config/services.yaml.
func LoadServicesConfig() (*ServicesConfig, error) {
	return LoadServicesConfigFromPath(filepath.Join("config", "services.yaml"))
}

// LoadServicesConfigFromPath loads the module flags from a specific path.
func LoadServicesConfigFromPath(path string) (*ServicesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read services config: %w", err)
	}

	var cfg ServicesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse services config: %w", err)
	}

	known := DefaultServicesConfig().Services
	for id := range cfg.Services {
		if _, ok := known[id]; !ok {
			return nil, fmt.Errorf("service %s: unknown module id", id)
		}
	}

	return &cfg, nil
}

// LoadServicesConfigOrDefault loads module flags or returns the default if
// loading fails for any reason (missing file, parse or validation error).
func LoadServicesConfigOrDefault() *ServicesConfig {
	cfg, err := LoadServicesConfig()
	if err != nil {
		// Every optional module on, the stock coach deployment.
		return DefaultServicesConfig()
	}
	return cfg
}

// DefaultServicesConfig returns the default flags: every optional module
// enabled. Only the modules a coach can run without appear here; the
// entity manager, CAN facade, control service, and safety service are
// unconditional.
func DefaultServicesConfig() *ServicesConfig {
	return &ServicesConfig{
		Services: map[string]*ServiceSettings{
			"protocol_analyzer": {
				Enabled:     true,
				Description: "Passive frame classification and traffic pattern detection",
			},
			"anomaly_detector": {
				Enabled:     true,
				Description: "Passive scan for payload mismatches, flooding, and spoofing",
			},
			"message_filter": {
				Enabled:     true,
				Description: "Rule-driven pass/block/capture/alert over decoded frames",
			},
			"message_injector": {
				Enabled:     true,
				Description: "Safety-gated controlled frame emission",
			},
			"recorder": {
				Enabled:     true,
				Description: "Frame capture and timing-preserved replay",
			},
			"security_event_orchestrator": {
				Enabled:     true,
				Description: "Cross-path security attempt aggregation and risk scoring",
			},
		},
	}
}
