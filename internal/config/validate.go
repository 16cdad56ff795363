package config

import (
	stderrors "errors"
	"fmt"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
)

// rangeErr formats a single out-of-range violation.
func rangeErr(field string, got, min, max int) error {
	return fmt.Errorf("%s must be within [%d, %d], got %d", field, min, max, got)
}

// Validate checks every enumerated policy range and the structural
// invariants of the coach mapping and PGN tables. All violations are
// collected and joined (errors.Join) rather than returned on the first
// failure; validation is total at load time.
func (c *Config) Validate() error {
	var errs []error
	errs = append(errs, c.PinPolicy.validate()...)
	errs = append(errs, c.RateLimit.validate()...)
	errs = append(errs, c.Retention.validate()...)
	errs = append(errs, c.validateCoachMapping()...)
	errs = append(errs, c.validateInterfaces()...)

	if len(errs) == 0 {
		return nil
	}
	return rvcerrors.Wrap(rvcerrors.InvalidInput, "configuration validation failed", stderrors.Join(errs...))
}

func (c *Config) validateCoachMapping() []error {
	var errs []error
	known := make(map[string]bool, len(c.CANInterfaces))
	for _, iface := range c.CANInterfaces {
		known[iface.Name] = true
	}
	for id, def := range c.CoachMapping.Entities {
		if def.ID != "" && def.ID != id {
			errs = append(errs, fmt.Errorf("coach_mapping: entity key %q does not match its id field %q", id, def.ID))
		}
		switch def.Kind {
		case KindLight, KindSlide, KindAwning, KindTank, KindHVAC, KindSwitch, KindSensor:
		default:
			errs = append(errs, fmt.Errorf("coach_mapping: entity %q has unknown kind %q", id, def.Kind))
		}
		if def.Interface != "" && !known[def.Interface] {
			errs = append(errs, fmt.Errorf("coach_mapping: entity %q references undeclared interface %q", id, def.Interface))
		}
	}
	return errs
}

func (c *Config) validateInterfaces() []error {
	var errs []error
	seen := make(map[string]bool, len(c.CANInterfaces))
	for _, iface := range c.CANInterfaces {
		if iface.Name == "" {
			errs = append(errs, stderrors.New("can_interfaces: entry missing name"))
			continue
		}
		if seen[iface.Name] {
			errs = append(errs, fmt.Errorf("can_interfaces: duplicate interface name %q", iface.Name))
		}
		seen[iface.Name] = true
	}
	return errs
}
