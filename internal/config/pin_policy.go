package config

import "time"

// PinClass is the operator PIN tier. Each class has its own session TTL
// and participates in the same lockout policy.
type PinClass string

const (
	PinEmergency   PinClass = "emergency"
	PinOverride    PinClass = "override"
	PinMaintenance PinClass = "maintenance"
)

// PinPolicy is the enumerated PIN configuration Design
// Notes, replacing the source's free-form dict keys.
type PinPolicy struct {
	MinLength                 int  `yaml:"min_length"`
	MaxFailedAttempts         int  `yaml:"max_failed_attempts"`
	LockoutMinutes            int  `yaml:"lockout_minutes"`
	EmergencySessionMinutes   int  `yaml:"emergency_session_minutes"`
	OverrideSessionMinutes    int  `yaml:"override_session_minutes"`
	MaintenanceSessionMinutes int  `yaml:"maintenance_session_minutes"`
	RotationDays              int  `yaml:"rotation_days"`
	ProgressiveLockout        bool `yaml:"progressive_lockout"`
}

// DefaultPinPolicy returns the stock policy: 3 failures trigger a 15
// minute progressive lockout, session TTLs 5/15/30 min by class.
func DefaultPinPolicy() PinPolicy {
	return PinPolicy{
		MinLength:                 6,
		MaxFailedAttempts:         3,
		LockoutMinutes:            15,
		EmergencySessionMinutes:   5,
		OverrideSessionMinutes:    15,
		MaintenanceSessionMinutes: 30,
		RotationDays:              30,
		ProgressiveLockout:        true,
	}
}

// SessionTTL returns the session lifetime for the given PIN class.
func (p PinPolicy) SessionTTL(class PinClass) time.Duration {
	switch class {
	case PinEmergency:
		return time.Duration(p.EmergencySessionMinutes) * time.Minute
	case PinOverride:
		return time.Duration(p.OverrideSessionMinutes) * time.Minute
	case PinMaintenance:
		return time.Duration(p.MaintenanceSessionMinutes) * time.Minute
	default:
		return 0
	}
}

// LockoutDuration returns the lockout window, doubling per consecutive
// lockout when ProgressiveLockout is enabled (capped at 8x the base).
func (p PinPolicy) LockoutDuration(consecutiveLockouts int) time.Duration {
	base := time.Duration(p.LockoutMinutes) * time.Minute
	if !p.ProgressiveLockout || consecutiveLockouts <= 1 {
		return base
	}
	mult := 1 << uint(consecutiveLockouts-1)
	if mult > 8 {
		mult = 8
	}
	return base * time.Duration(mult)
}

// validate checks each field is within the enumerated range
func (p PinPolicy) validate() []error {
	var errs []error
	if p.MinLength < 4 || p.MinLength > 8 {
		errs = append(errs, rangeErr("pin_policy.min_length", p.MinLength, 4, 8))
	}
	if p.MaxFailedAttempts < 2 || p.MaxFailedAttempts > 10 {
		errs = append(errs, rangeErr("pin_policy.max_failed_attempts", p.MaxFailedAttempts, 2, 10))
	}
	if p.LockoutMinutes < 5 || p.LockoutMinutes > 60 {
		errs = append(errs, rangeErr("pin_policy.lockout_minutes", p.LockoutMinutes, 5, 60))
	}
	if p.EmergencySessionMinutes < 1 || p.EmergencySessionMinutes > 15 {
		errs = append(errs, rangeErr("pin_policy.emergency_session_minutes", p.EmergencySessionMinutes, 1, 15))
	}
	if p.OverrideSessionMinutes < 5 || p.OverrideSessionMinutes > 60 {
		errs = append(errs, rangeErr("pin_policy.override_session_minutes", p.OverrideSessionMinutes, 5, 60))
	}
	if p.MaintenanceSessionMinutes < 15 || p.MaintenanceSessionMinutes > 120 {
		errs = append(errs, rangeErr("pin_policy.maintenance_session_minutes", p.MaintenanceSessionMinutes, 15, 120))
	}
	if p.RotationDays < 7 || p.RotationDays > 90 {
		errs = append(errs, rangeErr("pin_policy.rotation_days", p.RotationDays, 7, 90))
	}
	return errs
}
