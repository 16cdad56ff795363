package config

import (
	"fmt"
	"net"
)

// RateLimitPolicy is the enumerated rate-limit configuration
// Design Notes. TrustedNetworks backs the supplemented trusted-network
// allowlist (grounded in carpenike/coachiq's network_security_service.py):
// IsTrusted reports whether an address falls in one of those CIDRs. No
// limiter in this module reads TrustedNetworks or AdminMultiplier;
// validate only range-checks AdminMultiplier.
type RateLimitPolicy struct {
	RequestsPerMinute    int             `yaml:"requests_per_minute"`
	BurstLimit           int             `yaml:"burst_limit"`
	SafetyOpsPerMinute   int             `yaml:"safety_ops_per_minute"`
	EmergencyOpsPerHour  int             `yaml:"emergency_ops_per_hour"`
	PinAttemptsPerMinute int             `yaml:"pin_attempts_per_minute"`
	TrustedNetworksRaw   []string        `yaml:"trusted_networks"`
	AdminMultiplier      float64         `yaml:"admin_multiplier"`
	TrustedNetworks      []*net.IPNet    `yaml:"-"`
}

// DefaultRateLimitPolicy returns conservative defaults within the
// enumerated ranges.
func DefaultRateLimitPolicy() RateLimitPolicy {
	return RateLimitPolicy{
		RequestsPerMinute:    120,
		BurstLimit:           20,
		SafetyOpsPerMinute:   6,
		EmergencyOpsPerHour:  3,
		PinAttemptsPerMinute: 5,
		AdminMultiplier:      2.0,
	}
}

// parseTrustedNetworks compiles the configured CIDR strings into net.IPNet.
func (r *RateLimitPolicy) parseTrustedNetworks() error {
	r.TrustedNetworks = r.TrustedNetworks[:0]
	for _, raw := range r.TrustedNetworksRaw {
		_, ipnet, err := net.ParseCIDR(raw)
		if err != nil {
			return fmt.Errorf("trusted_networks: invalid CIDR %q: %w", raw, err)
		}
		r.TrustedNetworks = append(r.TrustedNetworks, ipnet)
	}
	return nil
}

// IsTrusted reports whether ip falls within any configured trusted CIDR.
func (r RateLimitPolicy) IsTrusted(ip net.IP) bool {
	for _, n := range r.TrustedNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (r RateLimitPolicy) validate() []error {
	var errs []error
	if r.RequestsPerMinute < 10 || r.RequestsPerMinute > 300 {
		errs = append(errs, rangeErr("rate_limit.requests_per_minute", r.RequestsPerMinute, 10, 300))
	}
	if r.BurstLimit < 5 || r.BurstLimit > 50 {
		errs = append(errs, rangeErr("rate_limit.burst_limit", r.BurstLimit, 5, 50))
	}
	if r.SafetyOpsPerMinute < 1 || r.SafetyOpsPerMinute > 20 {
		errs = append(errs, rangeErr("rate_limit.safety_ops_per_minute", r.SafetyOpsPerMinute, 1, 20))
	}
	if r.EmergencyOpsPerHour < 1 || r.EmergencyOpsPerHour > 10 {
		errs = append(errs, rangeErr("rate_limit.emergency_ops_per_hour", r.EmergencyOpsPerHour, 1, 10))
	}
	if r.PinAttemptsPerMinute < 1 || r.PinAttemptsPerMinute > 10 {
		errs = append(errs, rangeErr("rate_limit.pin_attempts_per_minute", r.PinAttemptsPerMinute, 1, 10))
	}
	if r.AdminMultiplier < 1.0 || r.AdminMultiplier > 5.0 {
		errs = append(errs, fmt.Errorf("rate_limit.admin_multiplier must be within [1.0, 5.0], got %v", r.AdminMultiplier))
	}
	return errs
}
