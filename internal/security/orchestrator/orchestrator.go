// Package orchestrator implements the Security Event Orchestrator: it
// aggregates SecurityAttempt events across authentication, PIN
// validation, and rate-limit paths into per-principal risk scores and
// publishes threat assessments over the registry bus.
package orchestrator

import (
	"context"
	"time"

	"github.com/coachrun/rvc-core/infrastructure/logging"
	"github.com/coachrun/rvc-core/infrastructure/metrics"
	"github.com/coachrun/rvc-core/infrastructure/worker"
	"github.com/coachrun/rvc-core/internal/registry"
	"github.com/coachrun/rvc-core/internal/security/attempts"
)

// TopicSecurityThreat is published whenever a principal's pattern checks
// trip.
const TopicSecurityThreat = "security_threat"

// Severity is the threat level assigned to a published assessment.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// patternWindow is the lookback every pattern threshold is evaluated
// over.
const patternWindow = 15 * time.Minute

// Credential-stuffing thresholds: the check is fleet-wide, firing when
// failures dominate successes across many distinct principals rather than
// concentrating on one account.
const (
	credStuffMinPrincipals = 5
	credStuffMinFailures   = 20
	credStuffFailureRatio  = 5

	// globalPrincipal keys the fleet-wide assessment in the suppression
	// map and the published payload; it is not a real principal.
	globalPrincipal = "_global"
)

// ThreatAssessment is the payload published on TopicSecurityThreat.
type ThreatAssessment struct {
	Principal   string
	Patterns    []string
	RiskScore   int
	Severity    Severity
	SafetyAttempt bool
	At          time.Time
}

// Service is the Security Event Orchestrator. It runs a periodic sweep
// over internal/security/attempts' shared ledger rather than consuming a
// push stream, trading a few seconds of detection latency for one
// ledger instead of duplicated per-path bookkeeping.
type Service struct {
	log *logging.Logger
	m   *metrics.Metrics

	attemptLog *attempts.Log
	bus  *registry.Bus

	interval time.Duration
	sweep    *worker.Worker

	lastPatterns map[string]string // principal -> fingerprint of last published pattern set
}

// NewService constructs the orchestrator over the shared attempt log and
// the kernel bus it publishes threat assessments to.
func NewService(attemptLog *attempts.Log, bus *registry.Bus, interval time.Duration, log *logging.Logger, m *metrics.Metrics) *Service {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Service{
		log:          log,
		m:            m,
		attemptLog:   attemptLog,
		bus:          bus,
		interval:     interval,
		lastPatterns: make(map[string]string),
	}
}

// Name identifies this module to the Service Registry.
func (s *Service) Name() string { return "security_event_orchestrator" }

// Domain reports the registry domain this module belongs to.
func (s *Service) Domain() string { return "security" }

// Start launches the periodic pattern-detection sweep.
func (s *Service) Start(ctx context.Context) error {
	s.sweep = worker.New(worker.Config{
		Name:     "security_pattern_sweep",
		Interval: s.interval,
		Fn:       s.sweepOnce,
		OnError: func(name string, err error) {
			if s.log != nil {
				s.log.WithError(err).Warn("security orchestrator: sweep error")
			}
		},
	})
	return s.sweep.Start(context.Background())
}

// Stop halts the sweep.
func (s *Service) Stop(ctx context.Context) error {
	if s.sweep != nil {
		s.sweep.Stop()
	}
	return nil
}

func (s *Service) sweepOnce(ctx context.Context) error {
	since := time.Now().Add(-patternWindow)
	for _, principal := range s.attemptLog.Principals() {
		s.publish(ctx, principal, s.assess(principal, since))
	}
	s.publish(ctx, globalPrincipal, s.assessGlobal(since))
	return nil
}

// publish emits assessment on the threat topic unless it is nil or its
// parameters are unchanged since the last publication for key.
func (s *Service) publish(ctx context.Context, key string, assessment *ThreatAssessment) {
	if assessment == nil {
		return
	}
	fingerprint := fingerprintOf(*assessment)
	if s.lastPatterns[key] == fingerprint {
		return // unchanged parameters, suppress the repeat
	}
	s.lastPatterns[key] = fingerprint

	if s.bus != nil {
		_ = s.bus.PublishEvent(ctx, TopicSecurityThreat, *assessment)
	}
	if s.log != nil {
		s.log.WithFields(map[string]any{
			"principal": assessment.Principal,
			"patterns":  assessment.Patterns,
			"severity":  string(assessment.Severity),
			"score":     assessment.RiskScore,
		}).Warn("security orchestrator: threat assessment published")
	}
}

// assessGlobal runs the fleet-wide credential-stuffing check: a large
// failed-vs-successful login ratio spread across many principals, which
// no per-principal threshold would catch.
func (s *Service) assessGlobal(since time.Time) *ThreatAssessment {
	failed, succeeded, failedPrincipals := s.attemptLog.GlobalLoginStats(since)
	if failedPrincipals < credStuffMinPrincipals || failed < credStuffMinFailures {
		return nil
	}
	base := succeeded
	if base < 1 {
		base = 1
	}
	if failed < credStuffFailureRatio*base {
		return nil
	}

	score := failed * 10
	return &ThreatAssessment{
		Principal: globalPrincipal,
		Patterns:  []string{"credential_stuffing_suspected"},
		RiskScore: score,
		Severity:  severityFor(score, 1, false),
		At:        time.Now().UTC(),
	}
}

// assess runs the pattern checks and risk-score accumulation for one
// principal, returning nil if nothing is suspicious.
func (s *Service) assess(principal string, since time.Time) *ThreatAssessment {
	failedLogins := s.attemptLog.CountSince(principal, attempts.KindLogin, since, true)
	failedPINs := s.attemptLog.CountSince(principal, attempts.KindPIN, since, true)
	rateLimitTrips := s.attemptLog.CountSince(principal, attempts.KindRateLimit, since, false)
	blocks := s.attemptLog.CountOutcomeSince(principal, attempts.OutcomeBlocked, since)
	uniqueIPs := s.attemptLog.UniqueIPsSince(principal, since)

	var patterns []string
	safetyAttempt := false
	if failedLogins > 5 {
		patterns = append(patterns, "excessive_failed_logins")
	}
	if failedPINs > 3 {
		patterns = append(patterns, "excessive_failed_pins")
		safetyAttempt = s.anySafetyAttempt(principal, attempts.KindPIN, since)
	}
	if rateLimitTrips > 10 {
		patterns = append(patterns, "excessive_rate_limit_trips")
	}
	excessIPs := uniqueIPs - 5
	if excessIPs > 0 {
		patterns = append(patterns, "distributed_attack_suspected")
	}

	if len(patterns) == 0 {
		return nil
	}

	score := failedLogins*10 + failedPINs*10 + blocks*20 + rateLimitTrips*5
	if excessIPs > 0 {
		score += excessIPs * 15
	}

	sev := severityFor(score, len(patterns), safetyAttempt)

	return &ThreatAssessment{
		Principal:     principal,
		Patterns:      patterns,
		RiskScore:     score,
		Severity:      sev,
		SafetyAttempt: safetyAttempt,
		At:            time.Now().UTC(),
	}
}

func (s *Service) anySafetyAttempt(principal string, kind attempts.Kind, since time.Time) bool {
	for _, a := range s.attemptLog.Since(principal, kind, since) {
		if a.Safety {
			return true
		}
	}
	return false
}

// severityFor maps the accumulated risk score to a severity tier
// (25/50/100 thresholds), flooring at high when the triggering attempt
// was against a safety endpoint.
func severityFor(score, patternCount int, safetyAttempt bool) Severity {
	sev := SeverityLow
	switch {
	case score >= 100:
		sev = SeverityCritical
	case score >= 50:
		sev = SeverityHigh
	case score >= 25:
		sev = SeverityMedium
	}
	if patternCount >= 3 && sev == SeverityMedium {
		sev = SeverityHigh
	}
	if safetyAttempt && (sev == SeverityLow || sev == SeverityMedium) {
		sev = SeverityHigh
	}
	return sev
}

func fingerprintOf(a ThreatAssessment) string {
	out := string(a.Severity)
	for _, p := range a.Patterns {
		out += "|" + p
	}
	return out
}
