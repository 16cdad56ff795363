package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/coachrun/rvc-core/internal/registry"
	"github.com/coachrun/rvc-core/internal/security/attempts"
)

func TestAssessFlagsExcessiveFailedPINs(t *testing.T) {
	log := attempts.New(15*time.Minute, nil)
	for i := 0; i < 4; i++ {
		log.Record(attempts.Attempt{Principal: "operator1", Kind: attempts.KindPIN, Outcome: attempts.OutcomeFailed, Safety: true})
	}
	svc := NewService(log, registry.NewBus(nil), time.Second, nil, nil)

	got := svc.assess("operator1", time.Now().Add(-15*time.Minute))
	if got == nil {
		t.Fatal("expected a threat assessment")
	}
	if got.Severity != SeverityHigh {
		t.Fatalf("expected high severity for a safety-tagged pattern, got %s", got.Severity)
	}
	found := false
	for _, p := range got.Patterns {
		if p == "excessive_failed_pins" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected excessive_failed_pins pattern, got %v", got.Patterns)
	}
}

func TestAssessReturnsNilWhenNothingSuspicious(t *testing.T) {
	log := attempts.New(15*time.Minute, nil)
	log.Record(attempts.Attempt{Principal: "operator1", Kind: attempts.KindLogin, Outcome: attempts.OutcomeSuccess})
	svc := NewService(log, registry.NewBus(nil), time.Second, nil, nil)

	if got := svc.assess("operator1", time.Now().Add(-15*time.Minute)); got != nil {
		t.Fatalf("expected nil assessment, got %+v", got)
	}
}

func TestSweepPublishesThreatAndSuppressesRepeats(t *testing.T) {
	log := attempts.New(15*time.Minute, nil)
	for i := 0; i < 6; i++ {
		log.Record(attempts.Attempt{Principal: "operator1", Kind: attempts.KindLogin, Outcome: attempts.OutcomeFailed})
	}
	bus := registry.NewBus(nil)

	var received []ThreatAssessment
	_ = bus.SubscribeEvent("test", TopicSecurityThreat, func(ctx context.Context, payload any) error {
		received = append(received, payload.(ThreatAssessment))
		return nil
	})

	svc := NewService(log, bus, time.Second, nil, nil)
	if err := svc.sweepOnce(context.Background()); err != nil {
		t.Fatalf("sweepOnce: %v", err)
	}
	if err := svc.sweepOnce(context.Background()); err != nil {
		t.Fatalf("second sweepOnce: %v", err)
	}

	if len(received) != 1 {
		t.Fatalf("expected exactly one published threat (repeat suppressed), got %d", len(received))
	}
}

func TestAssessBlockedAttemptsRaiseScore(t *testing.T) {
	log := attempts.New(15*time.Minute, nil)
	for i := 0; i < 4; i++ {
		log.Record(attempts.Attempt{Principal: "operator1", Kind: attempts.KindPIN, Outcome: attempts.OutcomeFailed, Safety: true})
	}
	svc := NewService(log, registry.NewBus(nil), time.Second, nil, nil)
	since := time.Now().Add(-15 * time.Minute)

	base := svc.assess("operator1", since)
	if base == nil {
		t.Fatal("expected a baseline assessment")
	}

	// Three lockout-window blocks add exactly 3*20 to the score and must
	// not inflate the failed-PIN term.
	for i := 0; i < 3; i++ {
		log.Record(attempts.Attempt{Principal: "operator1", Kind: attempts.KindPIN, Outcome: attempts.OutcomeBlocked, Safety: true})
	}
	got := svc.assess("operator1", since)
	if got == nil {
		t.Fatal("expected an assessment after blocks")
	}
	if want := base.RiskScore + 3*20; got.RiskScore != want {
		t.Fatalf("score = %d, want %d (baseline %d + blocks)", got.RiskScore, want, base.RiskScore)
	}
}

func TestAssessGlobalDetectsCredentialStuffing(t *testing.T) {
	log := attempts.New(15*time.Minute, nil)
	// Failures spread thinly across many principals: no per-principal
	// threshold trips, only the fleet-wide ratio does.
	principals := []string{"u1", "u2", "u3", "u4", "u5", "u6"}
	for _, p := range principals {
		for i := 0; i < 4; i++ {
			log.Record(attempts.Attempt{Principal: p, Kind: attempts.KindLogin, Outcome: attempts.OutcomeFailed})
		}
	}
	log.Record(attempts.Attempt{Principal: "u1", Kind: attempts.KindLogin, Outcome: attempts.OutcomeSuccess})
	svc := NewService(log, registry.NewBus(nil), time.Second, nil, nil)
	since := time.Now().Add(-15 * time.Minute)

	for _, p := range principals {
		if got := svc.assess(p, since); got != nil {
			t.Fatalf("expected no per-principal assessment for %s, got %+v", p, got)
		}
	}

	got := svc.assessGlobal(since)
	if got == nil {
		t.Fatal("expected a fleet-wide credential-stuffing assessment")
	}
	if len(got.Patterns) != 1 || got.Patterns[0] != "credential_stuffing_suspected" {
		t.Fatalf("patterns = %v", got.Patterns)
	}
	if got.Principal != globalPrincipal {
		t.Fatalf("principal = %s, want %s", got.Principal, globalPrincipal)
	}
	if got.Severity != SeverityCritical {
		t.Fatalf("severity = %s, want critical for %d failures", got.Severity, 4*len(principals))
	}
}

func TestAssessGlobalQuietWhenFailuresConcentrated(t *testing.T) {
	log := attempts.New(15*time.Minute, nil)
	// Many failures but from a single principal: that is brute force, not
	// stuffing, and stays a per-principal pattern.
	for i := 0; i < 30; i++ {
		log.Record(attempts.Attempt{Principal: "u1", Kind: attempts.KindLogin, Outcome: attempts.OutcomeFailed})
	}
	svc := NewService(log, registry.NewBus(nil), time.Second, nil, nil)
	since := time.Now().Add(-15 * time.Minute)

	if got := svc.assessGlobal(since); got != nil {
		t.Fatalf("expected no fleet-wide assessment, got %+v", got)
	}
	if got := svc.assess("u1", since); got == nil {
		t.Fatal("expected the per-principal brute-force pattern instead")
	}
}
