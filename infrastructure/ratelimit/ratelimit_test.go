package ratelimit

import (
	"testing"
	"time"
)

func TestAllowRespectsBurst(t *testing.T) {
	r := New(RateLimitConfig{RequestsPerSecond: 1, Burst: 2})
	if !r.Allow() {
		t.Fatal("expected first request within burst to be allowed")
	}
	if !r.Allow() {
		t.Fatal("expected second request within burst to be allowed")
	}
	if r.Allow() {
		t.Fatal("expected third request to exceed the burst")
	}
}

func TestAllowNConsumesMultipleTokens(t *testing.T) {
	r := New(RateLimitConfig{RequestsPerSecond: 10, Burst: 10})
	now := time.Now()
	if !r.AllowN(now, 5) {
		t.Fatal("expected AllowN(5) within burst to succeed")
	}
	if r.AllowN(now, 10) {
		t.Fatal("expected AllowN(10) to exceed remaining burst")
	}
}

func TestResetRestoresFullBurst(t *testing.T) {
	r := New(RateLimitConfig{RequestsPerSecond: 1, Burst: 1})
	if !r.Allow() {
		t.Fatal("expected first request allowed")
	}
	if r.Allow() {
		t.Fatal("expected burst exhausted")
	}
	r.Reset()
	if !r.Allow() {
		t.Fatal("expected Reset to restore the burst allowance")
	}
}

func TestDefaultConfigAppliesWhenUnset(t *testing.T) {
	r := New(RateLimitConfig{})
	if r.config.RequestsPerSecond != 100 {
		t.Fatalf("expected default requests-per-second of 100, got %v", r.config.RequestsPerSecond)
	}
	if r.config.Burst != 200 {
		t.Fatalf("expected default burst of 200, got %d", r.config.Burst)
	}
}

func TestPerMinuteLimitExceededTracksSeparately(t *testing.T) {
	r := New(RateLimitConfig{RequestsPerSecond: 1000, Burst: 1})
	// perMinute burst is 2x the per-second burst (2), so 3 rapid calls trip it.
	r.PerMinuteLimitExceeded()
	r.PerMinuteLimitExceeded()
	if !r.PerMinuteLimitExceeded() {
		t.Fatal("expected per-minute limiter to trip after exceeding its burst")
	}
}
