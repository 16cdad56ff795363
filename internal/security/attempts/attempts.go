// Package attempts is the single append-only SecurityAttempt log shared by
// PIN lockout (internal/safety) and the pattern-detection risk scorer
// (internal/security/orchestrator): one windowed ledger instead of two
// services independently bookkeeping the same failures.
package attempts

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachrun/rvc-core/infrastructure/logging"
)

// Kind classifies what an attempt was against.
type Kind string

const (
	KindLogin              Kind = "login"
	KindPIN                Kind = "pin"
	KindSafetyOp           Kind = "safety_op"
	KindUnauthorizedAccess Kind = "unauthorized_access"
	KindRateLimit          Kind = "rate_limit"
	KindMFA                Kind = "mfa"
	KindTokenRefresh       Kind = "token_refresh"
)

// Outcome is how an attempt ended. BLOCKED records a request refused
// before credentials were ever consulted (an active lockout, an emergency
// stop); RATE_LIMITED a limiter trip; EXPIRED a stale token or session.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailed      Outcome = "failed"
	OutcomeBlocked     Outcome = "blocked"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeExpired     Outcome = "expired"
)

// Attempt is one security-attempt record; every validation attempt is
// logged, successes included.
type Attempt struct {
	ID        string
	Principal string
	Kind      Kind
	Outcome   Outcome
	IP        string
	Safety    bool // true if the attempt targeted a safety-critical endpoint
	At        time.Time
}

// Failed reports whether the attempt ended in the FAILED outcome. Blocked
// and rate-limited attempts are deliberately excluded: they are scored by
// their own risk terms and never feed the failure counters, so a lockout
// window's own blocked retries cannot re-trigger the lockout.
func (a Attempt) Failed() bool {
	return a.Outcome == OutcomeFailed
}

// Log is a thread-safe, time-windowed append-only store of Attempts plus
// the PIN lockout counters derived from it. It keeps only the trailing
// window's worth of entries per principal; Record's prune-to-window follows
// the same shape as infrastructure/security.ReplayProtection's cleanupExpired.
type Log struct {
	window time.Duration
	log    *logging.Logger

	mu      sync.Mutex
	byPrincipal map[string][]Attempt
	lockouts    map[string]lockoutState
}

type lockoutState struct {
	until       time.Time
	consecutive int
}

// New constructs a Log retaining attempts for window (pattern detection
// needs 15 minutes of history; callers pass that in).
func New(window time.Duration, log *logging.Logger) *Log {
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Log{
		window:      window,
		log:         log,
		byPrincipal: make(map[string][]Attempt),
		lockouts:    make(map[string]lockoutState),
	}
}

// Record appends an attempt, assigning it an id and timestamp, and prunes
// entries for that principal older than the window. An unset outcome is
// recorded as failed, never as success.
func (l *Log) Record(a Attempt) Attempt {
	a.ID = uuid.New().String()
	a.At = time.Now().UTC()
	if a.Outcome == "" {
		a.Outcome = OutcomeFailed
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	entries := append(l.byPrincipal[a.Principal], a)
	l.byPrincipal[a.Principal] = pruneBefore(entries, a.At.Add(-l.window))

	if l.log != nil {
		l.log.WithFields(map[string]any{
			"principal": a.Principal,
			"kind":      string(a.Kind),
			"outcome":   string(a.Outcome),
			"safety":    a.Safety,
		}).Debug("security: attempt recorded")
	}
	return a
}

// Since returns every attempt for principal of the given kind at or after
// since, oldest first.
func (l *Log) Since(principal string, kind Kind, since time.Time) []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Attempt
	for _, a := range l.byPrincipal[principal] {
		if a.Kind == kind && !a.At.Before(since) {
			out = append(out, a)
		}
	}
	return out
}

// CountSince returns the count of attempts of kind for principal since
// the given time, used by the lockout policy and the pattern detector
// alike. With failedOnly set, only FAILED outcomes count (see
// Attempt.Failed: blocked and rate-limited attempts are excluded).
func (l *Log) CountSince(principal string, kind Kind, since time.Time, failedOnly bool) int {
	n := 0
	for _, a := range l.Since(principal, kind, since) {
		if !failedOnly || a.Failed() {
			n++
		}
	}
	return n
}

// CountOutcomeSince returns the number of attempts for principal ending in
// outcome since the given time, across every kind. Backs the risk score's
// blocked-attempt term.
func (l *Log) CountOutcomeSince(principal string, outcome Outcome, since time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, a := range l.byPrincipal[principal] {
		if a.Outcome == outcome && !a.At.Before(since) {
			n++
		}
	}
	return n
}

// GlobalLoginStats aggregates login outcomes across every principal since
// the given time: total failed, total succeeded, and the number of
// distinct principals with at least one failure. Backs the
// credential-stuffing check, which is a fleet-wide ratio rather than a
// per-principal threshold.
func (l *Log) GlobalLoginStats(since time.Time) (failed, succeeded, failedPrincipals int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entries := range l.byPrincipal {
		principalFailed := false
		for _, a := range entries {
			if a.Kind != KindLogin || a.At.Before(since) {
				continue
			}
			if a.Failed() {
				failed++
				principalFailed = true
			} else {
				succeeded++
			}
		}
		if principalFailed {
			failedPrincipals++
		}
	}
	return failed, succeeded, failedPrincipals
}

// UniqueIPsSince returns the number of distinct source IPs principal has
// attempted from since the given time.
func (l *Log) UniqueIPsSince(principal string, since time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]bool)
	for _, a := range l.byPrincipal[principal] {
		if !a.At.Before(since) && a.IP != "" {
			seen[a.IP] = true
		}
	}
	return len(seen)
}

// IsLockedOut reports whether principal is currently under a PIN lockout.
func (l *Log) IsLockedOut(principal string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.lockouts[principal]
	if !ok || !time.Now().Before(st.until) {
		return time.Time{}, false
	}
	return st.until, true
}

// Lockout marks principal locked out, computing the duration from its
// consecutive-lockout count via durationFor (progressive lockout: the
// caller's config.PinPolicy.LockoutDuration), and bumps that counter.
// Returns the lockout's expiry.
func (l *Log) Lockout(principal string, durationFor func(consecutive int) time.Duration) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.lockouts[principal]
	st.consecutive++
	st.until = time.Now().Add(durationFor(st.consecutive))
	l.lockouts[principal] = st
	return st.until
}

// ClearLockout removes any lockout on principal (a successful PIN
// validation resets the consecutive-lockout counter).
func (l *Log) ClearLockout(principal string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lockouts, principal)
}

// Principals returns every principal with an attempt recorded in the
// retained window, for the orchestrator's periodic sweep.
func (l *Log) Principals() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.byPrincipal))
	for p := range l.byPrincipal {
		out = append(out, p)
	}
	return out
}

func pruneBefore(entries []Attempt, cutoff time.Time) []Attempt {
	out := entries[:0:0]
	for _, a := range entries {
		if a.At.After(cutoff) {
			out = append(out, a)
		}
	}
	return out
}
