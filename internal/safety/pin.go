package safety

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
	"github.com/coachrun/rvc-core/infrastructure/runtime"
	"github.com/coachrun/rvc-core/internal/config"
	"github.com/coachrun/rvc-core/internal/security/attempts"
	authsession "github.com/coachrun/rvc-core/internal/security/session"
)

// pinStore is the configured PIN material per class: operator-set bcrypt
// hashes loaded by configuration. The Safety Service only ever compares a
// submitted PIN against these via bcrypt, never stores or logs the
// plaintext.
type pinStore map[config.PinClass]string

// HashPIN produces the bcrypt hash an operator's configured PIN material
// should hold; used by config loading and by operator tooling that sets
// PINs, never by ValidatePIN itself.
func HashPIN(pin string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// session is a short-lived grant created by a successful PIN validation,
// scoped to the authorizing operation class.
// Token is an opaque session token;
// it is a signed JWT minted by internal/security/session when an Issuer is
// available, so the grant can be verified offline by anything holding the
// same signing key. ID remains the lookup key for the in-process
// sessionStore regardless of whether a Token was minted.
type session struct {
	ID        string
	Token     string
	Principal string
	Class     config.PinClass
	Scope     string // entity id the session was validated against, "" for global
	ExpiresAt time.Time
}

type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]session
}

func newSessionStore() sessionStore {
	return sessionStore{sessions: make(map[string]session)}
}

func (s *sessionStore) put(sess session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *sessionStore) active(principal string, class config.PinClass, scope string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.Principal != principal || sess.Class != class {
			continue
		}
		if sess.Scope != "" && sess.Scope != scope {
			continue
		}
		if now.Before(sess.ExpiresAt) {
			return true
		}
	}
	return false
}

// SetPINs installs the operator-configured PIN material. Called once at
// boot from configuration; pins must already be bcrypt hashes (see
// HashPIN), never plaintext.
func (s *Service) SetPINs(pins map[config.PinClass]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinMaterial = pins
}

// ValidatePIN checks a submitted PIN against the configured material for
// class, enforcing lockout and logging every attempt as a SecurityAttempt.
// scope optionally restricts the resulting session to one entity (used by
// GrantOverride); pass "" for a global-scope session (emergency stop,
// reset).
func (s *Service) ValidatePIN(ctx context.Context, principal, pin string, class config.PinClass, scope string) (session, error) {
	if until, locked := s.attempts.IsLockedOut(principal); locked {
		s.attempts.Record(attempts.Attempt{
			Principal: principal,
			Kind:      attempts.KindPIN,
			Outcome:   attempts.OutcomeBlocked,
			Safety:    true,
		})
		if s.m != nil {
			s.m.RecordSecurityAttempt("pin", "blocked")
		}
		return session{}, rvcerrors.New(rvcerrors.Forbidden, "principal locked out").WithDetails("until", until.Format(time.RFC3339))
	}

	s.mu.RLock()
	want, configured := s.pinMaterial[class]
	s.mu.RUnlock()

	var ok bool
	switch {
	case configured:
		ok = bcrypt.CompareHashAndPassword([]byte(want), []byte(pin)) == nil
	case !runtime.SafetyStrictMode():
		// A bench rig with no PIN material configured accepts any
		// non-empty PIN; strict mode (production always) fails closed.
		ok = pin != ""
	}

	outcome := attempts.OutcomeFailed
	if ok {
		outcome = attempts.OutcomeSuccess
	}
	s.attempts.Record(attempts.Attempt{
		Principal: principal,
		Kind:      attempts.KindPIN,
		Outcome:   outcome,
		Safety:    true,
	})
	if s.m != nil {
		s.m.RecordSecurityAttempt("pin", string(outcome))
	}

	if !ok {
		window := time.Duration(s.pins.LockoutMinutes) * time.Minute
		failures := s.attempts.CountSince(principal, attempts.KindPIN, time.Now().Add(-window), true)
		if failures >= s.pins.MaxFailedAttempts {
			until := s.attempts.Lockout(principal, s.pins.LockoutDuration)
			if s.log != nil {
				s.log.WithFields(map[string]any{"principal": principal, "until": until}).Warn("safety: PIN lockout applied")
			}
		}
		return session{}, rvcerrors.ForbiddenErr("PIN validation failed")
	}

	s.attempts.ClearLockout(principal)
	ttl := s.pins.SessionTTL(class)
	sess := session{
		ID:        uuid.New().String(),
		Principal: principal,
		Class:     class,
		Scope:     scope,
		ExpiresAt: time.Now().Add(ttl),
	}
	if s.issuer != nil {
		fp := authsession.Fingerprint(principal, scope)
		token, ac, err := s.issuer.Issue(principal, []string{string(class)}, fp, ttl)
		if err != nil {
			if s.log != nil {
				s.log.WithError(err).Warn("safety: failed to mint session token, falling back to opaque uuid")
			}
		} else {
			sess.Token = token
			sess.ID = ac.SessionID
			sess.ExpiresAt = ac.ExpiresAt
		}
	}
	s.sessions.put(sess)
	return sess, nil
}

// CheckScope implements entity.AuthChecker: a control request against an
// entity that GrantOverride has marked overridden requires the caller's
// active override-class PIN session scoped to that entity (or global); any
// other entity passes, whatever its safety classification.
func (s *Service) CheckScope(ctx context.Context, principal, entityID string) error {
	s.mu.RLock()
	requireOverride := s.overridden[entityID]
	s.mu.RUnlock()
	if !requireOverride {
		return nil
	}
	if s.sessions.active(principal, config.PinOverride, entityID, time.Now()) ||
		s.sessions.active(principal, config.PinOverride, "", time.Now()) {
		return nil
	}
	return rvcerrors.ForbiddenErr("override-class PIN session required")
}
