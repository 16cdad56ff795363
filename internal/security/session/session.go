// Package session implements auth sessions: an opaque, signed token
// carrying a principal's scopes, expiry, and a stable device fingerprint.
// A signed JWT is the opaque token, its claims are the AuthContext fields,
// and the library's own expiry validation covers the expiry half of the
// contract. The device-fingerprint hard-fail and refresh-preserves-
// session half are enforced here, since jwt-go only validates what is
// encoded in the claims.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
)

// ErrFingerprintMismatch is returned by Verify/Refresh when the caller's
// current device fingerprint does not match the one the session was
// issued against. A fingerprint mismatch on use is always a hard fail.
var ErrFingerprintMismatch = errors.New("session: device fingerprint mismatch")

// AuthContext is the decoded form of a session token: the principal, its
// granted scopes, the session id (stable across Refresh), the issuing
// device fingerprint, and the token's expiry.
type AuthContext struct {
	Principal   string
	Scopes      []string
	SessionID   string
	Fingerprint string
	ExpiresAt   time.Time
}

// claims is the JWT claim set an AuthContext round-trips through.
type claims struct {
	Principal   string   `json:"principal"`
	Scopes      []string `json:"scopes"`
	SessionID   string   `json:"sid"`
	Fingerprint string   `json:"fp"`
	jwt.StandardClaims
}

// Issuer mints and verifies session tokens with a single HMAC signing
// key. One Issuer is constructed per process at boot; the key never
// leaves the process and is never logged.
type Issuer struct {
	key []byte
}

// NewIssuer builds an Issuer around an explicit signing key (e.g. loaded
// from configuration/secret storage).
func NewIssuer(key []byte) *Issuer {
	return &Issuer{key: key}
}

// NewRandomIssuer builds an Issuer with a fresh random signing key, for
// processes that don't need tokens to survive a restart (e.g. the PIN
// session grants in internal/safety, which are re-issued on demand and
// never persisted).
func NewRandomIssuer() (*Issuer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("session: generate signing key: %w", err)
	}
	return &Issuer{key: key}, nil
}

// Fingerprint computes the stable device fingerprint: a hash of the user
// agent plus IP subnet (the /24 or /64, not the full
// address, so a client keeps the same fingerprint across ISP-assigned
// address rotation within the same subnet).
func Fingerprint(userAgent, ipSubnet string) string {
	sum := sha256.Sum256([]byte(userAgent + "|" + ipSubnet))
	return hex.EncodeToString(sum[:])
}

// Issue mints a new session token for principal with the given scopes,
// fingerprint, and TTL. The returned AuthContext.SessionID is stable
// across subsequent Refresh calls for this session; the token string
// itself is not exposed on AuthContext (it is the opaque wire value
// returned alongside it).
func (iss *Issuer) Issue(principal string, scopes []string, fingerprint string, ttl time.Duration) (string, AuthContext, error) {
	return iss.issue(principal, scopes, uuid.New().String(), fingerprint, ttl)
}

func (iss *Issuer) issue(principal string, scopes []string, sessionID, fingerprint string, ttl time.Duration) (string, AuthContext, error) {
	now := time.Now()
	exp := now.Add(ttl)
	c := claims{
		Principal:   principal,
		Scopes:      scopes,
		SessionID:   sessionID,
		Fingerprint: fingerprint,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: exp.Unix(),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(iss.key)
	if err != nil {
		return "", AuthContext{}, fmt.Errorf("session: sign token: %w", err)
	}
	return signed, AuthContext{
		Principal:   principal,
		Scopes:      scopes,
		SessionID:   sessionID,
		Fingerprint: fingerprint,
		ExpiresAt:   exp,
	}, nil
}

// Verify parses and validates a session token: signature, expiry (jwt-go's
// own Valid() check), and that fingerprint matches the one the token was
// issued against.
func (iss *Issuer) Verify(token, fingerprint string) (AuthContext, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("session: unexpected signing method %v", t.Header["alg"])
		}
		return iss.key, nil
	})
	if err != nil {
		return AuthContext{}, fmt.Errorf("session: %w", err)
	}
	if !parsed.Valid {
		return AuthContext{}, errors.New("session: invalid token")
	}
	if c.Fingerprint != fingerprint {
		return AuthContext{}, ErrFingerprintMismatch
	}
	return AuthContext{
		Principal:   c.Principal,
		Scopes:      c.Scopes,
		SessionID:   c.SessionID,
		Fingerprint: c.Fingerprint,
		ExpiresAt:   time.Unix(c.ExpiresAt, 0),
	}, nil
}

// Refresh validates token against fingerprint exactly as Verify does, then
// mints a new access token for the same session id and principal/scopes
// with a fresh expiry: a refresh produces a new access token but
// preserves the session.
func (iss *Issuer) Refresh(token, fingerprint string, ttl time.Duration) (string, AuthContext, error) {
	ctx, err := iss.Verify(token, fingerprint)
	if err != nil {
		return "", AuthContext{}, err
	}
	return iss.issue(ctx.Principal, ctx.Scopes, ctx.SessionID, ctx.Fingerprint, ttl)
}
