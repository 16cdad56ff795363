package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustIssuer(t *testing.T) *Issuer {
	t.Helper()
	iss, err := NewRandomIssuer()
	require.NoError(t, err)
	return iss
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	iss := mustIssuer(t)
	fp := Fingerprint("agent/1.0", "10.0.0.0/24")

	token, ac, err := iss.Issue("operator-1", []string{"control:light"}, fp, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "operator-1", ac.Principal)
	require.Equal(t, fp, ac.Fingerprint)

	got, err := iss.Verify(token, fp)
	require.NoError(t, err)
	require.Equal(t, ac.SessionID, got.SessionID)
	require.Equal(t, ac.Principal, got.Principal)
}

func TestVerifyFingerprintMismatchHardFails(t *testing.T) {
	iss := mustIssuer(t)
	token, _, err := iss.Issue("operator-1", nil, Fingerprint("ua", "1.2.3.0/24"), time.Minute)
	require.NoError(t, err)

	_, err = iss.Verify(token, Fingerprint("ua", "9.9.9.0/24"))
	require.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestVerifyExpiredTokenFails(t *testing.T) {
	iss := mustIssuer(t)
	fp := Fingerprint("ua", "subnet")
	token, _, err := iss.Issue("operator-1", nil, fp, -time.Second)
	require.NoError(t, err)

	_, err = iss.Verify(token, fp)
	require.Error(t, err)
}

func TestRefreshPreservesSessionID(t *testing.T) {
	iss := mustIssuer(t)
	fp := Fingerprint("ua", "subnet")
	token, original, err := iss.Issue("operator-1", []string{"scope"}, fp, time.Minute)
	require.NoError(t, err)

	newToken, refreshed, err := iss.Refresh(token, fp, 2*time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, token, newToken)
	require.Equal(t, original.SessionID, refreshed.SessionID)
	require.True(t, refreshed.ExpiresAt.After(original.ExpiresAt))
}

func TestRefreshFingerprintMismatchHardFails(t *testing.T) {
	iss := mustIssuer(t)
	token, _, err := iss.Issue("operator-1", nil, Fingerprint("ua", "a"), time.Minute)
	require.NoError(t, err)

	_, _, err = iss.Refresh(token, Fingerprint("ua", "b"), time.Minute)
	require.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestVerifyRejectsForeignSigningKey(t *testing.T) {
	a := mustIssuer(t)
	b := mustIssuer(t)
	fp := Fingerprint("ua", "subnet")
	token, _, err := a.Issue("operator-1", nil, fp, time.Minute)
	require.NoError(t, err)

	_, err = b.Verify(token, fp)
	require.Error(t, err)
}
