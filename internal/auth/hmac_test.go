package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fixedSigner(t *testing.T, secret string, leeway time.Duration, now time.Time) *Signer {
	t.Helper()
	s, err := NewSigner(secret, leeway)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	s.WithClock(func() time.Time { return now })
	return s
}

func TestSignerIssuesVerifiableTokens(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := fixedSigner(t, "secret", time.Second, now)
	token, err := s.Issue("operator", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := s.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "operator" || claims.Audience != DashboardAudience {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.Expiry().Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected expiry %v", claims.Expiry())
	}
}

func TestSignerRejectsExpiredToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := fixedSigner(t, "secret", 0, now.Add(-time.Hour))
	token, err := issuer.Issue("operator", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	verifier := fixedSigner(t, "secret", 0, now)
	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestSignerRejectsForeignSecretAndAudience(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := fixedSigner(t, "secret", time.Second, now)

	if _, err := s.Verify(makeToken(t, "other-secret", "operator", DashboardAudience, now.Add(time.Minute))); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign secret, got %v", err)
	}
	if _, err := s.Verify(makeToken(t, "secret", "operator", "game-client", now.Add(time.Minute))); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong audience, got %v", err)
	}
	if _, err := s.Verify(makeToken(t, "secret", "operator", DashboardAudience, now.Add(time.Minute))); err != nil {
		t.Fatalf("hand built token should verify: %v", err)
	}
	if _, err := s.Verify("not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
	if _, err := NewSigner("  ", 0); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}

func makeToken(t *testing.T, secret, subject, audience string, expires time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := fmt.Sprintf(`{"sub":"%s","aud":"%s","exp":%d,"iat":%d}`, subject, audience, expires.Unix(), expires.Add(-time.Minute).Unix())
	signingInput := header + "." + base64.RawURLEncoding.EncodeToString([]byte(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
