// Package auth issues and verifies the HS256 tokens that gate the operator
// dashboard.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DashboardAudience is stamped into every dashboard token.
const DashboardAudience = "coop-dashboard"

var (
	// ErrInvalidToken covers malformed tokens, bad signatures and wrong audiences.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrNoSecret is returned when the signer has no key.
	ErrNoSecret = errors.New("hmac secret must not be empty")
)

// Claims is the token payload.
type Claims struct {
	Subject   string `json:"sub"`
	Audience  string `json:"aud"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Expiry returns the expiry as a time.
func (c Claims) Expiry() time.Time { return time.Unix(c.ExpiresAt, 0) }

var tokenHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

// Signer issues and checks compact JWT tokens for one shared secret.
type Signer struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewSigner constructs a signer tolerating leeway of clock skew.
func NewSigner(secret string, leeway time.Duration) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrNoSecret
	}
	if leeway < 0 {
		leeway = 0
	}
	return &Signer{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// WithClock overrides the signer clock.
func (s *Signer) WithClock(clock func() time.Time) {
	if s != nil && clock != nil {
		s.now = clock
	}
}

// Issue signs a dashboard token for subject valid for ttl.
func (s *Signer) Issue(subject string, ttl time.Duration) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrNoSecret
	}
	subject = strings.TrimSpace(subject)
	if subject == "" || ttl <= 0 {
		return "", fmt.Errorf("%w: subject and ttl required", ErrInvalidToken)
	}
	now := s.now()
	payload, err := json.Marshal(Claims{Subject: subject, Audience: DashboardAudience, IssuedAt: now.Unix(), ExpiresAt: now.Add(ttl).Unix()})
	if err != nil {
		return "", err
	}
	signed := tokenHeader + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signed + "." + base64.RawURLEncoding.EncodeToString(s.sign(signed)), nil
}

// Verify checks signature, audience and expiry and returns the claims.
func (s *Signer) Verify(token string) (*Claims, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrNoSecret
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	//1.- Authenticate the bytes before trusting any decoded field.
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(sig, s.sign(parts[0]+"."+parts[1])) {
		return nil, ErrInvalidToken
	}
	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var header struct {
		Algorithm string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil || header.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected header", ErrInvalidToken)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ExpiresAt <= 0 || claims.Audience != DashboardAudience {
		return nil, ErrInvalidToken
	}
	//2.- Honour the skew allowance at the expiry edge.
	if claims.Expiry().Add(s.leeway).Before(s.now()) {
		return nil, ErrExpiredToken
	}
	return &claims, nil
}

func (s *Signer) sign(data string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
