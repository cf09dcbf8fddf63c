package httpapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken indicates the token failed signature checks or had a
// malformed structure.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken signals that the token's expiry is in the past.
var ErrExpiredToken = errors.New("token expired")

// TokenClaims captures the minimal JWT payload carried by an admin token.
type TokenClaims struct {
	Subject   string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// TokenVerifier validates compact JWT tokens signed with HS256, scoped to
// the admin API's shared-secret deployment model.
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewTokenVerifier constructs a verifier for the supplied shared secret and
// clock skew allowance.
func NewTokenVerifier(secret string, leeway time.Duration) (*TokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &TokenVerifier{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// Verify parses token and validates its signature and expiry.
func (v *TokenVerifier) Verify(token string) (*TokenClaims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(v.now), jwt.WithLeeway(v.leeway))

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case !parsed.Valid:
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}

	var issuedAt time.Time
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	return &TokenClaims{Subject: claims.Subject, ExpiresAt: claims.ExpiresAt.Time, IssuedAt: issuedAt}, nil
}

// WithClock overrides the verifier clock, enabling deterministic tests.
func (v *TokenVerifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}
