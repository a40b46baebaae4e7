// Package token reads the claims of backend-issued JWTs. The console never verifies
// signatures; it only needs the subject, role and expiry to decide when to refresh.
package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var (
	ErrMalformedToken = errors.New("malformed token")
	ErrMissingSubject = errors.New("token has no subject")
)

// Claims are the fields the backend places in access and refresh tokens.
type Claims struct {
	jwt.RegisteredClaims
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role,omitempty"`
	TokenType string `json:"token_type,omitempty"` // "access" or "refresh"
}

// Decode parses rawToken without checking its signature.
func Decode(rawToken string) (*Claims, error) {
	if strings.TrimSpace(rawToken) == "" {
		return nil, errors.Wrap(ErrMalformedToken, "[token.Decode] empty token")
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawToken, claims); err != nil {
		return nil, errors.Wrapf(ErrMalformedToken, "[token.Decode] %v", err)
	}
	if claims.Subject == "" {
		return nil, errors.Wrap(ErrMissingSubject, "[token.Decode]")
	}
	return claims, nil
}

// Expiry returns the expiry, or the zero time for tokens without one.
func (c *Claims) Expiry() time.Time {
	if c.RegisteredClaims.ExpiresAt == nil {
		return time.Time{}
	}
	return c.RegisteredClaims.ExpiresAt.Time
}

// Expired reports whether the token is past its expiry at now, treating anything within
// skew of the expiry as already expired. Tokens without an expiry never expire.
func (c *Claims) Expired(now time.Time, skew time.Duration) bool {
	exp := c.Expiry()
	if exp.IsZero() {
		return false
	}
	return !now.Add(skew).Before(exp)
}
