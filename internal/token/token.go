// Package token obtains the bearer token sent to the data-proxy and decodes
// its expiry so that stale tokens fail locally.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenMissing is returned when no source produced a token.
	ErrTokenMissing = errors.New("token: no bearer token available")

	// ErrTokenExpired is returned before any request is made with an expired token.
	ErrTokenExpired = errors.New("token: expired")

	// ErrTokenMalformed is returned when a token is not a three-segment compact token.
	ErrTokenMalformed = errors.New("token: malformed")
)

// Token is a raw bearer token and the expiry read from its exp claim.
// A zero Expiry means the token carries no exp and never expires locally.
type Token struct {
	Raw    string
	Expiry time.Time
}

// Parse decodes the middle segment of raw without verifying the signature.
func Parse(raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if strings.Count(raw, ".") != 2 {
		return Token{}, ErrTokenMalformed
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Token{}, fmt.Errorf("%w: exp: %v", ErrTokenMalformed, err)
	}
	t := Token{Raw: raw}
	if exp != nil {
		t.Expiry = exp.Time
	}
	return t, nil
}

// Expired reports whether now is past the token's exp claim.
func (t Token) Expired(now time.Time) bool {
	return !t.Expiry.IsZero() && now.After(t.Expiry)
}

// Check returns ErrTokenExpired if t is expired at now.
func (t Token) Check(now time.Time) error {
	if t.Expired(now) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, t.Expiry.UTC().Format(time.RFC3339))
	}
	return nil
}
