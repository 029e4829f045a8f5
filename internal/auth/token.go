// Package auth inspects the bearer tokens the platform hands the client.
// The client holds no signing secret; signature validity is the server's
// concern. What the client needs is the claims for display and the
// expiry, to decide when to re-authenticate before the server rejects it.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Claims holds the platform token claims.
type Claims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// ParseClaims decodes a token's claims without verifying the signature.
func ParseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Expired reports whether the token is expired, or will be within skew.
// Unparseable tokens count as expired.
func Expired(token string, skew time.Duration) bool {
	claims, err := ParseClaims(token)
	if err != nil {
		return true
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !time.Now().Add(skew).Before(claims.ExpiresAt.Time)
}
