// Package auth implements session-token validation for WebSocket upgrades.
//
// Tokens are optional: when the deployment provides no signing secret the
// gateway trusts the identity claimed in the query parameters (self-declared
// identities, acceptable for the in-memory engine). When a secret is
// configured, a token query parameter must be present, must verify, and its
// subject must match the claimed user id.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims carries the token claims the engine cares about.
type CustomClaims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Validator verifies HS256 session tokens issued by the account API.
type Validator struct {
	secret []byte
}

// NewValidator creates a Validator for the given signing secret.
func NewValidator(secret string) (*Validator, error) {
	if len(secret) < 32 {
		return nil, errors.New("signing secret must be at least 32 characters")
	}
	return &Validator{secret: []byte(secret)}, nil
}

// ValidateToken parses and verifies a token string, returning its claims.
func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	claims := &CustomClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// VerifyIdentity checks that a token's subject matches the user id claimed
// on the connection. Identity claims that do not match the token are rejected.
func (v *Validator) VerifyIdentity(tokenString, claimedUserID string) (*CustomClaims, error) {
	claims, err := v.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Subject != claimedUserID {
		return nil, fmt.Errorf("token subject %q does not match claimed user %q", claims.Subject, claimedUserID)
	}
	return claims, nil
}
