// Trailmarks Relay - Real-time presence and chat for the Trailmarks map app
// SPDX-License-Identifier: MIT

package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the session token claims the account service signs. The `id`
// and `username` field names match the issuer's payload.
type Claims struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier verifies a bearer credential and extracts its claims.
type TokenVerifier interface {
	Verify(credential string) (*Claims, error)
}

// JWTVerifier verifies HS256 session tokens with a shared secret.
type JWTVerifier struct {
	secret []byte
	ttl    time.Duration
}

// NewJWTVerifier creates a verifier for the shared-secret tokens the
// account service issues. The secret must be non-empty; enforcing minimum
// length is the config layer's job.
func NewJWTVerifier(secret string, ttl time.Duration) (*JWTVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required but was empty")
	}
	return &JWTVerifier{secret: []byte(secret), ttl: ttl}, nil
}

// Verify validates signature, structure, and expiry, and returns the
// claims. Rejects tokens with a non-HMAC signing method so an attacker
// cannot downgrade the algorithm.
func (v *JWTVerifier) Verify(credential string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("token missing subject id")
	}

	return claims, nil
}

// Sign mints a session token for the given subject. The account service is
// the normal issuer; this exists for tests and operational tooling.
func (v *JWTVerifier) Sign(subjectID, username string) (string, error) {
	now := time.Now()
	claims := &Claims{
		ID:       subjectID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
