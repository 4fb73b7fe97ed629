// ABOUTME: JWT session tokens for operator consoles and the administrative API
// ABOUTME: Uses HS256 signing with the configured jwt_secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// SessionClaims identify an operator. Subject is the operator ID.
type SessionClaims struct {
	TenantID string   `json:"ten,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// SessionTokenVerifier verifies operator session tokens.
type SessionTokenVerifier interface {
	Verify(tokenString string) (*SessionClaims, error)
}

// SessionVerifier implements SessionTokenVerifier using HS256 signed JWTs
type SessionVerifier struct {
	secret []byte
}

// NewSessionVerifier creates a verifier with the given secret.
func NewSessionVerifier(secret []byte) (*SessionVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
	}
	return &SessionVerifier{secret: secret}, nil
}

// Verify validates the token and returns its claims. The "sub" claim is required.
func (v *SessionVerifier) Verify(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return claims, nil
}

// Generate creates a session token for an operator with expiration.
func (v *SessionVerifier) Generate(operatorID, tenantID string, roles []string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		TenantID: tenantID,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
