// ABOUTME: Unit tests for operator session token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, and expired tokens

package auth

import (
	"errors"
	"testing"
	"time"
)

var sessionTestSecret = []byte("session-test-secret-key-32-bytes")

func TestSessionVerifier_ValidToken(t *testing.T) {
	verifier, err := NewSessionVerifier(sessionTestSecret)
	if err != nil {
		t.Fatalf("NewSessionVerifier() error = %v", err)
	}

	token, err := verifier.Generate("op-123", "tenant-1", []string{"admin"}, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if claims.Subject != "op-123" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "op-123")
	}
	if claims.TenantID != "tenant-1" {
		t.Errorf("TenantID = %q, want %q", claims.TenantID, "tenant-1")
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "admin" {
		t.Errorf("Roles = %v, want [admin]", claims.Roles)
	}
}

func TestSessionVerifier_InvalidToken(t *testing.T) {
	verifier, _ := NewSessionVerifier(sessionTestSecret)
	other, _ := NewSessionVerifier([]byte("another-session-secret-32-bytes!"))
	foreign, _ := other.Generate("op-1", "", nil, time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"wrong secret", foreign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestSessionVerifier_ExpiredToken(t *testing.T) {
	verifier, _ := NewSessionVerifier(sessionTestSecret)

	token, err := verifier.Generate("op-1", "", nil, -time.Minute)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestSessionVerifier_MissingSubject(t *testing.T) {
	verifier, _ := NewSessionVerifier(sessionTestSecret)

	token, _ := verifier.Generate("", "", nil, time.Hour)
	_, err := verifier.Verify(token)
	if !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Verify() error = %v, want ErrMissingClaim", err)
	}
}

func TestNewSessionVerifier_ShortSecret(t *testing.T) {
	if _, err := NewSessionVerifier([]byte("short")); err == nil {
		t.Error("NewSessionVerifier() expected error for short secret")
	}
}
