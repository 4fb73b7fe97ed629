// ABOUTME: Unit tests for the request authentication context
// ABOUTME: Covers role checks, tenant access rules, and context propagation

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthContext_IsAdmin(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  bool
	}{
		{"admin role", []string{"admin"}, true},
		{"owner role", []string{"owner"}, true},
		{"admin among others", []string{"member", "admin"}, true},
		{"nil roles", nil, false},
		{"member only", []string{"member"}, false},
		{"similar name", []string{"administrator"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &AuthContext{PrincipalID: "op-1", PrincipalType: PrincipalOperator, Roles: tt.roles}
			assert.Equal(t, tt.want, a.IsAdmin())
		})
	}
}

func TestAuthContext_CanAccessTenant(t *testing.T) {
	tests := []struct {
		name   string
		authn  AuthContext
		tenant string
		want   bool
	}{
		{"operator own tenant", AuthContext{PrincipalType: PrincipalOperator, TenantID: "t1"}, "t1", true},
		{"operator other tenant", AuthContext{PrincipalType: PrincipalOperator, TenantID: "t1"}, "t2", false},
		{"operator without tenant claim", AuthContext{PrincipalType: PrincipalOperator}, "t2", true},
		{"service spans tenants", AuthContext{PrincipalType: PrincipalService, TenantID: "t1"}, "t2", true},
		{"widget other tenant", AuthContext{PrincipalType: PrincipalWidget, TenantID: "t1"}, "t2", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.authn.CanAccessTenant(tt.tenant))
		})
	}
}

func TestAuthContext_IsService(t *testing.T) {
	assert.True(t, (&AuthContext{PrincipalType: PrincipalService}).IsService())
	assert.False(t, (&AuthContext{PrincipalType: PrincipalOperator, Roles: []string{"admin"}}).IsService())
}

func TestFromContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	want := &AuthContext{PrincipalID: "svc", PrincipalType: PrincipalService}
	got := FromContext(WithAuth(context.Background(), want))
	require.NotNil(t, got)
	assert.Same(t, want, got)
}

func TestMustFromContext(t *testing.T) {
	want := &AuthContext{PrincipalID: "op-9", PrincipalType: PrincipalOperator}
	assert.Same(t, want, MustFromContext(WithAuth(context.Background(), want)))

	assert.Panics(t, func() { MustFromContext(context.Background()) })
}
