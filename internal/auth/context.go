// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
	"slices"
)

// Principal types
const (
	PrincipalOperator = "operator"
	PrincipalService  = "service"
	PrincipalWidget   = "widget"
)

// AuthContext holds the authenticated identity information extracted from a request.
type AuthContext struct {
	PrincipalID   string   // operator ID, service name, or widget guest
	PrincipalType string   // "operator" | "service" | "widget"
	TenantID      string   // empty for services, which span tenants
	Roles         []string // roles assigned to this principal
}

// IsAdmin returns true if the principal has admin or owner role.
func (a *AuthContext) IsAdmin() bool {
	return slices.Contains(a.Roles, "admin") || slices.Contains(a.Roles, "owner")
}

// IsService reports whether the caller is a collaborator service.
func (a *AuthContext) IsService() bool {
	return a.PrincipalType == PrincipalService
}

// CanAccessTenant reports whether the principal may act on the tenant's dialogs.
func (a *AuthContext) CanAccessTenant(tenantID string) bool {
	return a.IsService() || a.TenantID == "" || a.TenantID == tenantID
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
