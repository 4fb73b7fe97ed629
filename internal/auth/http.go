// ABOUTME: HTTP middleware for bearer authentication on API and operator endpoints
// ABOUTME: Accepts operator session JWTs or static service tokens and adds identity to context

package auth

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// BearerFromRequest returns the bearer token from the Authorization header,
// falling back to the "token" query parameter for browser websocket clients.
func BearerFromRequest(r *http.Request) string {
	if token, errMsg := extractBearerToken(r.Header.Get("Authorization")); errMsg == "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// Authenticator resolves a bearer token to an identity.
type Authenticator struct {
	sessions      SessionTokenVerifier
	serviceTokens []string
}

// NewAuthenticator creates an authenticator. sessions may be nil, in which
// case only service tokens are accepted.
func NewAuthenticator(sessions SessionTokenVerifier, serviceTokens []string) *Authenticator {
	return &Authenticator{sessions: sessions, serviceTokens: serviceTokens}
}

// Authenticate returns the identity for a bearer token.
func (a *Authenticator) Authenticate(token string) (*AuthContext, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	for i, st := range a.serviceTokens {
		if st != "" && subtle.ConstantTimeCompare([]byte(st), []byte(token)) == 1 {
			return &AuthContext{
				PrincipalID:   serviceName(i),
				PrincipalType: PrincipalService,
				Roles:         []string{"service"},
			}, nil
		}
	}

	if a.sessions == nil {
		return nil, ErrInvalidToken
	}

	claims, err := a.sessions.Verify(token)
	if err != nil {
		return nil, err
	}
	return &AuthContext{
		PrincipalID:   claims.Subject,
		PrincipalType: PrincipalOperator,
		TenantID:      claims.TenantID,
		Roles:         claims.Roles,
	}, nil
}

func serviceName(i int) string {
	return "service-" + strconv.Itoa(i+1)
}

// HTTPAuthMiddleware creates an HTTP middleware that requires a valid bearer
// token and adds AuthContext to the request context.
func HTTPAuthMiddleware(authn *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			authCtx, err := authn.Authenticate(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireManagerHTTP creates an HTTP middleware that admits admins and
// collaborator services. Must be used after HTTPAuthMiddleware.
func RequireManagerHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}

			if !authCtx.IsAdmin() && !authCtx.IsService() {
				http.Error(w, `{"error":"admin role or service token required"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
