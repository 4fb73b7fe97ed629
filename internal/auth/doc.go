// Package auth authenticates the three kinds of caller switchboard serves.
//
// # Operators and services
//
// Operators present an HS256 session JWT (see SessionVerifier) signed with
// auth.jwt_secret. Claims carry the operator id, an optional tenant, and
// roles; "admin" or "owner" may act across operators within a tenant.
// Collaborator services present one of the configured service tokens and
// span all tenants. Both arrive as "Authorization: Bearer <token>" and are
// resolved by Authenticator into an AuthContext that handlers read with
// FromContext.
//
// # Widgets
//
// Embedded widgets present a capability token: an HS256 JWT signed with a
// per-tenant key derived from auth.token_secret via HKDF (Keyring). The token
// names the tenant, optionally a dialog, and a fingerprint of the tenant's
// allowed domains at issue time:
//
//	token, err := issuer.Issue(tenantID, dialogID, domains)
//	claims, err := validator.Check(ctx, auth.Credentials{Token: token, Origin: origin})
//
// A token is stale once the tenant's current domain fingerprint differs from
// the one it carries, so editing a tenant's domains revokes outstanding tokens.
//
// # Origins
//
// CheckOrigin accepts a browser Origin whose host is one of the allowed
// domains or a subdomain of one. A trusted embed host is accepted only when a
// parent origin is supplied and that parent passes the same check.
// FrameAncestors renders the matching Content-Security-Policy directive.
package auth
