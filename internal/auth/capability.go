// ABOUTME: Capability tokens scoping widget connections to a tenant, dialog, and domain list
// ABOUTME: HS256 tokens signed with HKDF-derived per-tenant keys, invalidated on domain changes

package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// Capability token errors. All of them reject the connection.
var (
	ErrStaleToken         = errors.New("token domain list no longer matches tenant")
	ErrOriginNotAllowed   = errors.New("origin not allowed")
	ErrEmbedWithoutParent = fmt.Errorf("%w: embedding host requires parent origin", ErrOriginNotAllowed)
	ErrScopeMismatch      = errors.New("token not valid for this dialog")
	ErrUnknownTenant      = errors.New("unknown tenant")
)

// MinSecretLength is the minimum master secret length for key derivation.
const MinSecretLength = 32

// Keyring derives a distinct signing key for each tenant from one master secret.
type Keyring struct {
	master []byte

	mu   sync.RWMutex
	keys map[string][]byte
}

// NewKeyring creates a keyring over the master secret.
func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) < MinSecretLength {
		return nil, fmt.Errorf("master secret must be at least %d bytes", MinSecretLength)
	}
	return &Keyring{master: master, keys: make(map[string][]byte)}, nil
}

// TenantKey returns the signing key for a tenant.
func (k *Keyring) TenantKey(tenantID string) []byte {
	k.mu.RLock()
	key, ok := k.keys[tenantID]
	k.mu.RUnlock()
	if ok {
		return key
	}

	key = make([]byte, 32)
	r := hkdf.New(sha256.New, k.master, nil, []byte("switchboard/capability/"+tenantID))
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails past 255*hash-size bytes of output
		panic(fmt.Sprintf("auth: deriving tenant key: %v", err))
	}

	k.mu.Lock()
	k.keys[tenantID] = key
	k.mu.Unlock()
	return key
}

// CapabilityClaims are the claims carried by a capability token.
type CapabilityClaims struct {
	TenantID string `json:"ten"`
	// DialogID scopes the token to one dialog; empty means any dialog of the tenant.
	DialogID string `json:"dlg,omitempty"`
	// Domains is the comma-separated allowed origin list at issuance.
	Domains string `json:"dom"`
	// Fingerprint is DomainFingerprint(Domains) at issuance.
	Fingerprint string `json:"fp"`
	jwt.RegisteredClaims
}

// AllowedDomains returns the normalized allowed domain list.
func (c *CapabilityClaims) AllowedDomains() []string {
	return ParseDomains(c.Domains)
}

// CapabilityIssuer mints capability tokens.
type CapabilityIssuer struct {
	keyring *Keyring
	ttl     time.Duration
}

// NewCapabilityIssuer creates an issuer. A zero ttl issues tokens without expiry.
func NewCapabilityIssuer(keyring *Keyring, ttl time.Duration) *CapabilityIssuer {
	return &CapabilityIssuer{keyring: keyring, ttl: ttl}
}

// Issue creates a token for the tenant's domain list, optionally scoped to a dialog.
func (i *CapabilityIssuer) Issue(tenantID, dialogID string, domains []string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("%w: tenant", ErrMissingClaim)
	}
	normalized := NormalizeDomains(domains)
	if len(normalized) == 0 {
		return "", errors.New("at least one domain is required")
	}

	now := time.Now()
	claims := CapabilityClaims{
		TenantID:    tenantID,
		DialogID:    dialogID,
		Domains:     strings.Join(normalized, ","),
		Fingerprint: DomainFingerprint(normalized),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.keyring.TenantKey(tenantID))
}

// TenantDomainSource reports a tenant's currently configured domains.
type TenantDomainSource interface {
	TenantDomains(ctx context.Context, tenantID string) ([]string, error)
}

// Credentials are the admission inputs presented by a connecting widget.
type Credentials struct {
	DialogID     string
	Origin       string
	ParentOrigin string
	Token        string
}

// CapabilityValidator admits widget connections holding a capability token.
type CapabilityValidator struct {
	keyring           *Keyring
	tenants           TenantDomainSource
	trustedEmbedHosts []string
}

// NewCapabilityValidator creates a validator.
func NewCapabilityValidator(keyring *Keyring, tenants TenantDomainSource, trustedEmbedHosts []string) *CapabilityValidator {
	return &CapabilityValidator{
		keyring:           keyring,
		tenants:           tenants,
		trustedEmbedHosts: NormalizeDomains(trustedEmbedHosts),
	}
}

// TrustedEmbedHosts returns the configured embedding hosts.
func (v *CapabilityValidator) TrustedEmbedHosts() []string {
	return v.trustedEmbedHosts
}

// Parse verifies the signature and expiry of a token and returns its claims.
func (v *CapabilityValidator) Parse(tokenString string) (*CapabilityClaims, error) {
	claims := &CapabilityClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		c, ok := token.Claims.(*CapabilityClaims)
		if !ok || c.TenantID == "" {
			return nil, fmt.Errorf("%w: tenant", ErrMissingClaim)
		}
		return v.keyring.TenantKey(c.TenantID), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// Verify checks signature, dialog scope, and freshness against the tenant's
// current domains. An empty dialogID skips the scope check. Origin rules are
// not applied; see Check.
func (v *CapabilityValidator) Verify(ctx context.Context, token, dialogID string) (*CapabilityClaims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	claims, err := v.Parse(token)
	if err != nil {
		return nil, err
	}

	if claims.DialogID != "" && dialogID != "" && claims.DialogID != dialogID {
		return nil, ErrScopeMismatch
	}

	current, err := v.tenants.TenantDomains(ctx, claims.TenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownTenant, err)
	}

	if err := CheckFreshness(claims, DomainFingerprint(current)); err != nil {
		return nil, err
	}
	return claims, nil
}

// Check runs full admission: Verify plus origin rules. Any failure is returned.
func (v *CapabilityValidator) Check(ctx context.Context, c Credentials) (*CapabilityClaims, error) {
	claims, err := v.Verify(ctx, c.Token, c.DialogID)
	if err != nil {
		return nil, err
	}
	if err := CheckOrigin(claims.AllowedDomains(), v.trustedEmbedHosts, c.Origin, c.ParentOrigin); err != nil {
		return nil, err
	}
	return claims, nil
}

// Validate reports whether the origin may connect with the token.
func (v *CapabilityValidator) Validate(ctx context.Context, origin, token, parentOrigin string) bool {
	_, err := v.Check(ctx, Credentials{Origin: origin, ParentOrigin: parentOrigin, Token: token})
	return err == nil
}

// CheckFreshness reports whether verified claims still describe the tenant.
// The token's embedded list must hash to its fingerprint, and that fingerprint
// must equal the tenant's current one.
func CheckFreshness(claims *CapabilityClaims, currentFingerprint string) error {
	if claims == nil {
		return ErrInvalidToken
	}
	if claims.Fingerprint == "" || DomainFingerprint(claims.AllowedDomains()) != claims.Fingerprint {
		return fmt.Errorf("%w: fingerprint does not match domains", ErrInvalidToken)
	}
	if claims.Fingerprint != currentFingerprint {
		return ErrStaleToken
	}
	return nil
}

// Authorize is the side-effect-free admission decision over verified claims:
// CheckFreshness, then the origin rules.
func Authorize(claims *CapabilityClaims, currentFingerprint string, trustedEmbedHosts []string, origin, parentOrigin string) error {
	if err := CheckFreshness(claims, currentFingerprint); err != nil {
		return err
	}
	return CheckOrigin(claims.AllowedDomains(), trustedEmbedHosts, origin, parentOrigin)
}
