// ABOUTME: Tests for origin normalization and host admission rules
// ABOUTME: Covers www equivalence, trusted embedding hosts, fingerprints, and frame policy

package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://Example.com", "example.com"},
		{"https://www.example.com:8443/path?q=1", "example.com"},
		{"http://shop.example.com", "shop.example.com"},
		{"www.example.com", "example.com"},
		{"example.com/", "example.com"},
		{"example.com:3000", "example.com"},
		{"  EXAMPLE.com.  ", "example.com"},
		{"null", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeHost(tt.in))
		})
	}
}

func TestParseDomains(t *testing.T) {
	got := ParseDomains("www.b.com, A.com,,https://b.com")
	assert.Equal(t, []string{"a.com", "b.com"}, got)
}

func TestDomainFingerprint_OrderAndCaseInsensitive(t *testing.T) {
	a := DomainFingerprint([]string{"a.com", "B.com"})
	b := DomainFingerprint([]string{"www.b.com", "a.com"})
	c := DomainFingerprint([]string{"a.com"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestCheckOrigin_Direct(t *testing.T) {
	allowed := []string{"shop.com", "blog.shop.com"}

	assert.NoError(t, CheckOrigin(allowed, nil, "https://shop.com", ""))
	assert.NoError(t, CheckOrigin(allowed, nil, "https://www.shop.com", ""))
	assert.NoError(t, CheckOrigin(allowed, nil, "https://blog.shop.com:443", ""))
	assert.ErrorIs(t, CheckOrigin(allowed, nil, "https://evil.com", ""), ErrOriginNotAllowed)
	assert.ErrorIs(t, CheckOrigin(allowed, nil, "https://shop.com.evil.com", ""), ErrOriginNotAllowed)
	assert.ErrorIs(t, CheckOrigin(allowed, nil, "", ""), ErrOriginNotAllowed)
}

func TestCheckOrigin_TrustedEmbedHost(t *testing.T) {
	allowed := []string{"shop.com"}
	trusted := []string{"widget.platform.io"}

	// embedding host alone is never sufficient
	err := CheckOrigin(allowed, trusted, "https://widget.platform.io", "")
	assert.ErrorIs(t, err, ErrEmbedWithoutParent)
	assert.ErrorIs(t, err, ErrOriginNotAllowed)

	assert.NoError(t, CheckOrigin(allowed, trusted, "https://widget.platform.io", "https://www.shop.com/page"))
	assert.ErrorIs(t, CheckOrigin(allowed, trusted, "https://widget.platform.io", "https://evil.com"), ErrOriginNotAllowed)

	// embedding host is rejected alone even when listed as allowed
	assert.Error(t, CheckOrigin([]string{"widget.platform.io"}, trusted, "https://widget.platform.io", ""))
}

func TestFrameAncestors(t *testing.T) {
	assert.Equal(t, RestrictiveFramePolicy, FrameAncestors(nil))
	assert.Equal(t,
		"frame-ancestors 'self' https://a.com https://www.a.com https://b.com https://www.b.com",
		FrameAncestors([]string{"www.b.com", "a.com"}))
}
