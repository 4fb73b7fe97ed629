// ABOUTME: Origin and domain normalization for widget admission
// ABOUTME: Host matching, domain list fingerprints, and frame-ancestors policy derivation

package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/url"
	"slices"
	"strings"
)

// NormalizeHost reduces an origin, URL, or bare host to a comparable host:
// lowercase, scheme, port and path stripped, leading "www." removed.
// Returns "" if nothing usable remains.
func NormalizeHost(origin string) string {
	s := strings.TrimSpace(strings.ToLower(origin))
	if s == "" || s == "null" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	} else if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(s, ".")
	s = strings.TrimPrefix(s, "www.")
	return s
}

// ParseDomains splits a comma-separated domain list and normalizes each
// entry. Duplicates and empty entries are dropped; the result is sorted.
func ParseDomains(csv string) []string {
	return NormalizeDomains(strings.Split(csv, ","))
}

// NormalizeDomains normalizes, dedupes, and sorts a domain list.
func NormalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		if h := NormalizeHost(d); h != "" {
			out = append(out, h)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// DomainFingerprint hashes the normalized domain list. Any change to the
// set of domains changes the fingerprint; order and case do not.
func DomainFingerprint(domains []string) string {
	sum := sha256.Sum256([]byte(strings.Join(NormalizeDomains(domains), ",")))
	return hex.EncodeToString(sum[:])
}

// CheckOrigin applies the host rules for a connecting origin.
//
// A trusted embedding host is only accepted together with a parent origin
// whose host is allowed; on its own it is always rejected. Any other origin
// must itself be in the allowed set.
func CheckOrigin(allowed []string, trustedEmbedHosts []string, origin, parentOrigin string) error {
	host := NormalizeHost(origin)
	if host == "" {
		return ErrOriginNotAllowed
	}

	allowedSet := NormalizeDomains(allowed)

	if slices.Contains(NormalizeDomains(trustedEmbedHosts), host) {
		parent := NormalizeHost(parentOrigin)
		if parent == "" {
			return ErrEmbedWithoutParent
		}
		if _, found := slices.BinarySearch(allowedSet, parent); !found {
			return ErrOriginNotAllowed
		}
		return nil
	}

	if _, found := slices.BinarySearch(allowedSet, host); !found {
		return ErrOriginNotAllowed
	}
	return nil
}

// FrameAncestors builds a Content-Security-Policy value that lets only the
// given domains embed the widget. An empty list yields the restrictive policy.
func FrameAncestors(domains []string) string {
	hosts := NormalizeDomains(domains)
	if len(hosts) == 0 {
		return RestrictiveFramePolicy
	}

	var b strings.Builder
	b.WriteString("frame-ancestors 'self'")
	for _, h := range hosts {
		b.WriteString(" https://")
		b.WriteString(h)
		b.WriteString(" https://www.")
		b.WriteString(h)
	}
	return b.String()
}

// RestrictiveFramePolicy is served when embedding cannot be authorized.
const RestrictiveFramePolicy = "frame-ancestors 'none'"
