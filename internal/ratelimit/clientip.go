// ABOUTME: Client address derivation that only honors forwarding headers from trusted proxies
// ABOUTME: Trusted set is an explicit allow-list plus loopback and private-network prefixes

package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies is the set of peers whose forwarding headers are believed.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies parses CIDRs or bare addresses.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	tp := &TrustedProxies{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("parsing trusted proxy %q: %w", e, err)
			}
			tp.prefixes = append(tp.prefixes, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("parsing trusted proxy %q: %w", e, err)
		}
		tp.prefixes = append(tp.prefixes, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
	}
	return tp, nil
}

// Contains reports whether addr is a trusted proxy.
func (tp *TrustedProxies) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() {
		return true
	}
	if tp == nil {
		return false
	}
	for _, p := range tp.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the address used as the rate-limit key for a request.
//
// The literal peer address is used unless the peer is a trusted proxy, in
// which case X-Forwarded-For is walked right to left and the first untrusted
// hop wins. X-Real-IP is consulted only when X-Forwarded-For is absent.
func (tp *TrustedProxies) ClientIP(r *http.Request) string {
	peer, ok := parseHostAddr(r.RemoteAddr)
	if !ok {
		return r.RemoteAddr
	}
	if !tp.Contains(peer) {
		return peer.String()
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, ok := parseHostAddr(strings.TrimSpace(hops[i]))
			if !ok {
				break
			}
			if !tp.Contains(hop) {
				return hop.String()
			}
		}
		// every hop trusted: the leftmost is the origin
		if first, ok := parseHostAddr(strings.TrimSpace(hops[0])); ok {
			return first.String()
		}
		return peer.String()
	}

	if xr, ok := parseHostAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ok {
		return xr.String()
	}
	return peer.String()
}

func parseHostAddr(s string) (netip.Addr, bool) {
	if s == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}
