// Package ratelimit provides connection admission control.
//
// Guard is a sliding-window limiter keyed by source address with a hard cap
// on tracked keys. TrustedProxies derives that address from a request without
// trusting forwarding headers from arbitrary peers.
package ratelimit
