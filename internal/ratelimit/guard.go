// ABOUTME: Sliding-window admission control keyed by source address
// ABOUTME: Caps tracked keys and evicts stale or least-recent sources inline on overflow

package ratelimit

import (
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrRateLimited is returned when a source exceeds its admissions for the window.
var ErrRateLimited = errors.New("rate limited")

// evictionFraction is the share of the key cap freed when stale-key cleanup
// alone does not make room.
const evictionFraction = 10

// Guard admits at most maxRequests per key within a sliding window.
type Guard struct {
	window      time.Duration
	maxRequests int
	maxKeys     int

	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewGuard creates a guard. maxKeys bounds the number of tracked sources.
func NewGuard(window time.Duration, maxRequests, maxKeys int) *Guard {
	if maxKeys < 1 {
		maxKeys = 1
	}
	return &Guard{
		window:      window,
		maxRequests: maxRequests,
		maxKeys:     maxKeys,
		hits:        make(map[string][]time.Time),
		now:         time.Now,
	}
}

// Admit records an attempt for key and reports whether it is within the limit.
// Rejected attempts are not recorded.
func (g *Guard) Admit(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.window)

	ts, tracked := g.hits[key]
	ts = prune(ts, cutoff)

	if len(ts) >= g.maxRequests {
		g.hits[key] = ts
		return false
	}

	if !tracked && len(g.hits) >= g.maxKeys {
		g.cleanup(cutoff)
	}

	g.hits[key] = append(ts, now)
	return true
}

// RetryAfter returns how long until key may be admitted again, or zero.
func (g *Guard) RetryAfter(key string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	ts := prune(g.hits[key], now.Add(-g.window))
	if len(ts) < g.maxRequests {
		return 0
	}
	// the oldest in-window hit leaves the window first
	return ts[len(ts)-g.maxRequests].Add(g.window).Sub(now)
}

// Len returns the number of tracked source keys.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.hits)
}

// cleanup drops keys with no hits inside the window. If the map is still at
// the cap, the least recently active keys are evicted. Must hold g.mu.
func (g *Guard) cleanup(cutoff time.Time) {
	for k, ts := range g.hits {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(g.hits, k)
		}
	}

	if len(g.hits) < g.maxKeys {
		return
	}

	type keyLast struct {
		key  string
		last time.Time
	}
	order := make([]keyLast, 0, len(g.hits))
	for k, ts := range g.hits {
		order = append(order, keyLast{k, ts[len(ts)-1]})
	}
	slices.SortFunc(order, func(a, b keyLast) int { return a.last.Compare(b.last) })

	evict := len(g.hits) - g.maxKeys + 1 + g.maxKeys/evictionFraction
	for i := 0; i < evict && i < len(order); i++ {
		delete(g.hits, order[i].key)
	}
}

// prune drops timestamps at or before cutoff. ts is ascending.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
