// ABOUTME: Thread-safe TTL cache of recently pushed message ids per dialog
// ABOUTME: Lets collaborator retries of the same message be acknowledged without re-publishing

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the timestamp and list element for a cached key.
type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers message keys for ttl, holding at most maxSize keys.
// The oldest key is evicted first when full.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its expiry sweeper. The sweep runs every
// ttl, but no more often than once a second.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep(max(ttl, time.Second))
	return c
}

// Key joins a dialog id and message id into a cache key.
func Key(dialogID, messageID string) string {
	return dialogID + "\x00" + messageID
}

// Seen atomically reports whether the message was already recorded for the
// dialog within the TTL, and records it if not. Empty message ids are never
// considered duplicates.
func (c *Cache) Seen(dialogID, messageID string) bool {
	if messageID == "" {
		return false
	}
	return c.CheckAndMark(Key(dialogID, messageID))
}

// Forget removes a message so a retry is accepted, used when the first
// attempt failed after being recorded.
func (c *Cache) Forget(dialogID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key(dialogID, messageID)
	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// CheckAndMark returns true if key was seen within the TTL; otherwise it
// marks key and returns false.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.seen[key]; ok {
		if now.Sub(entry.seenAt) < c.ttl {
			return true
		}
		// expired: refresh in place
		entry.seenAt = now
		c.order.MoveToBack(entry.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	c.seen[key] = &cacheEntry{
		seenAt:  now,
		element: c.order.PushBack(key),
	}
	return false
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evictOldest removes the front of the order list. Must hold mu.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

// removeExpired drops expired keys. Keys are ordered by last mark, so the
// walk stops at the first live one.
func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		entry := c.seen[key]
		if now.Sub(entry.seenAt) < c.ttl {
			return
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.seen, key)
		e = next
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
