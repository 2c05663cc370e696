package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys for a bounded TTL, so a channel
// webhook retry or a double-tap doesn't trigger a second agent run for the
// same inbound message.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	seen    map[string]time.Time
}

// NewDedupeCache creates a cache that forgets a key after ttl and evicts its
// oldest entries once it holds more than maxSize keys.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{
		ttl:     ttl,
		maxSize: maxSize,
		seen:    make(map[string]time.Time),
	}
}

// IsDuplicate reports whether key was already seen within the TTL window,
// and records it as seen for future calls either way.
func (c *DedupeCache) IsDuplicate(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if seenAt, ok := c.seen[key]; ok && now.Sub(seenAt) < c.ttl {
		return true
	}

	c.seen[key] = now
	c.evictLocked(now)
	return false
}

// evictLocked drops expired entries and, if still over maxSize, the oldest
// remaining ones. Called with c.mu held.
func (c *DedupeCache) evictLocked(now time.Time) {
	for k, t := range c.seen {
		if now.Sub(t) >= c.ttl {
			delete(c.seen, k)
		}
	}
	if len(c.seen) <= c.maxSize {
		return
	}

	type entry struct {
		key string
		at  time.Time
	}
	oldest := make([]entry, 0, len(c.seen))
	for k, t := range c.seen {
		oldest = append(oldest, entry{k, t})
	}
	for len(c.seen) > c.maxSize {
		minIdx := 0
		for i := range oldest {
			if oldest[i].at.Before(oldest[minIdx].at) {
				minIdx = i
			}
		}
		delete(c.seen, oldest[minIdx].key)
		oldest[minIdx] = oldest[len(oldest)-1]
		oldest = oldest[:len(oldest)-1]
	}
}
