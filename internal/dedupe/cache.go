// ABOUTME: TTL and size-bounded cache of seen message ids.
// ABOUTME: The broker uses it to drop duplicate inbound envelopes.

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/hivewire/hivewire/internal/clock"
)

type entry struct {
	key     string
	seenAt  time.Time
	element *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited set of seen message
// ids. Transports deliver at least once; the broker marks each inbound
// envelope id here and drops repeats. Expired entries are pruned
// inline on mark, so the cache needs no background goroutine and works
// with a fake clock in tests.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	clk     clock.Clock
}

// New creates a dedupe cache with the given TTL and maximum size.
// A nil clk uses the real clock.
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clk:     clk,
	}
}

// CheckAndMark atomically checks whether key was already seen and
// marks it if not. Returns true for a duplicate, false for a new key
// (now marked). The check and mark happen under one lock so two
// concurrent deliveries of the same id cannot both pass.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	c.pruneExpired(now)

	if e, ok := c.seen[key]; ok && now.Sub(e.seenAt) < c.ttl {
		return true
	}

	c.mark(key, now)
	return false
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpired(c.clk.Now())
	return len(c.seen)
}

// mark records key as seen. Must be called with mu held.
func (c *Cache) mark(key string, now time.Time) {
	if e, ok := c.seen[key]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	e := &entry{key: key, seenAt: now}
	e.element = c.order.PushBack(e)
	c.seen[key] = e
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e := front.Value.(*entry)
	c.order.Remove(front)
	delete(c.seen, e.key)
}

// pruneExpired drops entries older than the TTL, walking from the
// oldest end and stopping at the first live one. Must be called with
// mu held.
func (c *Cache) pruneExpired(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		e := front.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, e.key)
	}
}
