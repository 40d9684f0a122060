// Package cache provides a size-bounded LRU whose entries also expire.
//
// Expiry is checked lazily on every read and by an optional janitor
// goroutine. An entry is never returned at or after its expiry instant.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wacore/crypto"
)

// DefaultSize bounds a cache created without an explicit size.
const DefaultSize = 4096

// Options configures a TTL cache.
type Options struct {
	// Size is the maximum number of live entries; the least recently used
	// entry is evicted when it is exceeded.
	Size int
	// TTL is the default lifetime of an entry.
	TTL time.Duration
	// SweepInterval starts a janitor that drops expired entries. Zero
	// disables it and leaves eviction to reads.
	SweepInterval time.Duration
	// TimeProvider overrides the clock, mainly for tests.
	TimeProvider crypto.TimeProvider
	// Name labels log lines.
	Name string
}

type entry[V any] struct {
	value   V
	expires time.Time
}

// TTL is a concurrency-safe LRU cache with per-entry expiry.
type TTL[K comparable, V any] struct {
	mu    sync.Mutex
	lru   *simplelru.LRU
	ttl   time.Duration
	clock crypto.TimeProvider
	name  string

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache. It panics only if the LRU rejects the size, which
// cannot happen for the positive sizes New passes it.
func New[K comparable, V any](opts Options) *TTL[K, V] {
	size := opts.Size
	if size <= 0 {
		size = DefaultSize
	}
	clock := opts.TimeProvider
	if clock == nil {
		clock = crypto.GetDefaultTimeProvider()
	}
	lru, err := simplelru.NewLRU(size, nil)
	if err != nil {
		panic(err)
	}

	c := &TTL[K, V]{
		lru:   lru,
		ttl:   opts.TTL,
		clock: clock,
		name:  opts.Name,
		stop:  make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go c.janitor(opts.SweepInterval)
	}
	return c
}

// Get returns the live value for key.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *TTL[K, V]) getLocked(key K) (V, bool) {
	var zero V
	raw, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	e := raw.(entry[V])
	if !c.clock.Now().Before(e.expires) {
		c.lru.Remove(key)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the default TTL.
func (c *TTL[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key with an explicit lifetime.
func (c *TTL[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, entry[V]{value: value, expires: c.clock.Now().Add(ttl)})
}

// Update atomically replaces the value under key with fn(current, found)
// and returns the new value. The entry's lifetime restarts.
func (c *TTL[K, V]) Update(key K, fn func(current V, found bool) V) V {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, found := c.getLocked(key)
	next := fn(current, found)
	c.lru.Add(key, entry[V]{value: next, expires: c.clock.Now().Add(c.ttl)})
	return next
}

// Delete removes key.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Len returns the number of stored entries, including expired ones not
// yet swept.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge removes every entry.
func (c *TTL[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Sweep drops expired entries and returns how many were removed.
func (c *TTL[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for _, key := range c.lru.Keys() {
		raw, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if !now.Before(raw.(entry[V]).expires) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

func (c *TTL[K, V]) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				logrus.WithFields(logrus.Fields{
					"function": "janitor",
					"cache":    c.name,
					"expired":  n,
				}).Trace("Swept expired cache entries")
			}
		case <-c.stop:
			return
		}
	}
}

// Close stops the janitor. The cache stays usable.
func (c *TTL[K, V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
