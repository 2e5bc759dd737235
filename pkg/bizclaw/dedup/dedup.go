// Package dedup implements a bounded, TTL-based at-most-once gate used to
// collapse duplicate at-least-once deliveries (WhatsApp message IDs,
// Telegram update IDs, rapid duplicate enqueues). It is a best-effort
// process-local cache, not a durable ledger: re-delivery after TTL expiry
// or a restart is accepted as a rare, tolerable duplicate.
package dedup

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a seen ID blocks reprocessing.
	DefaultTTL = 5 * time.Minute

	// DefaultMaxEntries caps memory; oldest entries are evicted past it.
	DefaultMaxEntries = 10_000

	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = 60 * time.Second
)

// Cache is a concurrency-safe TTL dedup map.
type Cache struct {
	ttl        time.Duration
	maxEntries int
	logger     *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time
}

// New creates a cache with the given TTL and cap. Zero values fall back to
// the defaults.
func New(ttl time.Duration, maxEntries int, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		ttl:        ttl,
		maxEntries: maxEntries,
		logger:     logger,
		seen:       make(map[string]time.Time),
	}
}

// MarkProcessed records the ID and reports whether this is the first time it
// was seen within the TTL window. True means the caller should process.
func (c *Cache) MarkProcessed(id string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.seen[id]; ok && now.Sub(at) < c.ttl {
		return false
	}
	c.seen[id] = now

	// Hard-cap enforcement inline so a sweep gap can never blow memory.
	if len(c.seen) > c.maxEntries {
		c.evictLocked(now)
	}
	return true
}

// Len returns the current number of tracked IDs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Sweep evicts expired entries, then oldest-first if still over cap.
// Returns the number of evicted entries.
func (c *Cache) Sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	before := len(c.seen)
	c.evictLocked(now)
	return before - len(c.seen)
}

// StartSweeper runs Sweep periodically until the context is cancelled.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if evicted := c.Sweep(); evicted > 0 {
					c.logger.Debug("dedup cache swept", "evicted", evicted, "remaining", c.Len())
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// evictLocked removes expired entries first, then oldest-first until the
// cache fits the cap. Caller holds c.mu.
func (c *Cache) evictLocked(now time.Time) {
	for id, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, id)
		}
	}
	if len(c.seen) <= c.maxEntries {
		return
	}

	type entry struct {
		id string
		at time.Time
	}
	entries := make([]entry, 0, len(c.seen))
	for id, at := range c.seen {
		entries = append(entries, entry{id, at})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	for _, e := range entries[:len(entries)-c.maxEntries] {
		delete(c.seen, e.id)
	}
}
