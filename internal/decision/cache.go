// Package decision holds the process-wide verdict cache consulted before any
// authorization round-trip is made. Allow entries live long; deny entries
// live only briefly so a freshly-permitted binary is not blocked for a day by
// a stale denial.
package decision

import (
	"sync"
	"time"

	"github.com/agentsh/execgate/pkg/types"
)

const (
	// DefaultMaxEntries caps the cache. Inserting past the cap flushes the
	// whole cache: with sane TTLs that only ever happens if something is
	// deliberately churning identities, and flushing widens every answer to
	// "ask again" rather than to "allow".
	DefaultMaxEntries = 10000

	DefaultAllowTTL = 24 * time.Hour
	DefaultDenyTTL  = 500 * time.Millisecond
)

const shardCount = 64 // power of two, shard by low vnode bits

type entry struct {
	verdict types.Verdict
	at      time.Time
}

type shard struct {
	mu sync.RWMutex
	m  map[uint64]entry
}

// Cache maps a binary identity (vnode id) to a cached verdict. All methods
// are safe for concurrent use; Clear and Invalidate are atomic with respect
// to Lookup within a shard, so a concurrent reader sees either the old entry
// or nothing, never a torn state.
type Cache struct {
	shards     [shardCount]shard
	maxEntries int
	allowTTL   time.Duration
	denyTTL    time.Duration

	now func() time.Time // test hook
}

// Option configures a Cache.
type Option func(*Cache)

func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

func WithTTLs(allow, deny time.Duration) Option {
	return func(c *Cache) {
		if allow > 0 {
			c.allowTTL = allow
		}
		if deny > 0 {
			c.denyTTL = deny
		}
	}
}

func NewCache(opts ...Option) *Cache {
	c := &Cache{
		maxEntries: DefaultMaxEntries,
		allowTTL:   DefaultAllowTTL,
		denyTTL:    DefaultDenyTTL,
		now:        time.Now,
	}
	for i := range c.shards {
		c.shards[i].m = make(map[uint64]entry)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) shardFor(id uint64) *shard {
	return &c.shards[id&(shardCount-1)]
}

// Lookup returns the cached verdict for id, if any. An expired entry reads
// as absent and is removed; expiry never yields an implicit allow, only a
// fresh request.
func (c *Cache) Lookup(id uint64) (types.Verdict, bool) {
	s := c.shardFor(id)
	s.mu.RLock()
	e, ok := s.m[id]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	if c.expired(e) {
		s.mu.Lock()
		// Re-check under the write lock; a concurrent Record may have
		// refreshed the entry.
		if cur, ok := s.m[id]; ok && c.expired(cur) {
			delete(s.m, id)
		}
		s.mu.Unlock()
		return "", false
	}
	return e.verdict, true
}

// Record inserts or overwrites the verdict for id.
func (c *Cache) Record(id uint64, v types.Verdict) {
	if !v.Valid() {
		return
	}
	if c.Count() >= c.maxEntries {
		c.Clear()
	}
	s := c.shardFor(id)
	s.mu.Lock()
	s.m[id] = entry{verdict: v, at: c.now()}
	s.mu.Unlock()
}

// Invalidate removes the entry for id. Called when the underlying file
// changes and when a control operation supersedes a prior verdict.
func (c *Cache) Invalidate(id uint64) {
	s := c.shardFor(id)
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

// Clear drops every entry.
func (c *Cache) Clear() {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		s.m = make(map[uint64]entry)
		s.mu.Unlock()
	}
}

// Count returns the current number of entries, expired or not.
func (c *Cache) Count() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

func (c *Cache) expired(e entry) bool {
	ttl := c.allowTTL
	if e.verdict == types.VerdictDeny {
		ttl = c.denyTTL
	}
	return c.now().Sub(e.at) > ttl
}
