package dnsfwd

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pingtunnel-vpn/internal/core"
)

const (
	cacheMaxEntries = 1000
	cacheMinTTL     = 60 * time.Second
	cacheMaxTTL     = 3600 * time.Second
	cacheDefaultTTL = 300 * time.Second
	lruEvictCount   = 100
	cleanupInterval = 60 * time.Second
)

// cacheKey identifies a cached response.
type cacheKey struct {
	name   string // lowercased FQDN with trailing dot
	qtype  uint16
	qclass uint16
}

// cacheEntry holds a raw response with expiry and recency metadata.
type cacheEntry struct {
	response   []byte
	expiresAt  time.Time
	lastAccess time.Time
}

// Cache is a TTL-respecting DNS response cache. A hit returns the
// stored body verbatim except for the transaction id in bytes 0-1.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry

	hits   atomic.Uint64
	misses atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCache creates a cache and starts its periodic cleanup goroutine.
func NewCache() *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		entries: make(map[cacheKey]*cacheEntry),
		cancel:  cancel,
	}
	c.wg.Add(1)
	go c.cleanup(ctx)
	return c
}

// Get returns a copy of the cached response with queryID written into
// bytes 0-1, or (nil, false) on miss or expiry.
func (c *Cache) Get(queryID uint16, name string, qtype, qclass uint16) ([]byte, bool) {
	key := cacheKey{name: name, qtype: qtype, qclass: qclass}
	now := time.Now()

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && now.Before(entry.expiresAt) {
		entry.lastAccess = now
	} else {
		ok = false
	}
	var resp []byte
	if ok {
		resp = make([]byte, len(entry.response))
		copy(resp, entry.response)
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	binary.BigEndian.PutUint16(resp[0:2], queryID)
	c.hits.Add(1)
	return resp, true
}

// Put stores a response. TTL is the minimum of all non-zero RR TTLs,
// clamped to [60s, 3600s]; responses whose TTL cannot be extracted
// are stored for 300s.
func (c *Cache) Put(name string, qtype, qclass uint16, response []byte) {
	if len(response) < 12 {
		return
	}

	ttl := cacheDefaultTTL
	if raw := parseMinTTL(response); raw > 0 {
		ttl = time.Duration(raw) * time.Second
		if ttl < cacheMinTTL {
			ttl = cacheMinTTL
		}
		if ttl > cacheMaxTTL {
			ttl = cacheMaxTTL
		}
	}

	stored := make([]byte, len(response))
	copy(stored, response)
	now := time.Now()
	entry := &cacheEntry{
		response:   stored,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
	}

	c.mu.Lock()
	if len(c.entries) >= cacheMaxEntries {
		c.evictLocked(now)
	}
	c.entries[cacheKey{name: name, qtype: qtype, qclass: qclass}] = entry
	c.mu.Unlock()
}

// evictLocked removes all expired entries; if the cache is still at
// capacity, it removes the 100 least-recently-accessed entries.
func (c *Cache) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < cacheMaxEntries {
		return
	}

	type aged struct {
		key  cacheKey
		last time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, last: e.lastAccess})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].last.Before(all[j].last) })
	n := lruEvictCount
	if n > len(all) {
		n = len(all)
	}
	for i := 0; i < n; i++ {
		delete(c.entries, all[i].key)
	}
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns the hit/miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Stop terminates the cleanup goroutine.
func (c *Cache) Stop() {
	c.cancel()
	c.wg.Wait()
	hits, misses := c.Stats()
	core.Log.Infof("DNS", "Cache stopped (hits=%d, misses=%d, entries=%d)", hits, misses, c.Len())
}

func (c *Cache) cleanup(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			purged := 0
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
					purged++
				}
			}
			remaining := len(c.entries)
			c.mu.Unlock()
			if purged > 0 {
				core.Log.Debugf("DNS", "Cache cleanup: purged %d expired, %d remaining", purged, remaining)
			}
		}
	}
}
