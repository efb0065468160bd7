// Package httpcache is an in-memory LRU cache of GET responses, used as an
// http.RoundTripper in front of the API client so repeated queries (the
// same page of the same search) are answered locally.
package httpcache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type entry struct {
	key      string
	status   int
	header   http.Header
	body     []byte
	etag     string
	storedAt time.Time
}

func (e entry) fresh(ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(e.storedAt) < ttl
}

// Cache is a size-bounded LRU keyed by request fingerprint.
type Cache struct {
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front is most recently used
	stats   Stats
}

// Stats counts lookups since creation.
type Stats struct {
	Hits          int
	Misses        int
	Revalidations int
	Evictions     int
}

// New creates a cache. A non-positive maxEntries means DefaultMaxEntries.
func New(ttl time.Duration, maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		ttl:        max(ttl, 0),
		maxEntries: maxEntries,
		entries:    map[string]*list.Element{},
		lru:        list.New(),
	}
}

func (c *Cache) get(key string) (entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return entry{}, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(entry), true
}

func (c *Cache) put(key string, status int, header http.Header, body []byte, at time.Time) entry {
	ent := entry{
		key:      key,
		status:   status,
		header:   cloneHeader(header),
		body:     append([]byte(nil), body...),
		etag:     strings.TrimSpace(header.Get("ETag")),
		storedAt: at,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value = ent
		c.lru.MoveToFront(el)
		return ent
	}
	c.entries[key] = c.lru.PushFront(ent)
	for c.lru.Len() > c.maxEntries {
		back := c.lru.Back()
		delete(c.entries, back.Value.(entry).key)
		c.lru.Remove(back)
		c.stats.Evictions++
	}
	return ent
}

func (c *Cache) touch(key string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		ent := el.Value.(entry)
		ent.storedAt = at
		el.Value = ent
		c.lru.MoveToFront(el)
	}
}

func (c *Cache) count(hit, revalidated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.stats.Hits++
	}
	if revalidated {
		c.stats.Revalidations++
	}
}

// Len is the number of stored responses.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]*list.Element{}
	c.lru.Init()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		out[k] = append([]string(nil), vv...)
	}
	return out
}

// fingerprint hashes the request headers that change the response, so a
// token swap never serves another user's page.
func fingerprint(h http.Header, keys []string) string {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	sum := sha256.New()
	for _, k := range sorted {
		v := strings.TrimSpace(h.Get(k))
		if v == "" {
			continue
		}
		sum.Write([]byte(http.CanonicalHeaderKey(k)))
		sum.Write([]byte{0})
		sum.Write([]byte(v))
		sum.Write([]byte{0})
	}
	return hex.EncodeToString(sum.Sum(nil))
}
