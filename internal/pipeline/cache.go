package pipeline

import (
	"regexp"
	"strings"
	"time"

	"github.com/roach88/statecore/internal/value"
)

// DefaultTTL is the cache lifetime when Fetch does not set one.
const DefaultTTL = 5 * time.Minute

// CacheEntry is a cached response with its access bookkeeping.
type CacheEntry struct {
	Data         value.Value
	Expires      time.Time
	AccessCount  int64
	LastAccessed time.Time
}

// cache is guarded by Pipeline.mu.
type cache struct {
	entries map[string]*CacheEntry
}

func newCache() *cache {
	return &cache{entries: make(map[string]*CacheEntry)}
}

// get expires lazily: a stale entry is removed on lookup. A hit bumps the
// entry's access count.
func (c *cache) get(key string, now time.Time) (value.Value, bool) {
	e, ok := c.peek(key, now)
	if !ok {
		return nil, false
	}
	e.AccessCount++
	e.LastAccessed = now
	return e.Data, true
}

func (c *cache) peek(key string, now time.Time) (*CacheEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.Expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e, true
}

func (c *cache) set(key string, data value.Value, now, expires time.Time) {
	c.entries[key] = &CacheEntry{Data: data, Expires: expires, LastAccessed: now}
}

func (c *cache) delete(key string) bool {
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// invalidate removes the exact key if present. Otherwise pattern is tried
// as a regular expression and, when it does not compile, as a substring.
func (c *cache) invalidate(pattern string) int {
	if c.delete(pattern) {
		return 1
	}
	match := func(k string) bool { return strings.Contains(k, pattern) }
	if re, err := regexp.Compile(pattern); err == nil {
		match = re.MatchString
	}
	n := 0
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *cache) sweep(now time.Time) int {
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.Expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *cache) len() int { return len(c.entries) }
