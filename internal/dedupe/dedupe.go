// Package dedupe caches responses for requests carrying an idempotency key
// so that client retries after a reconnect return the original outcome
// instead of re-running side effects.
package dedupe

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a cached outcome stays replayable.
	DefaultTTL = 5 * time.Minute
	// DefaultMaxEntries caps the cache; oldest entries are trimmed first.
	DefaultMaxEntries = 1000
	// sweepInterval is how often expired entries are collected.
	sweepInterval = time.Minute
)

// Entry is a cached request outcome.
type Entry struct {
	TS      time.Time
	OK      bool
	Payload json.RawMessage
	Error   *ErrorInfo
}

// ErrorInfo mirrors the wire error shape so failed outcomes replay too.
type ErrorInfo struct {
	Code    string
	Message string
}

// Cache is a TTL-and-capacity bounded idempotency cache. Keys are
// namespaced by the caller ("chat:<key>", "send:<key>", "agent:<key>").
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry
	ttl     time.Duration
	max     int
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// Option tweaks cache construction; used by tests to control time.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithTTL overrides the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithMaxEntries overrides the capacity bound.
func WithMaxEntries(max int) Option {
	return func(c *Cache) { c.max = max }
}

// New creates a cache and starts its background sweeper. Call Close to
// stop the sweeper.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]Entry),
		ttl:     DefaultTTL,
		max:     DefaultMaxEntries,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweepLoop()
	return c
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Get returns the cached outcome for key if present and fresh.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if c.now().Sub(entry.TS) > c.ttl {
		delete(c.entries, key)
		return Entry{}, false
	}
	return entry, true
}

// Reserve atomically claims key for an in-flight request. If a fresh
// entry already exists (interim or final) it is returned with ok=true and
// the caller must replay it instead of executing the handler. Otherwise
// the interim payload is stored so concurrent duplicates see an immediate
// accepted outcome, and ok=false tells the caller to proceed; the final
// outcome overwrites the interim entry via Put.
func (c *Cache) Reserve(key string, interim json.RawMessage) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if ok && c.now().Sub(entry.TS) <= c.ttl {
		return entry, true
	}
	c.entries[key] = Entry{TS: c.now(), OK: true, Payload: interim}
	if len(c.entries) > c.max {
		c.trimLocked()
	}
	return Entry{}, false
}

// Put stores an outcome for key, trimming oldest entries above capacity.
func (c *Cache) Put(key string, ok bool, payload json.RawMessage, errInfo *ErrorInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = Entry{TS: c.now(), OK: ok, Payload: payload, Error: errInfo}
	if len(c.entries) > c.max {
		c.trimLocked()
	}
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// trimLocked removes the oldest entries until the cache fits its cap.
func (c *Cache) trimLocked() {
	type aged struct {
		key string
		ts  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.TS})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ts.Before(all[j].ts) })
	for i := 0; len(c.entries) > c.max && i < len(all); i++ {
		delete(c.entries, all[i].key)
	}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.ttl)
	for k, e := range c.entries {
		if e.TS.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}
