package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/sapliy/notifysync/internal/notify"
)

// DefaultTTL is applied when Set is called with a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// DefaultMaxEntries bounds the cache before LRU eviction kicks in.
const DefaultMaxEntries = 512

// Cache is a TTL/LRU key-value store for notification query results.
// An entry is expired once now-storedAt > ttl; Get never returns an expired
// entry. Reads hand back copies, so eviction can never invalidate a value
// an in-flight revalidation is still holding.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List // front = most recently used
	maxEntries int
	defaultTTL time.Duration
	now        func() time.Time

	stats Stats
}

type entry struct {
	key      string
	value    any
	storedAt time.Time
	ttl      time.Duration
}

// Stats is a point-in-time counter snapshot for the status API.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	StaleHits uint64 `json:"stale_hits"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

type Option func(*Cache)

func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

func WithDefaultTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

// WithClock overrides the time source. Tests use this to step through TTL
// boundaries deterministically.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		maxEntries: DefaultMaxEntries,
		defaultTTL: DefaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key, or nil/false when absent or
// expired. Expired entries are evicted on the spot.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if c.expiredLocked(e) {
		c.removeLocked(el)
		c.stats.Misses++
		return nil, false
	}
	c.lru.MoveToFront(el)
	c.stats.Hits++
	return cloneValue(e.value), true
}

// GetStale is the stale-while-revalidate read: it returns the value even
// past its TTL, along with a stale flag telling the caller to kick off a
// background refresh. The entry is left in place until the refresh Sets
// over it or eviction claims it.
func (c *Cache) GetStale(key string) (value any, stale bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, exists := c.entries[key]
	if !exists {
		c.stats.Misses++
		return nil, false, false
	}
	e := el.Value.(*entry)
	if c.expiredLocked(e) {
		c.stats.StaleHits++
		return cloneValue(e.value), true, true
	}
	c.lru.MoveToFront(el)
	c.stats.Hits++
	return cloneValue(e.value), false, true
}

// Set stores value under key. A non-positive ttl means the default.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.storedAt = c.now()
		e.ttl = ttl
		c.lru.MoveToFront(el)
		return
	}

	el := c.lru.PushFront(&entry{key: key, value: value, storedAt: c.now(), ttl: ttl})
	c.entries[key] = el

	for len(c.entries) > c.maxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.stats.Evictions++
	}
}

// Invalidate removes every key with the given prefix and returns the
// number removed. Used to drop all cached queries for one user at once.
func (c *Cache) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(el)
			removed++
		}
	}
	return removed
}

// Clear discards every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	return s
}

func (c *Cache) expiredLocked(e *entry) bool {
	return c.now().Sub(e.storedAt) > e.ttl
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.lru.Remove(el)
	delete(c.entries, e.key)
}

// cloneValue copies the value shapes the coordinator stores, so callers
// can read results without racing cache mutation or eviction.
func cloneValue(v any) any {
	switch t := v.(type) {
	case []notify.Notification:
		out := make([]notify.Notification, len(t))
		copy(out, t)
		return out
	case *notify.Notification:
		n := *t
		return &n
	default:
		return v
	}
}
