package geocode

import (
	"strings"
	"sync"
	"time"
)

// DefaultCacheTTL is how long resolved places (and misses) stay valid.
// Venues move rarely; a week keeps the geocoding budget low without going
// stale.
const DefaultCacheTTL = 7 * 24 * time.Hour

// Cache holds resolved places with a TTL. A cached nil records a miss.
type Cache struct {
	mu       sync.Mutex
	places   map[string]*Place
	cachedAt map[string]time.Time
	ttl      time.Duration
}

// NewCache creates a cache; ttl <= 0 uses DefaultCacheTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		places:   make(map[string]*Place),
		cachedAt: make(map[string]time.Time),
		ttl:      ttl,
	}
}

// Get returns the cached place and whether the key was present and fresh.
// The place may be nil for a cached miss.
func (c *Cache) Get(name, city string) (*Place, bool) {
	key := cacheKey(name, city)

	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.cachedAt[key]
	if !ok {
		return nil, false
	}
	if time.Since(at) > c.ttl {
		delete(c.places, key)
		delete(c.cachedAt, key)
		return nil, false
	}
	return c.places[key], true
}

// Set stores a resolution result; place may be nil to record a miss.
func (c *Cache) Set(name, city string, place *Place) {
	key := cacheKey(name, city)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.places[key] = place
	c.cachedAt[key] = time.Now()
}

// Size returns the number of cached entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cachedAt)
}

func cacheKey(name, city string) string {
	return strings.ToLower(strings.TrimSpace(name)) + "|" + strings.ToLower(strings.TrimSpace(city))
}
