package guard

import (
	"container/list"
	"sync"
	"time"
)

// routeCacheTTL and routeCacheCapacity are the spec §4.G constants: entries
// expire after 10 minutes, and the cache holds at most 10k entries, evicting
// least-recently-used when full.
//
// This is hand-rolled rather than pulled from a third-party LRU (e.g.
// hashicorp/golang-lru, which the pack does not import anywhere) because the
// eviction policy here is a plain LRU list plus a wall-clock TTL check on
// read, both of which are a dozen lines over container/list; see DESIGN.md
// for the full justification.
const (
	routeCacheTTL      = 10 * time.Minute
	routeCacheCapacity = 10_000
)

type cacheEntry struct {
	key      string
	value    RoutingOutput
	expireAt time.Time
	elem     *list.Element
}

// RouteCache is a TTL+capacity LRU cache of resolved RoutingOutputs, keyed by
// a caller-chosen string (typically host+path+method, or an actor ID).
type RouteCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]*cacheEntry
	order    *list.List // front = most recently used
}

// NewRouteCache constructs a RouteCache with the spec's default TTL and
// capacity.
func NewRouteCache() *RouteCache {
	return &RouteCache{
		ttl:      routeCacheTTL,
		capacity: routeCacheCapacity,
		entries:  make(map[string]*cacheEntry),
		order:    list.New(),
	}
}

// Get returns the cached RoutingOutput for key, if present and unexpired.
func (c *RouteCache) Get(key string) (RoutingOutput, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return RoutingOutput{}, false
	}
	if time.Now().After(e.expireAt) {
		c.removeLocked(e)
		return RoutingOutput{}, false
	}
	c.order.MoveToFront(e.elem)
	return e.value, true
}

// Put inserts or refreshes key's cached route, evicting the least-recently
// used entry if the cache is at capacity.
func (c *RouteCache) Put(key string, value RoutingOutput) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expireAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(e.elem)
		return
	}

	e := &cacheEntry{key: key, value: value, expireAt: time.Now().Add(c.ttl)}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e

	if len(c.entries) > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.removeLocked(oldest.Value.(*cacheEntry))
		}
	}
}

// Invalidate drops key from the cache, used on config change per §4.G.
func (c *RouteCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// InvalidateAll clears the cache entirely.
func (c *RouteCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.order.Init()
}

func (c *RouteCache) removeLocked(e *cacheEntry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}

// Len reports the number of live entries, used in tests and metrics.
func (c *RouteCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
