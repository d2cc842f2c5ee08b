package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// EvictReason tells an OnEvict callback why an entry left the cache.
type EvictReason int

const (
	EvictedCapacity EvictReason = iota
	EvictedExpired
	EvictedDeleted
)

func (r EvictReason) String() string {
	switch r {
	case EvictedCapacity:
		return "capacity"
	case EvictedExpired:
		return "expired"
	default:
		return "deleted"
	}
}

// LRUCache is a thread-safe LRU cache with optional TTL support.
// A capacity <= 0 means unbounded; a ttl <= 0 means entries never expire.
type LRUCache[V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	sliding  bool
	items    map[string]*list.Element
	lru      *list.List
	onEvict  func(key string, value V, reason EvictReason)
	pinned   func(key string, value V) bool
	now      func() time.Time
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// Option customises an LRUCache.
type Option[V any] func(*LRUCache[V])

// WithOnEvict registers a callback invoked, outside the cache lock, for every
// entry removed by capacity, expiry or Delete.
func WithOnEvict[V any](fn func(key string, value V, reason EvictReason)) Option[V] {
	return func(c *LRUCache[V]) { c.onEvict = fn }
}

// WithSlidingExpiry makes every successful Get push the entry's expiry out by
// a full ttl, so the ttl measures idle time rather than age.
func WithSlidingExpiry[V any]() Option[V] {
	return func(c *LRUCache[V]) { c.sliding = true }
}

// WithPinned registers a predicate for entries that must not be evicted by
// capacity or expiry. Delete still removes them. The predicate runs under the
// cache lock and must not call back into the cache.
func WithPinned[V any](fn func(key string, value V) bool) Option[V] {
	return func(c *LRUCache[V]) { c.pinned = fn }
}

// WithClock overrides time.Now; used by tests.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *LRUCache[V]) { c.now = now }
}

// NewLRUCache creates a new LRU cache with the given capacity and TTL
func NewLRUCache[V any](capacity int, ttl time.Duration, opts ...Option[V]) *LRUCache[V] {
	c := &LRUCache[V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element),
		lru:      list.New(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get retrieves a value and marks it most recently used.
func (c *LRUCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	v, ok, evicted := c.getLocked(key)
	c.mu.Unlock()
	c.notify(evicted)
	return v, ok
}

// GetOrCreate returns the live value for key or stores the result of create.
// The lookup and insert happen under one lock, so concurrent callers for the
// same key all observe the same value.
func (c *LRUCache[V]) GetOrCreate(key string, create func() V) (V, bool) {
	c.mu.Lock()
	if v, ok, evicted := c.getLocked(key); ok {
		c.mu.Unlock()
		c.notify(evicted)
		return v, false
	}
	v := create()
	evicted := c.setLocked(key, v)
	c.mu.Unlock()
	c.notify(evicted)
	return v, true
}

// Set adds or updates a value in the cache
func (c *LRUCache[V]) Set(key string, value V) {
	c.mu.Lock()
	evicted := c.setLocked(key, value)
	c.mu.Unlock()
	c.notify(evicted)
}

// Delete removes key if present.
func (c *LRUCache[V]) Delete(key string) bool {
	c.mu.Lock()
	elem, ok := c.items[key]
	var evicted []evictedEntry[V]
	if ok {
		evicted = append(evicted, c.removeLocked(elem, EvictedDeleted))
	}
	c.mu.Unlock()
	c.notify(evicted)
	return ok
}

// Prune drops every expired entry and returns how many were removed.
func (c *LRUCache[V]) Prune() int {
	c.mu.Lock()
	var evicted []evictedEntry[V]
	if c.ttl > 0 {
		now := c.now()
		for elem := c.lru.Back(); elem != nil; {
			prev := elem.Prev()
			if ent := elem.Value.(*entry[V]); now.After(ent.expiresAt) && !c.isPinned(ent) {
				evicted = append(evicted, c.removeLocked(elem, EvictedExpired))
			}
			elem = prev
		}
	}
	c.mu.Unlock()
	c.notify(evicted)
	return len(evicted)
}

// Len returns the number of items in the cache, expired or not.
func (c *LRUCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns the keys from most to least recently used.
func (c *LRUCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.lru.Len())
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*entry[V]).key)
	}
	return keys
}

type evictedEntry[V any] struct {
	key    string
	value  V
	reason EvictReason
}

func (c *LRUCache[V]) getLocked(key string) (V, bool, []evictedEntry[V]) {
	var zero V
	elem, ok := c.items[key]
	if !ok {
		return zero, false, nil
	}
	ent := elem.Value.(*entry[V])
	now := c.now()
	expired := c.ttl > 0 && now.After(ent.expiresAt)
	if expired && !c.isPinned(ent) {
		return zero, false, []evictedEntry[V]{c.removeLocked(elem, EvictedExpired)}
	}
	if c.ttl > 0 && (c.sliding || expired) {
		ent.expiresAt = now.Add(c.ttl)
	}
	c.lru.MoveToFront(elem)
	return ent.value, true, nil
}

func (c *LRUCache[V]) setLocked(key string, value V) []evictedEntry[V] {
	expiresAt := c.now().Add(c.ttl)

	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		ent := elem.Value.(*entry[V])
		ent.value = value
		ent.expiresAt = expiresAt
		return nil
	}

	elem := c.lru.PushFront(&entry[V]{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = elem

	var evicted []evictedEntry[V]
	victim := c.lru.Back()
	for c.capacity > 0 && c.lru.Len() > c.capacity && victim != elem {
		prev := victim.Prev()
		if !c.isPinned(victim.Value.(*entry[V])) {
			evicted = append(evicted, c.removeLocked(victim, EvictedCapacity))
		}
		victim = prev
	}
	return evicted
}

func (c *LRUCache[V]) isPinned(ent *entry[V]) bool {
	return c.pinned != nil && c.pinned(ent.key, ent.value)
}

func (c *LRUCache[V]) removeLocked(elem *list.Element, reason EvictReason) evictedEntry[V] {
	ent := elem.Value.(*entry[V])
	c.lru.Remove(elem)
	delete(c.items, ent.key)
	return evictedEntry[V]{key: ent.key, value: ent.value, reason: reason}
}

func (c *LRUCache[V]) notify(evicted []evictedEntry[V]) {
	if c.onEvict == nil {
		return
	}
	for _, e := range evicted {
		c.onEvict(e.key, e.value, e.reason)
	}
}

// HashKey creates a cache key from arbitrary bytes.
func HashKey(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
