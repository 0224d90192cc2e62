package share

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a size-bounded LRU of shared documents with a TTL. Documents never
// change once stored, so entries are never invalidated, only evicted.
type Cache struct {
	entries     map[string]*cacheEntry
	mutex       sync.Mutex
	maxSize     int64
	currentSize int64
	ttl         time.Duration
	now         func() time.Time

	// LRU list with sentinel head and tail
	head *cacheEntry
	tail *cacheEntry

	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	code      string
	doc       []byte
	createdAt time.Time

	prev *cacheEntry
	next *cacheEntry
}

// NewCache creates a cache holding at most maxSize bytes of documents.
func NewCache(maxSize int64, ttl time.Duration) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		head:    &cacheEntry{},
		tail:    &cacheEntry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head

	return c
}

// Get returns the document cached under code.
func (c *Cache) Get(code string) ([]byte, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.entries[code]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(entry.createdAt) > c.ttl {
		c.remove(entry)
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	c.moveToFront(entry)
	atomic.AddInt64(&c.hits, 1)

	return entry.doc, true
}

// Set caches doc under code. Documents larger than the whole cache are not
// stored.
func (c *Cache) Set(code string, doc []byte) {
	size := int64(len(doc))
	if size > c.maxSize {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if existing, ok := c.entries[code]; ok {
		c.remove(existing)
	}
	for c.currentSize+size > c.maxSize && c.tail.prev != c.head {
		c.remove(c.tail.prev)
		atomic.AddInt64(&c.evictions, 1)
	}

	entry := &cacheEntry{code: code, doc: doc, createdAt: c.now()}
	c.entries[code] = entry
	c.currentSize += size
	c.addToFront(entry)
}

// Len returns the number of cached documents.
func (c *Cache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return len(c.entries)
}

// Size returns the cached bytes.
func (c *Cache) Size() int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.currentSize
}

// HitRate returns hits over lookups, between 0 and 1.
func (c *Cache) HitRate() float64 {
	hits := atomic.LoadInt64(&c.hits)
	total := hits + atomic.LoadInt64(&c.misses)
	if total == 0 {
		return 0
	}

	return float64(hits) / float64(total)
}

// Evictions returns the number of entries dropped to make room.
func (c *Cache) Evictions() int64 {
	return atomic.LoadInt64(&c.evictions)
}

func (c *Cache) addToFront(entry *cacheEntry) {
	entry.prev = c.head
	entry.next = c.head.next
	c.head.next.prev = entry
	c.head.next = entry
}

func (c *Cache) moveToFront(entry *cacheEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	c.addToFront(entry)
}

func (c *Cache) remove(entry *cacheEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	delete(c.entries, entry.code)
	c.currentSize -= int64(len(entry.doc))
}

// CachedStore serves reads from a Cache before falling back to the wrapped
// store. Fresh documents are cached on Put.
type CachedStore struct {
	Store
	cache *Cache
}

// NewCachedStore wraps store with cache.
func NewCachedStore(store Store, cache *Cache) *CachedStore {
	return &CachedStore{Store: store, cache: cache}
}

// Put stores doc and caches it under the returned code.
func (s *CachedStore) Put(ctx context.Context, doc []byte) (string, error) {
	code, err := s.Store.Put(ctx, doc)
	if err != nil {
		return "", err
	}
	s.cache.Set(code, append([]byte(nil), doc...))

	return code, nil
}

// Get returns the cached document or loads it from the wrapped store.
func (s *CachedStore) Get(ctx context.Context, code string) ([]byte, error) {
	if doc, ok := s.cache.Get(code); ok {
		return doc, nil
	}
	doc, err := s.Store.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	s.cache.Set(code, doc)

	return doc, nil
}

// Cache returns the read cache.
func (s *CachedStore) Cache() *Cache {
	return s.cache
}
