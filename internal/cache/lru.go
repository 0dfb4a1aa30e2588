// Package cache provides the short-lived key stores used to claim alert
// dedup keys across runs and processes.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// LRUCache is a thread-safe LRU cache with TTL support.
// Used as the Community tier cache and as L1 in two-phase caching.
type LRUCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	now     func() time.Time
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewLRUCache creates a new LRU cache with the specified max size.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	return nil
}

// Get retrieves a value from cache. A miss returns nil, nil.
func (c *LRUCache) Get(_ context.Context, tenantID string, key string) ([]byte, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.live(tenantID + ":" + key)
	if entry == nil {
		return nil, nil
	}
	return entry.value, nil
}

// Set stores a value in cache with TTL.
func (c *LRUCache) Set(_ context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.put(tenantID+":"+key, value, ttl)
	return nil
}

// Delete removes a value from cache.
func (c *LRUCache) Delete(_ context.Context, tenantID string, key string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[tenantID+":"+key]; ok {
		c.removeElement(elem)
	}
	return nil
}

// Claim stores key if it is absent or expired and reports whether it did.
func (c *LRUCache) Claim(_ context.Context, tenantID string, key string, ttl time.Duration) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fullKey := tenantID + ":" + key
	if c.live(fullKey) != nil {
		return false, nil
	}
	c.put(fullKey, []byte{1}, ttl)
	return true, nil
}

// Ping checks cache health.
func (c *LRUCache) Ping(context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	return nil
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.maxSize
}

// live returns the unexpired entry for key, promoting it. Callers hold mu.
func (c *LRUCache) live(key string) *cacheEntry {
	elem, ok := c.items[key]
	if !ok {
		return nil
	}
	entry := elem.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.removeElement(elem)
		return nil
	}
	c.order.MoveToFront(elem)
	return entry
}

// put inserts or refreshes key and evicts past capacity. Callers hold mu.
func (c *LRUCache) put(key string, value []byte, ttl time.Duration) {
	expires := c.now().Add(ttl)
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = expires
		return
	}

	c.items[key] = c.order.PushFront(&cacheEntry{key: key, value: value, expiresAt: expires})
	for c.order.Len() > c.maxSize {
		if oldest := c.order.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*cacheEntry).key)
}
