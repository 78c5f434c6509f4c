// Package cache provides caching implementations for riskwatch.
package cache

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// LRUCache is a thread-safe LRU cache with TTL support.
// Used as the Community tier cache and as L1 in two-phase caching.
//
// Keys written with SetNX are leases: they live outside the LRU order, so
// cache pressure never evicts a held lock. They leave only by expiry or
// deletion.
type LRUCache struct {
	mu      sync.RWMutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	leases  map[string]*cacheEntry
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
		leases:  make(map[string]*cacheEntry),
	}
}

// Get retrieves a value from cache.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if lease, ok := c.leases[key]; ok {
		if time.Now().After(lease.expiresAt) {
			delete(c.leases, key)
			return nil, nil
		}
		return lease.value, nil
	}

	elem, ok := c.items[key]
	if !ok {
		return nil, nil
	}

	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		return nil, nil
	}

	// Move to front (most recently used)
	c.order.MoveToFront(elem)
	return entry.value, nil
}

// Set stores a value in cache with TTL.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if lease, ok := c.leases[key]; ok {
		lease.value = value
		lease.expiresAt = time.Now().Add(ttl)
		return nil
	}
	c.set(key, value, ttl)
	return nil
}

// SetNX stores value only when key is absent or expired.
func (c *LRUCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("key is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if lease, ok := c.leases[key]; ok && now.Before(lease.expiresAt) {
		return false, nil
	}
	if elem, ok := c.items[key]; ok {
		if now.Before(elem.Value.(*cacheEntry).expiresAt) {
			return false, nil
		}
		c.removeElement(elem)
	}

	if len(c.leases) >= c.maxSize {
		c.sweepLeases(now)
	}
	c.leases[key] = &cacheEntry{key: key, value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

// Delete removes a value from cache.
func (c *LRUCache) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.leases, key)
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	return nil
}

// DeleteIfValue removes key only when it still holds value.
func (c *LRUCache) DeleteIfValue(ctx context.Context, key string, value []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if lease, ok := c.leases[key]; ok {
		if !bytes.Equal(lease.value, value) {
			return false, nil
		}
		delete(c.leases, key)
		return true, nil
	}

	elem, ok := c.items[key]
	if !ok || !bytes.Equal(elem.Value.(*cacheEntry).value, value) {
		return false, nil
	}
	c.removeElement(elem)
	return true, nil
}

// Ping checks cache health.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close cleans up the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	c.leases = make(map[string]*cacheEntry)
	return nil
}

// Stats returns cache statistics. Leases are not counted against capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len(), c.maxSize
}

// set must be called with mu held.
func (c *LRUCache) set(key string, value []byte, ttl time.Duration) {
	// Update existing entry
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		return
	}

	entry := &cacheEntry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	elem := c.order.PushFront(entry)
	c.items[key] = elem

	// Evict if over capacity
	for c.order.Len() > c.maxSize {
		c.removeOldest()
	}
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
}

func (c *LRUCache) removeOldest() {
	elem := c.order.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}

// sweepLeases drops expired leases. Must be called with mu held.
func (c *LRUCache) sweepLeases(now time.Time) {
	for key, lease := range c.leases {
		if now.After(lease.expiresAt) {
			delete(c.leases, key)
		}
	}
}
