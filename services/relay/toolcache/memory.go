// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package toolcache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// memoryEntry is one cached value plus its expiry and LRU position.
type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-memory LRU cache with per-entry TTL.
//
// Description:
//
//	Capacity-bounded: inserting into a full cache evicts the least
//	recently used entry. Expired entries are dropped lazily on access;
//	there is no background reaper, so memory is bounded by capacity, not
//	by expiry.
//
// Thread Safety: Safe for concurrent use.
type MemoryCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	entries  map[string]*list.Element

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewMemoryCache creates a MemoryCache holding at most capacity entries.
//
// Outputs:
//   - *MemoryCache: The cache.
//   - error: Non-nil if capacity is not positive.
func NewMemoryCache(capacity int) (*MemoryCache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("toolcache: capacity must be positive, got %d", capacity)
	}
	return &MemoryCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
		now:      time.Now,
	}, nil
}

// Get implements Cache.Get.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		cacheOpsTotal.WithLabelValues("memory", "miss").Inc()
		return nil, false, nil
	}
	entry := elem.Value.(*memoryEntry)
	if c.now().After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.entries, key)
		cacheOpsTotal.WithLabelValues("memory", "miss").Inc()
		return nil, false, nil
	}
	c.order.MoveToFront(elem)
	cacheOpsTotal.WithLabelValues("memory", "hit").Inc()

	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

// Set implements Cache.Set.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("toolcache: ttl must be positive, got %v", ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	expiresAt := c.now().Add(ttl)

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.value = stored
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		cacheOpsTotal.WithLabelValues("memory", "set").Inc()
		return nil
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*memoryEntry).key)
		}
	}
	c.entries[key] = c.order.PushFront(&memoryEntry{
		key:       key,
		value:     stored,
		expiresAt: expiresAt,
	})
	cacheOpsTotal.WithLabelValues("memory", "set").Inc()
	return nil
}

// Len reports the number of entries currently held (including not-yet-reaped
// expired ones).
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Close implements Cache.Close. A no-op for the memory backend.
func (c *MemoryCache) Close() error {
	return nil
}
