// Package cache implements the memory-budgeted LRU used for metadata objects
// and chunks. Dirty entries are pinned: eviction only reclaims clean entries,
// so unflushed writes can never be dropped. Deleted ids leave tombstones so a
// re-read of a removed object reports gone rather than refetching it.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrFull is returned when an insert cannot find room before its deadline
// because every resident entry is dirty.
var ErrFull = errors.New("cache full")

type entry struct {
	id    string
	value any
	size  int64
	dirty bool
	stamp time.Time
}

// Cache is a byte-budgeted LRU. All methods are safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	memTarget int64
	memUsed   int64
	ll        *list.List
	items     map[string]*list.Element
	deleted   map[string]struct{}
}

// New returns a cache that tries to keep resident bytes under memTarget.
func New(memTarget int64) *Cache {
	return &Cache{
		memTarget: memTarget,
		ll:        list.New(),
		items:     map[string]*list.Element{},
		deleted:   map[string]struct{}{},
	}
}

// Get returns the cached value and moves it to the front.
func (c *Cache) Get(id string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry).value, true
}

// Add inserts or replaces an entry and evicts clean entries from the back
// until the budget is met. The new entry itself is never evicted.
func (c *Cache) Add(id string, value any, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(id, value, size)
}

func (c *Cache) add(id string, value any, size int64) {
	delete(c.deleted, id)
	if el, ok := c.items[id]; ok {
		e := el.Value.(*entry)
		c.memUsed += size - e.size
		e.value = value
		e.size = size
		c.ll.MoveToFront(el)
	} else {
		c.items[id] = c.ll.PushFront(&entry{id: id, value: value, size: size})
		c.memUsed += size
	}
	c.reduce(id)
}

// reduce walks from the back evicting clean entries until the budget is met.
// keep is never evicted.
func (c *Cache) reduce(keep string) {
	el := c.ll.Back()
	for el != nil && c.memUsed > c.memTarget {
		prev := el.Prev()
		e := el.Value.(*entry)
		if !e.dirty && e.id != keep {
			c.ll.Remove(el)
			delete(c.items, e.id)
			c.memUsed -= e.size
		}
		el = prev
	}
}

// AddBlocking inserts like Add, but only once evicting every clean entry
// would bring the cache within budget; when dirty bytes block the insert it
// waits for the syncer to flush some of them, polling until maxWait expires.
func (c *Cache) AddBlocking(ctx context.Context, id string, value any, size int64, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		c.mu.Lock()
		if c.memUsed-c.cleanBytes()+size <= c.memTarget {
			c.add(id, value, size)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		if time.Now().After(deadline) {
			return fmt.Errorf("no room for %s after %s: %w", id, maxWait, ErrFull)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *Cache) cleanBytes() int64 {
	var n int64
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		if e := el.Value.(*entry); !e.dirty {
			n += e.size
		}
	}
	return n
}

// SetDirty marks the entry dirty and stamps the modification time, pinning
// it against eviction until flushed.
func (c *Cache) SetDirty(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		e := el.Value.(*entry)
		e.dirty = true
		e.stamp = time.Now()
		c.ll.MoveToFront(el)
	}
}

// ClearDirty unmarks the entry if its dirty stamp still equals asOf. A write
// that landed after the snapshot keeps the entry dirty for the next sweep.
func (c *Cache) ClearDirty(id string, asOf time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return false
	}
	e := el.Value.(*entry)
	if !e.dirty || !e.stamp.Equal(asOf) {
		return false
	}
	e.dirty = false
	return true
}

// IsDirty reports whether the entry is resident and dirty.
func (c *Cache) IsDirty(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		return el.Value.(*entry).dirty
	}
	return false
}

// DirtySnapshot returns every dirty id with its stamp.
func (c *Cache) DirtySnapshot() map[string]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]time.Time{}
	for id, el := range c.items {
		if e := el.Value.(*entry); e.dirty {
			out[id] = e.stamp
		}
	}
	return out
}

// Remove drops the entry without a tombstone.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(id)
}

func (c *Cache) remove(id string) {
	if el, ok := c.items[id]; ok {
		e := el.Value.(*entry)
		c.ll.Remove(el)
		delete(c.items, id)
		c.memUsed -= e.size
	}
}

// MarkDeleted drops the entry and records a tombstone.
func (c *Cache) MarkDeleted(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(id)
	c.deleted[id] = struct{}{}
}

// IsDeleted reports whether id has a tombstone.
func (c *Cache) IsDeleted(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.deleted[id]
	return ok
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// MemUsed returns resident bytes.
func (c *Cache) MemUsed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memUsed
}
