// Package lru provides a fixed-capacity cache with eviction callbacks,
// used to bound per-room runtime state (registry entries, CRDT documents).
package lru

import "container/list"

// Cache is a fixed-capacity LRU map. It is not safe for concurrent use;
// callers hold their own lock around it.
type Cache[K comparable, V any] struct {
	capacity int
	onEvict  func(K, V)
	order    *list.List
	items    map[K]*list.Element
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// NewCache creates a cache holding at most capacity entries. onEvict, if
// non-nil, is called synchronously for every entry removed to make room
// (not for explicit Deletes).
func NewCache[K comparable, V any](capacity int, onEvict func(K, V)) *Cache[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache[K, V]{
		capacity: capacity,
		onEvict:  onEvict,
		order:    list.New(),
		items:    make(map[K]*list.Element),
	}
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Peek returns the value for key without touching recency.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	if el, ok := c.items[key]; ok {
		return el.Value.(*entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Put inserts or updates key, evicting the least recently used entry if the
// cache is over capacity.
func (c *Cache[K, V]) Put(key K, value V) {
	c.PutWithGuard(key, value, nil)
}

// PutWithGuard is Put with an eviction guard. When the cache is full, the
// least recently used entry for which guard returns false (or any entry, if
// guard is nil) is evicted. If every candidate is guarded the cache grows
// past capacity rather than dropping live state.
func (c *Cache[K, V]) PutWithGuard(key K, value V, guard func(K, V) bool) {
	if el, ok := c.items[key]; ok {
		el.Value.(*entry[K, V]).value = value
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value})
	if c.order.Len() <= c.capacity {
		return
	}
	for el := c.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry[K, V])
		if guard != nil && guard(e.key, e.value) {
			continue
		}
		c.order.Remove(el)
		delete(c.items, e.key)
		if c.onEvict != nil {
			c.onEvict(e.key, e.value)
		}
		return
	}
}

// Delete removes key without invoking the eviction callback.
func (c *Cache[K, V]) Delete(key K) bool {
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.items, key)
	return true
}

// Len returns the number of resident entries.
func (c *Cache[K, V]) Len() int { return c.order.Len() }

// Keys returns all resident keys, most recently used first.
func (c *Cache[K, V]) Keys() []K {
	keys := make([]K, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[K, V]).key)
	}
	return keys
}
