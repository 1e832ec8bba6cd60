// Package cache provides the read-through caches the repositories keep in front of storage.
package cache

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/songzhibin97/issue-workflow/storage"
)

// ErrAbsent is returned by a loader to record that the key is known to have no value.
var ErrAbsent = errors.New("confirmed absent")

// Loader fetches the value for a key on a cache miss.
type Loader[V any] func(ctx context.Context, key string) (V, error)

type entry[V any] struct {
	value  V
	absent bool
}

// Cache is a concurrent read-through cache. Invalidation never blocks readers: a
// reader racing an invalidation may reload, and a load that started before an
// invalidation is discarded rather than stored. Reads made under a storage
// transaction go straight to the loader and are never stored.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
	gen     map[string]uint64
	epoch   uint64
	group   singleflight.Group
	load    Loader[V]
	copyFn  func(V) V
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithCopy sets the function applied to values on the way out, so callers never share cached state.
func WithCopy[V any](fn func(V) V) Option[V] {
	return func(c *Cache[V]) {
		c.copyFn = fn
	}
}

// New creates a cache around loader.
func New[V any](loader Loader[V], options ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[string]entry[V]),
		gen:     make(map[string]uint64),
		load:    loader,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Get returns the cached value, loading it on a miss. The second result is false
// when the key is confirmed absent.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	if storage.InTx(ctx) {
		return c.loadUncached(ctx, key)
	}
	c.mu.RLock()
	e, ok := c.entries[key]
	gen, epoch := c.gen[key], c.epoch
	c.mu.RUnlock()
	if ok {
		return c.out(e)
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		value, err := c.load(ctx, key)
		fresh := entry[V]{value: value}
		if errors.Is(err, ErrAbsent) {
			fresh = entry[V]{absent: true}
		} else if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen[key] == gen && c.epoch == epoch {
			c.entries[key] = fresh
		}
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	return c.out(v.(entry[V]))
}

func (c *Cache[V]) loadUncached(ctx context.Context, key string) (V, bool, error) {
	value, err := c.load(ctx, key)
	if errors.Is(err, ErrAbsent) {
		return c.out(entry[V]{absent: true})
	}
	if err != nil {
		var zero V
		return zero, false, err
	}
	return c.out(entry[V]{value: value})
}

func (c *Cache[V]) out(e entry[V]) (V, bool, error) {
	if e.absent {
		var zero V
		return zero, false, nil
	}
	if c.copyFn != nil {
		return c.copyFn(e.value), true, nil
	}
	return e.value, true, nil
}

// Put stores a value directly.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[key]++
	c.entries[key] = entry[V]{value: value}
}

// MarkAbsent records that key has no value.
func (c *Cache[V]) MarkAbsent(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[key]++
	c.entries[key] = entry[V]{absent: true}
}

// Invalidate drops key so the next Get reloads it.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[key]++
	delete(c.entries, key)
	c.group.Forget(key)
}

// InvalidateAfter drops key once the storage transaction carried by ctx has ended,
// or at once when there is none.
func (c *Cache[V]) InvalidateAfter(ctx context.Context, key string) {
	storage.AfterTx(ctx, func() { c.Invalidate(key) })
}

// InvalidateAllAfter is InvalidateAfter for every entry.
func (c *Cache[V]) InvalidateAllAfter(ctx context.Context) {
	storage.AfterTx(ctx, c.InvalidateAll)
}

// InvalidateAll drops every entry.
func (c *Cache[V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		c.group.Forget(k)
	}
	c.epoch++
	c.entries = make(map[string]entry[V])
}

// Len returns the number of cached entries, absent markers included.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
