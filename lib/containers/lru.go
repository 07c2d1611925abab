// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// LRUCache is a typed wrapper around an adaptive-replacement cache.
// A zero LRUCache is not usable; it must be initialized with
// NewLRUCache.
type LRUCache[K comparable, V any] struct {
	inner *lru.ARCCache
}

func NewLRUCache[K comparable, V any](size int) *LRUCache[K, V] {
	inner, err := lru.NewARC(size)
	if err != nil {
		panic(fmt.Errorf("containers.NewLRUCache(%d): %w", size, err))
	}
	return &LRUCache[K, V]{inner: inner}
}

func (c *LRUCache[K, V]) Add(key K, value V) {
	c.inner.Add(key, value)
}

func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	_value, ok := c.inner.Get(key)
	if ok {
		//nolint:forcetypeassert // Typed wrapper around untyped lib.
		value = _value.(V)
	}
	return value, ok
}

func (c *LRUCache[K, V]) Len() int {
	return c.inner.Len()
}

func (c *LRUCache[K, V]) Remove(key K) {
	c.inner.Remove(key)
}

func (c *LRUCache[K, V]) Purge() {
	c.inner.Purge()
}

// GetOrLoad returns the cached value for key, calling load to fill
// the cache on a miss.  A load error is returned and nothing is
// cached.
func (c *LRUCache[K, V]) GetOrLoad(key K, load func(K) (V, error)) (V, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}
	value, err := load(key)
	if err != nil {
		return value, err
	}
	c.Add(key, value)
	return value, nil
}
