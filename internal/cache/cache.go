// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package cache provides an interface and implementations for caching.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// Cache is a simple interface defining a cache.
type Cache interface {
	Get(any) (any, error)
	Set(any, func() (any, error)) error
	GetOrSet(any, func() (any, error)) (any, error)
	Del(any)
	Clear()
}

// ErrNotExist is returned when a key does not exist in the cache.
var ErrNotExist = errors.New("does not exist")

// CoalescingMemoryCache is a simple cache that coalesces concurrent requests for the same key.
type CoalescingMemoryCache struct {
	data sync.Map // key -> sync.OnceValues
}

// fn is a wrapper that allows making func() comparable.
type fn struct {
	Func func() (any, error)
}

func (c *CoalescingMemoryCache) valueOrClear(key, once any) (any, error) {
	val, err := once.(*fn).Func()
	if err != nil {
		c.data.CompareAndDelete(key, once)
	}
	return val, err
}

// Get returns the value for the given key.
func (c *CoalescingMemoryCache) Get(key any) (any, error) {
	once, ok := c.data.Load(key)
	if !ok {
		return nil, ErrNotExist
	}
	return c.valueOrClear(key, once)
}

// Set sets the value for the given key with the returned value from fetch.
func (c *CoalescingMemoryCache) Set(key any, fetch func() (any, error)) error {
	once := &fn{sync.OnceValues(fetch)}
	c.data.Store(key, once)
	_, err := c.valueOrClear(key, once)
	return err
}

// GetOrSet returns the value for the given key, or sets it if it does not exist.
// Notably, this will coalesce simultaneous accesses to the same key.
func (c *CoalescingMemoryCache) GetOrSet(key any, fetch func() (any, error)) (any, error) {
	once, _ := c.data.LoadOrStore(key, &fn{sync.OnceValues(fetch)})
	return c.valueOrClear(key, once)
}

// Del deletes the value for the given key.
func (c *CoalescingMemoryCache) Del(key any) {
	c.data.Delete(key)
}

// Clear clears the cache.
func (c *CoalescingMemoryCache) Clear() {
	c.data = sync.Map{}
}

var _ Cache = &CoalescingMemoryCache{}

// LRUCache is a bounded Cache with least-recently-used eviction. It backs
// the in-memory cache of small repository index files which are re-fetched
// many times within a single ingestion run.
type LRUCache struct {
	l *lru.Cache[any, any]
}

// NewLRUCache returns an LRUCache holding at most size entries.
func NewLRUCache(size int) (*LRUCache, error) {
	l, err := lru.New[any, any](size)
	if err != nil {
		return nil, errors.Wrap(err, "creating lru")
	}
	return &LRUCache{l: l}, nil
}

// Get returns the value for the given key, or ErrNotExist.
func (c *LRUCache) Get(key any) (any, error) {
	if val, ok := c.l.Get(key); ok {
		return val, nil
	}
	return nil, ErrNotExist
}

// Set stores the value returned by fetch under key.
func (c *LRUCache) Set(key any, fetch func() (any, error)) error {
	val, err := fetch()
	if err != nil {
		return err
	}
	c.l.Add(key, val)
	return nil
}

// GetOrSet returns the value for the given key, or sets it if it does not exist.
func (c *LRUCache) GetOrSet(key any, fetch func() (any, error)) (any, error) {
	if val, ok := c.l.Get(key); ok {
		return val, nil
	}
	val, err := fetch()
	if err != nil {
		return nil, err
	}
	c.l.Add(key, val)
	return val, nil
}

// Del deletes the value for the given key.
func (c *LRUCache) Del(key any) {
	c.l.Remove(key)
}

// Clear clears the cache.
func (c *LRUCache) Clear() {
	c.l.Purge()
}

var _ Cache = &LRUCache{}
