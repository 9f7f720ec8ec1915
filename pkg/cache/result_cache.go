// Package cache implements the result cache consulted by the Cache
// priority lane. Entries are keyed by (query_ref, database, canonical
// parameter form) and evicted by a size-bounded LRU with TTL; the entry
// count is surfaced in the status payload as query_cache_entries.
package cache

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/conduitworks/conduit-engine/pkg/models"
)

const (
	// DefaultMaxEntries bounds the cache when configuration does not.
	DefaultMaxEntries = 1024
	// DefaultTTL bounds entry staleness when configuration does not.
	DefaultTTL = 5 * time.Minute
)

// ResultCache is a concurrency-safe store of idempotent query results.
type ResultCache struct {
	lru *expirable.LRU[string, *models.QueryResult]
}

// New builds a cache with the given bounds; zero values fall back to the
// defaults.
func New(maxEntries int, ttl time.Duration) *ResultCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResultCache{
		lru: expirable.NewLRU[string, *models.QueryResult](maxEntries, nil, ttl),
	}
}

// Key builds the cache key for one execution. canonicalParams must come
// from params.Canonical so that equivalent parameter sets collide.
func Key(queryRef int, database, canonicalParams string) string {
	return fmt.Sprintf("%d|%s|%s", queryRef, database, canonicalParams)
}

// Get returns the stored result for a key, if present and unexpired.
func (c *ResultCache) Get(key string) (*models.QueryResult, bool) {
	return c.lru.Get(key)
}

// Put stores a result. Only successful results are worth caching; callers
// enforce that.
func (c *ResultCache) Put(key string, result *models.QueryResult) {
	c.lru.Add(key, result)
}

// Len returns the current entry count.
func (c *ResultCache) Len() int {
	return c.lru.Len()
}
