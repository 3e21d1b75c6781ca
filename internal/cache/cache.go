// Package cache provides caching for rendered previews and query results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	BufferCacheSizeMB int
	BufferTTL         time.Duration
	QueryCacheSize    int
}

// Manager manages the preview/buffer cache and the query cache. Keys embed
// the filter generation, so stale entries simply stop being asked for and
// age out instead of requiring explicit invalidation.
type Manager struct {
	bufferCache *bigcache.BigCache
	queryCache  *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	bufferCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.BufferTTL,
		CleanWindow:        cfg.BufferTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       512 * 1024, // rendered previews can be large
		HardMaxCacheSize:   cfg.BufferCacheSizeMB,
		Verbose:            false,
	}

	bufferCache, err := bigcache.New(context.Background(), bufferCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		bufferCache: bufferCache,
		queryCache:  queryCache,
	}, nil
}

// GetBuffer retrieves a serialized buffer or preview from cache.
func (m *Manager) GetBuffer(key string) ([]byte, bool) {
	data, err := m.bufferCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetBuffer stores a serialized buffer or preview in cache.
func (m *Manager) SetBuffer(key string, data []byte) error {
	return m.bufferCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// PreviewKey generates a cache key for a rendered view preview. The filter
// generation is part of the key so any filter change invalidates it.
func PreviewKey(dataset, viewID string, generation uint64, width, height int) string {
	return fmt.Sprintf("preview:%s:%s:g%d:%dx%d", dataset, viewID, generation, width, height)
}

// QueryKey generates a cache key for a query endpoint. Parameters are sorted
// and hashed so the key is stable regardless of map iteration order.
func QueryKey(dataset, endpoint string, generation uint64, params map[string]string) string {
	base := fmt.Sprintf("query:%s:%s:g%d", dataset, endpoint, generation)
	if len(params) == 0 {
		return base
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(base))
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(params[k]))
		h.Write([]byte{';'})
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"buffer_cache_len": m.bufferCache.Len(),
		"buffer_cache_cap": m.bufferCache.Capacity(),
		"query_cache_len":  m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.bufferCache.Close()
}
