// Package cache provides caching for encoded job results and re-corrected
// rejection queries.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	ResultCacheSizeMB int
	ResultTTL         time.Duration
	QueryCacheSize    int
}

// Manager manages result and query caches.
type Manager struct {
	resultCache *bigcache.BigCache
	queryCache  *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	ttl := cfg.ResultTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	querySize := cfg.QueryCacheSize
	if querySize <= 0 {
		querySize = 256
	}

	// Result payloads are whole matrices, so use few shards to keep each
	// shard large enough to hold one.
	resultCacheConfig := bigcache.Config{
		Shards:             16,
		LifeWindow:         ttl,
		CleanWindow:        ttl / 2,
		MaxEntriesInWindow: 1024,
		MaxEntrySize:       1024 * 1024,
		HardMaxCacheSize:   cfg.ResultCacheSizeMB,
		Verbose:            false,
	}

	resultCache, err := bigcache.New(context.Background(), resultCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](querySize)
	if err != nil {
		resultCache.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		resultCache: resultCache,
		queryCache:  queryCache,
	}, nil
}

// GetResult retrieves an encoded result from cache.
func (m *Manager) GetResult(key string) ([]byte, bool) {
	data, err := m.resultCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetResult stores an encoded result in cache.
func (m *Manager) SetResult(key string, data []byte) error {
	return m.resultCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// ForgetJob drops every cached entry belonging to a job.
func (m *Manager) ForgetJob(jobID string) {
	for _, format := range []string{"json", "tsv", "xlsx"} {
		_ = m.resultCache.Delete(ResultKey(jobID, "scores", format))
		_ = m.resultCache.Delete(ResultKey(jobID, "rejects", format))
	}
	prefix := "reject:" + jobID + ":"
	for _, k := range m.queryCache.Keys() {
		if strings.HasPrefix(k, prefix) {
			m.queryCache.Remove(k)
		}
	}
}

// ResultKey generates a cache key for a stored job result in a given encoding.
func ResultKey(jobID, kind, format string) string {
	return fmt.Sprintf("result:%s:%s:%s", jobID, kind, format)
}

// RejectKey generates a cache key for a rejection matrix re-corrected at alpha.
func RejectKey(jobID string, alpha float64, format string) string {
	return fmt.Sprintf("reject:%s:a=%.6g:%s", jobID, alpha, format)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"result_cache_len": m.resultCache.Len(),
		"result_cache_cap": m.resultCache.Capacity(),
		"query_cache_len":  m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.resultCache.Close()
}
