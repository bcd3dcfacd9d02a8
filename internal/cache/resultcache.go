package cache

import (
	"time"

	"github.com/nodalwatch/ace/internal/domain"
)

const amtPrefix = "amt:"

// ResultCache is the content-addressed analysis result cache of spec
// §4.3: cache_key -> completed AnalysisRequest, with AMT-scoped bulk
// invalidation.
type ResultCache struct {
	cache *Cache
}

// NewResultCache wraps a Cache as a ResultCache.
func NewResultCache(c *Cache) *ResultCache {
	return &ResultCache{cache: c}
}

func key(amtName, cacheKey string) string {
	return amtPrefix + amtName + ":" + cacheKey
}

// Get returns the cached AnalysisRequest for cacheKey, or (nil, false) if
// absent or expired.
func (rc *ResultCache) Get(amtName, cacheKey string) (*domain.AnalysisRequest, bool) {
	v, ok := rc.cache.Get(key(amtName, cacheKey))
	if !ok {
		return nil, false
	}
	ar, ok := v.(*domain.AnalysisRequest)
	return ar, ok
}

// Put stores ar under cacheKey with the given TTL.
func (rc *ResultCache) Put(amtName, cacheKey string, ar *domain.AnalysisRequest, ttl time.Duration) {
	rc.cache.Set(key(amtName, cacheKey), ar, ttl)
}

// DeleteByAMT purges every cached entry for the named AMT, e.g. on a
// version deployment swap (spec §4.6 rule 3).
func (rc *ResultCache) DeleteByAMT(amtName string) {
	rc.cache.InvalidatePattern(amtPrefix + amtName + ":")
}

// DeleteExpired sweeps TTL-expired entries.
func (rc *ResultCache) DeleteExpired() {
	rc.cache.DeleteExpired()
}

// Size returns the number of live entries, optionally scoped to one AMT.
func (rc *ResultCache) Size(amtName string) int {
	if amtName == "" {
		return rc.cache.Size()
	}
	return rc.cache.CountPrefix(amtPrefix + amtName + ":")
}
