// Package cache provides the key-scoped, TTL-based value store shared across
// the platform.
//
// The cache is advisory: backend errors are logged and counted but never
// surface to callers. Get reports a miss on error and Set reports false.
// Cache unavailability must not change functional outcomes, only latency.
//
// Keys follow prefix:tenant:site:resource_type:resource_id so that one site
// can be invalidated with a single pattern delete.
package cache

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
)

// Default TTLs per cached resource.
const (
	TTLPersona      = 300 * time.Second
	TTLActivePrompt = 300 * time.Second
	TTLSiteMap      = 600 * time.Second
	TTLEvidence     = 60 * time.Second
)

// Cache is the shared value store. Values are JSON-serialized by backends.
type Cache interface {
	// Get unmarshals the value for key into dest and reports whether the
	// key was present. Backend errors count as misses.
	Get(ctx context.Context, key string, dest any) bool

	// Set stores value under key with the given TTL and reports success.
	Set(ctx context.Context, key string, value any, ttl time.Duration) bool

	// Delete removes a single key.
	Delete(ctx context.Context, key string) bool

	// DeletePattern removes all keys matching a glob pattern and returns
	// the number removed (0 on backend error).
	DeletePattern(ctx context.Context, pattern string) int

	// Stats returns hit/miss/error counters.
	Stats() Stats
}

// Stats holds cache operation counters.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Errors uint64 `json:"errors"`
}

type counters struct {
	hits   atomic.Uint64
	misses atomic.Uint64
	errors atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
}

// Key builds a cache key in the canonical layout.
func Key(prefix, tenantID, siteID, resourceType, resourceID string) string {
	return strings.Join([]string{prefix, tenantID, siteID, resourceType, resourceID}, ":")
}

// SitePattern matches every key under one (tenant, site).
func SitePattern(prefix, tenantID, siteID string) string {
	return strings.Join([]string{prefix, tenantID, siteID, "*"}, ":")
}

// InvalidateSite wipes everything cached for one site.
func InvalidateSite(ctx context.Context, c Cache, prefix, tenantID, siteID string) int {
	return c.DeletePattern(ctx, SitePattern(prefix, tenantID, siteID))
}

// GetOrSet returns the cached value for key, or runs factory, caches its
// result, and returns it. A factory error is returned as-is and nothing is
// cached.
func GetOrSet[T any](ctx context.Context, c Cache, key string, ttl time.Duration, factory func(context.Context) (T, error)) (T, error) {
	var cached T
	if c.Get(ctx, key, &cached) {
		return cached, nil
	}
	value, err := factory(ctx)
	if err != nil {
		return value, err
	}
	c.Set(ctx, key, value, ttl)
	return value, nil
}

// matchPattern implements the glob subset used by cache keys: '*' matches
// any run of characters, everything else is literal.
func matchPattern(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}
