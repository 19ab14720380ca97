// Package cache is the two-tier read-through cache for route documents:
// a short-TTL in-process memory tier in front of a day-scale Redis tier.
// The remote store stays authoritative; both tiers are disposable
// projections and every internal failure falls back to the source.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"wayfarer/api/internal/route"
)

const (
	DefaultMemoryTTL        = 5 * time.Minute
	DefaultRedisTTL         = 24 * time.Hour
	DefaultMaxMemoryEntries = 50
	defaultKeyPrefix        = "route:cache:"
)

var (
	hitsTotal          = vmetrics.GetOrCreateCounter("wayfarer_cache_hits_total")
	missesTotal        = vmetrics.GetOrCreateCounter("wayfarer_cache_misses_total")
	invalidationsTotal = vmetrics.GetOrCreateCounter("wayfarer_cache_invalidations_total")
	errorsTotal        = vmetrics.GetOrCreateCounter("wayfarer_cache_errors_total")
)

// CachedRoute is the value both tiers hold for a group.
type CachedRoute struct {
	GroupID  string          `json:"groupId"`
	Data     route.RouteData `json:"data"`
	Version  int64           `json:"version"`
	CachedAt time.Time       `json:"cachedAt"`
}

type memoryEntry struct {
	value     CachedRoute
	expiresAt time.Time
}

// Options tunes the cache tiers. Zero values take the defaults above.
type Options struct {
	MemoryTTL        time.Duration
	RedisTTL         time.Duration
	MaxMemoryEntries int
	KeyPrefix        string
}

func (o Options) withDefaults() Options {
	if o.MemoryTTL <= 0 {
		o.MemoryTTL = DefaultMemoryTTL
	}
	if o.RedisTTL <= 0 {
		o.RedisTTL = DefaultRedisTTL
	}
	if o.MaxMemoryEntries <= 0 {
		o.MaxMemoryEntries = DefaultMaxMemoryEntries
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = defaultKeyPrefix
	}
	return o
}

// Metrics is a point-in-time snapshot of cache counters. HitRate is 0
// before any lookup.
type Metrics struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Invalidations uint64  `json:"invalidations"`
	Errors        uint64  `json:"errors"`
	MemoryEntries int     `json:"memoryEntries"`
	HitRate       float64 `json:"hitRate"`
}

// RouteCache is safe for concurrent use. A nil Redis client disables the
// durable tier (used by disposable batch managers).
type RouteCache struct {
	client *redis.Client
	logger *zap.Logger
	opts   Options

	mu            sync.Mutex
	memory        map[string]memoryEntry
	hits          uint64
	misses        uint64
	invalidations uint64
	errorCount    uint64

	now func() time.Time
}

func New(client *redis.Client, logger *zap.Logger, opts Options) *RouteCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RouteCache{
		client: client,
		logger: logger,
		opts:   opts.withDefaults(),
		memory: make(map[string]memoryEntry),
		now:    time.Now,
	}
}

func (c *RouteCache) key(groupID string) string {
	return c.opts.KeyPrefix + groupID
}

// GetRoute is the read-through lookup: memory, then Redis (repopulating
// memory on hit), then fetch. A hit at either tier counts once; a miss
// at every tier counts once. Cache-internal errors never propagate —
// they increment the error counter and fall through to fetch.
func (c *RouteCache) GetRoute(ctx context.Context, groupID string, fetch func(context.Context) (*CachedRoute, error)) (*CachedRoute, bool, error) {
	if value, ok := c.memoryGet(groupID); ok {
		c.recordHit()
		return &value, true, nil
	}

	if value, ok := c.redisGet(ctx, groupID); ok {
		c.memorySet(value)
		c.recordHit()
		return &value, true, nil
	}

	c.recordMiss()
	if fetch == nil {
		return nil, false, nil
	}
	fetched, err := fetch(ctx)
	if err != nil {
		return nil, false, err
	}
	if fetched != nil {
		c.SetRoute(ctx, fetched.GroupID, fetched.Data, fetched.Version)
	}
	return fetched, false, nil
}

// SetRoute writes both tiers. The durable tier is best-effort: quota or
// availability failures are swallowed.
func (c *RouteCache) SetRoute(ctx context.Context, groupID string, data route.RouteData, version int64) {
	value := CachedRoute{
		GroupID:  groupID,
		Data:     data,
		Version:  version,
		CachedAt: c.now(),
	}
	c.memorySet(value)

	if c.client == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.recordError("marshal cached route", groupID, err)
		return
	}
	if err := c.client.Set(ctx, c.key(groupID), raw, c.opts.RedisTTL).Err(); err != nil {
		c.recordError("durable cache set", groupID, err)
	}
}

// Invalidate removes both tiers' entries for the group. A durable-tier
// failure is raised as a CACHE_INVALIDATION_ERROR since a stale durable
// entry is a consistency hazard, not a convenience loss.
func (c *RouteCache) Invalidate(ctx context.Context, groupID string) error {
	c.mu.Lock()
	delete(c.memory, groupID)
	c.invalidations++
	c.mu.Unlock()
	invalidationsTotal.Inc()

	if c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, c.key(groupID)).Err(); err != nil {
		c.recordError("durable cache invalidate", groupID, err)
		return &route.Error{
			Code:    route.CodeCacheInvalidation,
			Message: "failed to invalidate durable cache tier",
			Details: map[string]string{"groupId": groupID, "scope": "all"},
		}
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (c *RouteCache) Stats() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := Metrics{
		Hits:          c.hits,
		Misses:        c.misses,
		Invalidations: c.invalidations,
		Errors:        c.errorCount,
		MemoryEntries: len(c.memory),
	}
	if lookups := c.hits + c.misses; lookups > 0 {
		snapshot.HitRate = float64(c.hits) / float64(lookups)
	}
	return snapshot
}

func (c *RouteCache) memoryGet(groupID string) (CachedRoute, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.memory[groupID]
	if !ok {
		return CachedRoute{}, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.memory, groupID)
		return CachedRoute{}, false
	}
	return entry.value, true
}

func (c *RouteCache) memorySet(value CachedRoute) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.memory) >= c.opts.MaxMemoryEntries {
		c.evictLocked()
	}
	c.memory[value.GroupID] = memoryEntry{
		value:     value,
		expiresAt: c.now().Add(c.opts.MemoryTTL),
	}
}

// evictLocked first sweeps expired entries, then removes the oldest
// entries down to 80% of capacity so a full cache doesn't evict on
// every subsequent insert.
func (c *RouteCache) evictLocked() {
	now := c.now()
	for groupID, entry := range c.memory {
		if now.After(entry.expiresAt) {
			delete(c.memory, groupID)
		}
	}

	target := c.opts.MaxMemoryEntries * 8 / 10
	if target < 1 {
		target = 1
	}
	for len(c.memory) > target {
		oldestKey := ""
		var oldestAt time.Time
		for groupID, entry := range c.memory {
			if oldestKey == "" || entry.value.CachedAt.Before(oldestAt) {
				oldestKey = groupID
				oldestAt = entry.value.CachedAt
			}
		}
		delete(c.memory, oldestKey)
	}
}

func (c *RouteCache) redisGet(ctx context.Context, groupID string) (CachedRoute, bool) {
	if c.client == nil {
		return CachedRoute{}, false
	}
	raw, err := c.client.Get(ctx, c.key(groupID)).Result()
	if err == redis.Nil {
		return CachedRoute{}, false
	}
	if err != nil {
		c.recordError("durable cache get", groupID, err)
		return CachedRoute{}, false
	}
	var value CachedRoute
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		c.recordError("decode cached route", groupID, err)
		return CachedRoute{}, false
	}
	return value, true
}

func (c *RouteCache) recordHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	hitsTotal.Inc()
}

func (c *RouteCache) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	missesTotal.Inc()
}

func (c *RouteCache) recordError(op, groupID string, err error) {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
	errorsTotal.Inc()
	c.logger.Warn("cache error",
		zap.String("op", op),
		zap.String("group_id", groupID),
		zap.Error(err))
}
