package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openclaims/approvald/model"
)

// UserCache caches user records by ID. Entries expire after a TTL and
// can be dropped explicitly via Delete; there is no implicit
// invalidation anywhere else.
type UserCache interface {
	Get(ctx context.Context, id string) (model.User, bool, error)
	Set(ctx context.Context, user model.User, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

func cacheKey(id string) string {
	return "dir:user:" + id
}

// --- MemoryUserCache ---

// MemoryUserCache is an in-memory UserCache with TTL support. Suitable
// for testing and single-instance deployments.
type MemoryUserCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	user      model.User
	expiresAt time.Time
}

// NewMemoryUserCache creates a new in-memory user cache.
func NewMemoryUserCache() *MemoryUserCache {
	return &MemoryUserCache{entries: make(map[string]*cacheEntry)}
}

// Get looks up a cached user.
func (c *MemoryUserCache) Get(_ context.Context, id string) (model.User, bool, error) {
	c.mu.RLock()
	entry, exists := c.entries[id]
	c.mu.RUnlock()

	if !exists {
		return model.User{}, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, id)
		c.mu.Unlock()
		return model.User{}, false, nil
	}
	return entry.user, true, nil
}

// Set stores a user with a TTL.
func (c *MemoryUserCache) Set(_ context.Context, user model.User, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[user.ID] = &cacheEntry{user: user, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Delete drops a cached user.
func (c *MemoryUserCache) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	return nil
}

// --- RedisUserCache ---

// RedisUserCache is a Redis-backed UserCache with TTL.
type RedisUserCache struct {
	client redis.Cmdable
}

// NewRedisUserCache creates a new Redis-backed user cache.
func NewRedisUserCache(client redis.Cmdable) *RedisUserCache {
	return &RedisUserCache{client: client}
}

// Get looks up a cached user in Redis.
func (c *RedisUserCache) Get(ctx context.Context, id string) (model.User, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(id)).Bytes()
	if err == redis.Nil {
		return model.User{}, false, nil
	}
	if err != nil {
		return model.User{}, false, fmt.Errorf("cache get: %w", err)
	}

	var u model.User
	if err := json.Unmarshal(raw, &u); err != nil {
		// Treat a corrupt entry as a miss; it will be overwritten.
		return model.User{}, false, nil
	}
	return u, true, nil
}

// Set stores a user in Redis with a TTL.
func (c *RedisUserCache) Set(ctx context.Context, user model.User, ttl time.Duration) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(user.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Delete drops a cached user from Redis.
func (c *RedisUserCache) Delete(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, cacheKey(id)).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// --- CachedLookup ---

// CacheStats receives cache hit/miss notifications. Both methods may be
// called concurrently.
type CacheStats interface {
	CacheHit()
	CacheMiss()
}

// CachedLookup wraps a Lookup with a UserCache for by-ID reads. List
// queries and email lookups pass through to the underlying store since
// their result sets change with org data. Cache failures degrade to a
// store read, never to an error.
type CachedLookup struct {
	store Lookup
	cache UserCache
	ttl   time.Duration
	stats CacheStats
}

// NewCachedLookup creates a lookup that caches GetUser results. stats may
// be nil.
func NewCachedLookup(store Lookup, cache UserCache, ttl time.Duration, stats CacheStats) *CachedLookup {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedLookup{store: store, cache: cache, ttl: ttl, stats: stats}
}

// GetUser returns a user from cache or the underlying store.
func (l *CachedLookup) GetUser(ctx context.Context, id string) (model.User, error) {
	if u, ok, err := l.cache.Get(ctx, id); err == nil && ok {
		if l.stats != nil {
			l.stats.CacheHit()
		}
		return u, nil
	}
	if l.stats != nil {
		l.stats.CacheMiss()
	}

	u, err := l.store.GetUser(ctx, id)
	if err != nil {
		return model.User{}, err
	}
	_ = l.cache.Set(ctx, u, l.ttl)
	return u, nil
}

// GetUserByEmail passes through to the store.
func (l *CachedLookup) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	return l.store.GetUserByEmail(ctx, email)
}

// FindActiveUsersByDepartmentAndTitle passes through to the store.
func (l *CachedLookup) FindActiveUsersByDepartmentAndTitle(ctx context.Context, department, title string) ([]model.User, error) {
	return l.store.FindActiveUsersByDepartmentAndTitle(ctx, department, title)
}

// FindActiveUsersByTitle passes through to the store.
func (l *CachedLookup) FindActiveUsersByTitle(ctx context.Context, title string) ([]model.User, error) {
	return l.store.FindActiveUsersByTitle(ctx, title)
}

// Invalidate drops a user from the cache. Called after directory writes.
func (l *CachedLookup) Invalidate(ctx context.Context, id string) error {
	return l.cache.Delete(ctx, id)
}
