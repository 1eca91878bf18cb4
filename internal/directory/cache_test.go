package directory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/openclaims/approvald/model"
)

func newRedisCache(t *testing.T) (*RedisUserCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisUserCache(client), mr
}

func TestRedisUserCacheRoundTrip(t *testing.T) {
	cache, _ := newRedisCache(t)
	ctx := context.Background()

	if _, ok, err := cache.Get(ctx, "u1"); err != nil || ok {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}

	u := model.User{ID: "u1", Name: "Ada", Department: "Finance", Active: true}
	if err := cache.Set(ctx, u, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := cache.Get(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Name != "Ada" || got.Department != "Finance" {
		t.Errorf("got = %+v", got)
	}

	if err := cache.Delete(ctx, "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "u1"); ok {
		t.Error("entry survived delete")
	}
}

func TestRedisUserCacheExpiry(t *testing.T) {
	cache, mr := newRedisCache(t)
	ctx := context.Background()

	if err := cache.Set(ctx, model.User{ID: "u1", Name: "Ada"}, time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(2 * time.Second)

	if _, ok, _ := cache.Get(ctx, "u1"); ok {
		t.Error("entry survived TTL")
	}
}

func TestRedisUserCacheCorruptEntryIsMiss(t *testing.T) {
	cache, mr := newRedisCache(t)
	mr.Set(cacheKey("u1"), "{not json")

	_, ok, err := cache.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("corrupt entry reported as hit")
	}
}

type countingStats struct {
	hits   int
	misses int
}

func (s *countingStats) CacheHit()  { s.hits++ }
func (s *countingStats) CacheMiss() { s.misses++ }

func TestCachedLookupHitsAndMisses(t *testing.T) {
	store := NewMemoryUserStore()
	store.Seed(model.User{ID: "u1", Name: "Ada", Active: true})
	cache, _ := newRedisCache(t)
	stats := &countingStats{}
	lookup := NewCachedLookup(store, cache, time.Minute, stats)
	ctx := context.Background()

	if _, err := lookup.GetUser(ctx, "u1"); err != nil {
		t.Fatalf("first GetUser: %v", err)
	}
	if _, err := lookup.GetUser(ctx, "u1"); err != nil {
		t.Fatalf("second GetUser: %v", err)
	}
	if stats.misses != 1 || stats.hits != 1 {
		t.Errorf("hits=%d misses=%d, want 1/1", stats.hits, stats.misses)
	}
}

func TestCachedLookupInvalidateForcesReread(t *testing.T) {
	store := NewMemoryUserStore()
	store.Seed(model.User{ID: "u1", Name: "Old", Version: 1, Active: true})
	cache, _ := newRedisCache(t)
	lookup := NewCachedLookup(store, cache, time.Minute, nil)
	ctx := context.Background()

	if _, err := lookup.GetUser(ctx, "u1"); err != nil {
		t.Fatalf("GetUser: %v", err)
	}

	store.Seed(model.User{ID: "u1", Name: "New", Version: 2, Active: true})

	// Still cached: the stale name comes back.
	got, err := lookup.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Name != "Old" {
		t.Fatalf("name = %q, want cached Old", got.Name)
	}

	if err := lookup.Invalidate(ctx, "u1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	got, err = lookup.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser after invalidate: %v", err)
	}
	if got.Name != "New" {
		t.Errorf("name = %q, want New", got.Name)
	}
}

func TestCachedLookupDegradesOnCacheFailure(t *testing.T) {
	store := NewMemoryUserStore()
	store.Seed(model.User{ID: "u1", Name: "Ada", Active: true})

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	lookup := NewCachedLookup(store, NewRedisUserCache(client), time.Minute, nil)

	mr.Close() // cache backend gone

	got, err := lookup.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetUser with dead cache: %v", err)
	}
	if got.Name != "Ada" {
		t.Errorf("got = %+v", got)
	}
}

func TestCachedLookupListQueriesPassThrough(t *testing.T) {
	store := NewMemoryUserStore()
	store.Seed(
		model.User{ID: "u2", Department: "Finance", Title: "Manager", Active: true},
		model.User{ID: "u1", Department: "Finance", Title: "Manager", Active: true},
		model.User{ID: "u3", Department: "Finance", Title: "Manager", Active: false},
	)
	cache, _ := newRedisCache(t)
	lookup := NewCachedLookup(store, cache, time.Minute, nil)

	users, err := lookup.FindActiveUsersByDepartmentAndTitle(context.Background(), "Finance", "Manager")
	if err != nil {
		t.Fatalf("FindActiveUsersByDepartmentAndTitle: %v", err)
	}
	if len(users) != 2 || users[0].ID != "u1" || users[1].ID != "u2" {
		t.Errorf("users = %+v, want u1 then u2", users)
	}
}
