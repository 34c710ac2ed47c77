package rbac

import (
	"context"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultCacheTTL bounds how long a resolved set may be served when an
// invalidation is delayed or lost.
const DefaultCacheTTL = 30 * time.Second

// CacheKey identifies one resolution: a user in a scope context.
type CacheKey struct {
	UserID       string
	OrgID        string
	LocationID   string
	DepartmentID string
}

func NewCacheKey(userID string, scope ScopeContext) CacheKey {
	return CacheKey{
		UserID:       userID,
		OrgID:        scope.OrgID,
		LocationID:   scope.LocationID,
		DepartmentID: scope.DepartmentID,
	}
}

func (k CacheKey) String() string {
	return strings.Join([]string{k.UserID, k.OrgID, k.LocationID, k.DepartmentID}, "|")
}

// Cache stores resolved permission sets. Backends may be process-local or
// shared between instances. Errors mean the backend is unreachable; the
// gate treats them as a denial.
type Cache interface {
	Get(ctx context.Context, key CacheKey) (PermissionSet, bool, error)
	Set(ctx context.Context, key CacheKey, set PermissionSet) error
	InvalidateUser(ctx context.Context, userID string) error
	Purge(ctx context.Context) error
}

type cacheEntry struct {
	set       PermissionSet
	expiresAt time.Time
}

// MemoryCache is a single-process Cache with a per-entry TTL. Entries are
// grouped per user so invalidation is a single delete.
type MemoryCache struct {
	ttl   time.Duration
	now   func() time.Time
	users *xsync.MapOf[string, *xsync.MapOf[CacheKey, cacheEntry]]
}

// MemoryCacheOption configures a MemoryCache.
type MemoryCacheOption func(*MemoryCache)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) MemoryCacheOption {
	return func(c *MemoryCache) {
		c.now = now
	}
}

func NewMemoryCache(ttl time.Duration, opts ...MemoryCacheOption) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &MemoryCache{
		ttl:   ttl,
		now:   time.Now,
		users: xsync.NewMapOf[string, *xsync.MapOf[CacheKey, cacheEntry]](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCache) Get(_ context.Context, key CacheKey) (PermissionSet, bool, error) {
	entries, ok := c.users.Load(key.UserID)
	if !ok {
		return nil, false, nil
	}
	e, ok := entries.Load(key)
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		entries.Delete(key)
		return nil, false, nil
	}
	return e.set, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key CacheKey, set PermissionSet) error {
	entries, _ := c.users.LoadOrCompute(key.UserID, func() *xsync.MapOf[CacheKey, cacheEntry] {
		return xsync.NewMapOf[CacheKey, cacheEntry]()
	})
	entries.Store(key, cacheEntry{set: set.Clone(), expiresAt: c.now().Add(c.ttl)})
	return nil
}

func (c *MemoryCache) InvalidateUser(_ context.Context, userID string) error {
	c.users.Delete(userID)
	return nil
}

func (c *MemoryCache) Purge(context.Context) error {
	c.users.Clear()
	return nil
}
