package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"
)

// GrantSource loads a user's active bindings together with their roles and
// scope paths.
type GrantSource interface {
	ActiveGrants(ctx context.Context, userID string) ([]Grant, error)
}

// ResolverOption configures the Resolver.
type ResolverOption func(*Resolver)

// WithCache sets the cache backend. The default is a MemoryCache with
// DefaultCacheTTL.
func WithCache(c Cache) ResolverOption {
	return func(r *Resolver) {
		r.cache = c
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) ResolverOption {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithNow overrides the clock used for assignment expiry.
func WithNow(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		r.now = now
	}
}

// Resolver computes effective permission sets and caches them. It is also
// the process-local sink for invalidation signals.
type Resolver struct {
	source  GrantSource
	cache   Cache
	metrics *Metrics
	now     func() time.Time

	group       singleflight.Group
	epoch       atomic.Uint64
	generations *xsync.MapOf[string, *atomic.Uint64]
}

func NewResolver(source GrantSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		source:      source,
		now:         time.Now,
		generations: xsync.NewMapOf[string, *atomic.Uint64](),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = NewMemoryCache(DefaultCacheTTL)
	}
	return r
}

// Resolve returns the effective permission set of userID in scope. The
// result is shared with the cache and must not be modified.
func (r *Resolver) Resolve(ctx context.Context, userID string, scope ScopeContext) (PermissionSet, error) {
	if userID == "" || scope.OrgID == "" {
		return nil, fmt.Errorf("%w: user and organization are required", ErrValidation)
	}

	key := NewCacheKey(userID, scope)
	gen := r.generation(userID)
	set, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading permission cache: %w", err)
	}
	r.metrics.cacheLookup(ok)
	if ok {
		return set, nil
	}

	// Callers that start after an invalidation never join a load that
	// began before it.
	ch := r.group.DoChan(gen.flightKey(key), func() (any, error) {
		return r.load(ctx, key, scope, gen)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			// The shared load ran on another caller's context; if that caller
			// went away, load again on ours.
			if isContextErr(res.Err) && ctx.Err() == nil {
				return r.load(ctx, key, scope, gen)
			}
			return nil, res.Err
		}
		return res.Val.(PermissionSet), nil
	}
}

// load reads grants that are at least as new as gen. The result is cached
// only if no invalidation for the user lands before the write completes.
func (r *Resolver) load(ctx context.Context, key CacheKey, scope ScopeContext, gen generation) (PermissionSet, error) {
	start := time.Now()
	defer r.metrics.observeResolve(start)

	grants, err := r.source.ActiveGrants(ctx, key.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading grants: %w", err)
	}
	set := EffectivePermissions(grants, scope, r.now())

	if ctx.Err() != nil || r.generation(key.UserID) != gen {
		return set, nil
	}
	if err := r.cache.Set(ctx, key, set); err != nil {
		slog.Warn("permission cache write failed", "user_id", key.UserID, "error", err)
		return set, nil
	}
	// Invalidate bumps the generation before evicting, so a bump seen here
	// may have evicted ahead of our write.
	if r.generation(key.UserID) != gen {
		if err := r.cache.InvalidateUser(ctx, key.UserID); err != nil {
			slog.Warn("evicting stale permission cache entry failed", "user_id", key.UserID, "error", err)
		}
	}
	return set, nil
}

// Invalidate evicts cached resolutions for the named users, or for everyone.
func (r *Resolver) Invalidate(ctx context.Context, inv Invalidation) error {
	if inv.Empty() {
		return nil
	}
	r.metrics.invalidation(inv)

	if inv.All {
		r.epoch.Add(1)
		return r.cache.Purge(ctx)
	}

	var errs []error
	for _, userID := range inv.UserIDs {
		counter, _ := r.generations.LoadOrCompute(userID, func() *atomic.Uint64 {
			return new(atomic.Uint64)
		})
		counter.Add(1)
		if err := r.cache.InvalidateUser(ctx, userID); err != nil {
			errs = append(errs, fmt.Errorf("invalidating %s: %w", userID, err))
		}
	}
	return errors.Join(errs...)
}

type generation struct {
	epoch uint64
	user  uint64
}

func (g generation) flightKey(key CacheKey) string {
	return fmt.Sprintf("%s@%d.%d", key.String(), g.epoch, g.user)
}

func (r *Resolver) generation(userID string) generation {
	g := generation{epoch: r.epoch.Load()}
	if counter, ok := r.generations.Load(userID); ok {
		g.user = counter.Load()
	}
	return g
}

// EffectivePermissions unions the permissions of every grant that is active
// at now and whose scope contains the context. Custom roles only apply in
// their owning organization.
func EffectivePermissions(grants []Grant, scope ScopeContext, now time.Time) PermissionSet {
	set := NewPermissionSet()
	for _, g := range grants {
		if !g.Role.Active || !g.Assignment.ActiveAt(now) {
			continue
		}
		if !g.Role.IsSystem && g.Role.OrgID != scope.OrgID {
			continue
		}
		if !scope.Contains(g.Role.ScopeLevel, g.Scope) {
			continue
		}
		set.Add(g.Role.Permissions...)
	}
	return set
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
