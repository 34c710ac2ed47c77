package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nirmitee/ehr-rbac/internal/rbac"
	"github.com/redis/go-redis/v9"
)

const (
	permKeyPrefix = "rbac:perm:"
	userKeyPrefix = "rbac:user:"
)

// Cache is an rbac.Cache shared by every instance. Each user has an index
// set of their cached keys so one user can be dropped without a scan.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ rbac.Cache = (*Cache)(nil)

func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = rbac.DefaultCacheTTL
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

func permKey(key rbac.CacheKey) string { return permKeyPrefix + key.String() }
func userKey(userID string) string     { return userKeyPrefix + userID }

func (c *Cache) Get(ctx context.Context, key rbac.CacheKey) (rbac.PermissionSet, bool, error) {
	data, err := c.rdb.Get(ctx, permKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var set rbac.PermissionSet
	if err := json.Unmarshal(data, &set); err != nil {
		// A corrupt entry is treated as a miss and overwritten on reload.
		return nil, false, nil
	}
	return set, true, nil
}

func (c *Cache) Set(ctx context.Context, key rbac.CacheKey, set rbac.PermissionSet) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encoding permission set: %w", err)
	}

	k := permKey(key)
	idx := userKey(key.UserID)
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, k, data, c.ttl)
		pipe.SAdd(ctx, idx, k)
		pipe.Expire(ctx, idx, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *Cache) InvalidateUser(ctx context.Context, userID string) error {
	idx := userKey(userID)
	keys, err := c.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		return fmt.Errorf("redis smembers: %w", err)
	}
	keys = append(keys, idx)
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (c *Cache) Purge(ctx context.Context) error {
	for _, pattern := range []string{permKeyPrefix + "*", userKeyPrefix + "*"} {
		iter := c.rdb.Scan(ctx, 0, pattern, 500).Iterator()
		var batch []string
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == 500 {
				if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
					return fmt.Errorf("redis del: %w", err)
				}
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(batch) > 0 {
			if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
	}
	return nil
}
