package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedFenceStore caches an asset's fence set in redis for ttl. Redis failures fall
// back to the wrapped store; fence data may be up to ttl stale.
type CachedFenceStore struct {
	next  FenceStore
	redis *redis.Client
	ttl   time.Duration
}

func NewCachedFenceStore(next FenceStore, rdb *redis.Client, ttl time.Duration) *CachedFenceStore {
	return &CachedFenceStore{next: next, redis: rdb, ttl: ttl}
}

func fenceCacheKey(assetID string) string {
	return fmt.Sprintf("geofence:asset:%s", assetID)
}

func (c *CachedFenceStore) GetByAssetID(ctx context.Context, assetID string) ([]GeoFence, error) {
	key := fenceCacheKey(assetID)

	data, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var fences []GeoFence
		uerr := json.Unmarshal(data, &fences)
		if uerr == nil {
			return fences, nil
		}
		slog.Warn("invalid cached fence set", "asset_id", assetID, "error", uerr)
	case !errors.Is(err, redis.Nil):
		slog.Warn("fence cache read failed", "asset_id", assetID, "error", err)
	}

	fences, err := c.next.GetByAssetID(ctx, assetID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(fences); err == nil {
		if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
			slog.Warn("fence cache write failed", "asset_id", assetID, "error", err)
		}
	}
	return fences, nil
}

// Invalidate drops the cached fence sets of the given assets.
func (c *CachedFenceStore) Invalidate(ctx context.Context, assetIDs ...string) error {
	if len(assetIDs) == 0 {
		return nil
	}
	keys := make([]string, len(assetIDs))
	for i, a := range assetIDs {
		keys[i] = fenceCacheKey(a)
	}
	return c.redis.Del(ctx, keys...).Err()
}
