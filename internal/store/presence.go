package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceCache tracks whether a device is currently connected, driven by
// hello/bye events. Advisory only: session and device resolution always go
// through the Repo, never through here.
type PresenceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewPresenceCache(rdb *redis.Client) *PresenceCache {
	return &PresenceCache{rdb: rdb, ttl: 24 * time.Hour}
}

func presenceKey(mac string) string { return "device:presence:" + mac }

func (c *PresenceCache) MarkOnline(ctx context.Context, mac string) error {
	return c.rdb.Set(ctx, presenceKey(mac), "online", c.ttl).Err()
}

func (c *PresenceCache) MarkOffline(ctx context.Context, mac string) error {
	return c.rdb.Set(ctx, presenceKey(mac), "offline", c.ttl).Err()
}

// Status returns "online", "offline", or "unknown" when the device has not
// been heard from within the TTL.
func (c *PresenceCache) Status(ctx context.Context, mac string) (string, error) {
	v, err := c.rdb.Get(ctx, presenceKey(mac)).Result()
	if err == redis.Nil {
		return "unknown", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}
