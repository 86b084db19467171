// Package redis provides a best-effort recent-id cache in front of the
// processed-event store. It only short-circuits lookups for ids the cache has
// seen; a miss always falls through to the store.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/walletline/walletline/dedup"
)

const keyPrefix = "walletline:dedup:"

type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ dedup.Cache = (*Cache)(nil)

func New(client *redis.Client, ttl time.Duration) *Cache {
	if client == nil {
		panic("client is mandatory")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		client: client,
		ttl:    ttl,
	}
}

// Seen reports whether the event id is in the cache.
func (c *Cache) Seen(ctx context.Context, eventID string) (bool, error) {
	err := c.client.Get(ctx, keyPrefix+eventID).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Remember stores the event id with the configured TTL.
func (c *Cache) Remember(ctx context.Context, eventID string) error {
	return c.client.Set(ctx, keyPrefix+eventID, 1, c.ttl).Err()
}
