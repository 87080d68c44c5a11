package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultCacheTTL = 5 * time.Minute

// Cache stores computed results as JSON. Every key belongs to one campaign
// and Invalidate drops exactly that campaign's keys.
type Cache interface {
	Get(ctx context.Context, key string, v any) (bool, error)
	Set(ctx context.Context, campaignID, key string, v any) error
	Invalidate(ctx context.Context, campaignID string) error
}

const (
	keyPrefix   = "canvass:analytics:"
	indexPrefix = "canvass:analytics-index:"
)

func campaignPrefix(campaignID string) string {
	return keyPrefix + campaignID + ":"
}

func alertsKey(campaignID string, threshold int) string {
	return fmt.Sprintf("%salerts:%d", campaignPrefix(campaignID), threshold)
}

func rankingKey(campaignID string) string {
	return campaignPrefix(campaignID) + "ranking"
}

// indexKey names the set of cached keys of a campaign. Campaign ids are
// free text, so invalidation goes through this set rather than a key
// pattern that another campaign's keys could also match.
func indexKey(campaignID string) string {
	return indexPrefix + campaignID
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string, v any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, campaignID, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	index := indexKey(campaignID)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, c.ttl)
		pipe.SAdd(ctx, index, key)
		pipe.Expire(ctx, index, c.ttl)
		return nil
	})
	return err
}

// Invalidate deletes every cached result of the campaign.
func (c *RedisCache) Invalidate(ctx context.Context, campaignID string) error {
	index := indexKey(campaignID)
	keys, err := c.client.SMembers(ctx, index).Result()
	if err != nil {
		return err
	}
	return c.client.Del(ctx, append(keys, index)...).Err()
}
