package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
)

// DefaultCacheTTL bounds how long a latest window stays readable.
const DefaultCacheTTL = 5 * time.Minute

// RedisConfig configures the latest-window cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisCache keeps the most recent window per market.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Publisher = (*RedisCache)(nil)

// NewRedisCache creates a cache with its own client.
func NewRedisCache(config RedisConfig) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return NewRedisCacheWithClient(client, config.TTL)
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

// LatestKey returns the cache key for a market.
func LatestKey(venue domain.Venue, symbol string) string {
	return fmt.Sprintf("features:latest:%s:%s", venue, symbol)
}

// Name returns the metric label for this publisher.
func (c *RedisCache) Name() string { return "redis" }

// Publish stores w as the latest window for its market. Older windows never
// replace newer ones already cached.
func (c *RedisCache) Publish(ctx context.Context, w *domain.FeatureWindow) error {
	key := LatestKey(w.Venue, w.Symbol)

	cur, err := c.Latest(ctx, w.Venue, w.Symbol)
	if err != nil {
		return err
	}
	if cur != nil && cur.WindowStart.After(w.WindowStart) {
		return nil
	}

	data, err := marshalWindow(w)
	if err != nil {
		return fmt.Errorf("marshal window: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Latest returns the cached window for a market, or nil if none is cached.
func (c *RedisCache) Latest(ctx context.Context, venue domain.Venue, symbol string) (*domain.FeatureWindow, error) {
	key := LatestKey(venue, symbol)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	var msg WindowMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal window: %w", err)
	}
	return msg.Window()
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
