package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/alius76/GmrStockPlus-sub000/internal/domain"
)

type RedisTraceCache struct {
	client *redis.Client
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisTraceCache(client *redis.Client) *RedisTraceCache {
	return &RedisTraceCache{client: client}
}

func (c *RedisTraceCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisTraceCache) Close() error {
	return c.client.Close()
}

func (c *RedisTraceCache) Get(ctx context.Context, lotNumber string) ([]domain.TraceEvent, bool, error) {
	val, err := c.client.Get(ctx, traceKey(lotNumber)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var events []domain.TraceEvent
	if err := json.Unmarshal([]byte(val), &events); err != nil {
		return nil, false, err
	}
	return events, true, nil
}

func (c *RedisTraceCache) Set(ctx context.Context, lotNumber string, events []domain.TraceEvent, ttl time.Duration) error {
	if events == nil {
		events = []domain.TraceEvent{}
	}
	payload, err := json.Marshal(events)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, traceKey(lotNumber), payload, ttl).Err()
}

func (c *RedisTraceCache) Invalidate(ctx context.Context, lotNumber string) error {
	return c.client.Del(ctx, traceKey(lotNumber)).Err()
}
